package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/rynxs-labs/rynxs-core/pkg/store/filestore"
	"github.com/rynxs-labs/rynxs-core/pkg/verify"
)

// runVerifyPointers checks every ActionsDecided trigger pointer against the
// chain.
func runVerifyPointers(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-pointers", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var logDir string
	cmd.StringVar(&logDir, "log", "", "Path to the event log directory (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return exitRuntimeError
	}
	if logDir == "" {
		fmt.Fprintln(stderr, "verify-pointers: --log is required")
		return exitRuntimeError
	}

	st, err := filestore.New(logDir, filestore.Options{})
	if err != nil {
		fmt.Fprintf(stderr, "verify-pointers: %v\n", err)
		return exitRuntimeError
	}

	report, err := verify.Pointers(context.Background(), st)
	if err != nil {
		fmt.Fprintf(stderr, "verify-pointers: %v\n", err)
		return exitRuntimeError
	}
	if code := printJSON(stdout, stderr, report); code != exitOK {
		return code
	}
	if !report.Valid {
		fmt.Fprintf(stderr, "pointer verification failed at seq %d: %s\n", report.BadSeq, report.Error)
		return exitVerifyFailed
	}
	return exitOK
}
