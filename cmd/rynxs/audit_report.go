package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/rynxs-labs/rynxs-core/pkg/store/filestore"
	"github.com/rynxs-labs/rynxs-core/pkg/verify"
)

type auditBundle struct {
	Chain    verify.ChainReport   `json:"chain"`
	Pointers verify.PointerReport `json:"pointers"`
	Proof    *verify.Proof        `json:"proof,omitempty"`
	Valid    bool                 `json:"valid"`
}

// runAuditReport produces the audit bundle: chain verification, pointer
// verification, and optionally a decision proof.
func runAuditReport(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("audit-report", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		logDir    string
		format    string
		summary   bool
		withProof bool
		atSeq     int64
	)
	cmd.StringVar(&logDir, "log", "", "Path to the event log directory (REQUIRED)")
	cmd.StringVar(&format, "format", "json", "Output format: json or md")
	cmd.BoolVar(&summary, "summary", false, "Summary only (omit per-action detail)")
	cmd.BoolVar(&withProof, "proof", false, "Include a decision proof")
	cmd.Int64Var(&atSeq, "at-seq", -1, "Trigger sequence for the proof (default: first decision)")
	if err := cmd.Parse(args); err != nil {
		return exitRuntimeError
	}
	if logDir == "" {
		fmt.Fprintln(stderr, "audit-report: --log is required")
		return exitRuntimeError
	}
	if format != "json" && format != "md" {
		fmt.Fprintf(stderr, "audit-report: unsupported format %q\n", format)
		return exitRuntimeError
	}

	st, err := filestore.New(logDir, filestore.Options{})
	if err != nil {
		fmt.Fprintf(stderr, "audit-report: %v\n", err)
		return exitRuntimeError
	}

	// Chain and pointer sweeps are independent read passes.
	var bundle auditBundle
	ctx := context.Background()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		report, err := verify.Chain(gctx, st)
		bundle.Chain = report
		return err
	})
	g.Go(func() error {
		report, err := verify.Pointers(gctx, st)
		bundle.Pointers = report
		return err
	})
	if err := g.Wait(); err != nil {
		fmt.Fprintf(stderr, "audit-report: %v\n", err)
		return exitRuntimeError
	}

	if withProof {
		proof, err := verify.BuildProof(ctx, st, atSeq)
		if err != nil {
			fmt.Fprintf(stderr, "audit-report: %v\n", err)
			return exitRuntimeError
		}
		if summary {
			proof.ActionResults = nil
		}
		bundle.Proof = &proof
	}

	bundle.Valid = bundle.Chain.Valid && bundle.Pointers.Valid &&
		(bundle.Proof == nil || bundle.Proof.Valid)

	switch format {
	case "md":
		writeMarkdown(stdout, bundle)
	default:
		if code := printJSON(stdout, stderr, bundle); code != exitOK {
			return code
		}
	}

	if !bundle.Valid {
		if !bundle.Chain.Valid {
			fmt.Fprintf(stderr, "chain verification failed at seq %d: %s\n", bundle.Chain.BadSeq, bundle.Chain.Error)
		}
		if !bundle.Pointers.Valid {
			fmt.Fprintf(stderr, "pointer verification failed at seq %d: %s\n", bundle.Pointers.BadSeq, bundle.Pointers.Error)
		}
		return exitVerifyFailed
	}
	return exitOK
}

func writeMarkdown(w io.Writer, b auditBundle) {
	status := func(ok bool) string {
		if ok {
			return "PASS"
		}
		return "FAIL"
	}
	fmt.Fprintln(w, "# Audit Report")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "| Check | Status | Detail |\n")
	fmt.Fprintf(w, "|---|---|---|\n")
	fmt.Fprintf(w, "| Chain | %s | %d records checked |\n", status(b.Chain.Valid), b.Chain.Checked)
	fmt.Fprintf(w, "| Pointers | %s | %d decisions checked |\n", status(b.Pointers.Valid), b.Pointers.Checked)
	if b.Proof != nil {
		fmt.Fprintf(w, "| Proof | %s | trigger seq %d |\n", status(b.Proof.Valid), b.Proof.TriggerSeq)
	}
	if !b.Chain.Valid {
		fmt.Fprintf(w, "\nChain broke at seq %d: %s\n", b.Chain.BadSeq, b.Chain.Error)
	}
	if !b.Pointers.Valid {
		fmt.Fprintf(w, "\nPointer check failed at seq %d: %s\n", b.Pointers.BadSeq, b.Pointers.Error)
	}
}
