package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/rynxs-labs/rynxs-core/pkg/checkpoint"
	"github.com/rynxs-labs/rynxs-core/pkg/engine"
	"github.com/rynxs-labs/rynxs-core/pkg/store/filestore"
)

// runCheckpoint dispatches checkpoint subcommands.
func runCheckpoint(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: rynxs checkpoint <keygen|create|verify>")
		return exitRuntimeError
	}
	switch args[0] {
	case "keygen":
		return runCheckpointKeygen(args[1:], stdout, stderr)
	case "create":
		return runCheckpointCreate(args[1:], stdout, stderr)
	case "verify":
		return runCheckpointVerify(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown checkpoint subcommand: %s\n", args[0])
		return exitRuntimeError
	}
}

func runCheckpointKeygen(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("checkpoint keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var out, keyID string
	cmd.StringVar(&out, "out", "signing.key", "Seed file to write")
	cmd.StringVar(&keyID, "key-id", "default", "Key identifier")
	if err := cmd.Parse(args); err != nil {
		return exitRuntimeError
	}

	signer, err := checkpoint.NewSigner(keyID)
	if err != nil {
		fmt.Fprintf(stderr, "keygen: %v\n", err)
		return exitRuntimeError
	}
	if err := signer.SaveSeed(out); err != nil {
		fmt.Fprintf(stderr, "keygen: %v\n", err)
		return exitRuntimeError
	}
	fmt.Fprintf(stdout, "wrote %s\npublic key: %s\n", out, signer.PublicKeyHex())
	return exitOK
}

func runCheckpointCreate(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("checkpoint create", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		logDir    string
		dir       string
		keyPath   string
		keyID     string
		atSeq     int64
		createdBy string
	)
	cmd.StringVar(&logDir, "log", "", "Path to the event log directory (REQUIRED)")
	cmd.StringVar(&dir, "dir", "checkpoints", "Checkpoint directory")
	cmd.StringVar(&keyPath, "key", "", "Ed25519 seed file (REQUIRED)")
	cmd.StringVar(&keyID, "key-id", "default", "Key identifier")
	cmd.Int64Var(&atSeq, "at-seq", -1, "Snapshot at this sequence (default: tail)")
	cmd.StringVar(&createdBy, "created-by", "rynxs-cli", "Writer identity recorded in the checkpoint")
	if err := cmd.Parse(args); err != nil {
		return exitRuntimeError
	}
	if logDir == "" || keyPath == "" {
		fmt.Fprintln(stderr, "checkpoint create: --log and --key are required")
		return exitRuntimeError
	}

	st, err := filestore.New(logDir, filestore.Options{})
	if err != nil {
		fmt.Fprintf(stderr, "checkpoint create: %v\n", err)
		return exitRuntimeError
	}
	signer, err := checkpoint.LoadSigner(keyPath, keyID)
	if err != nil {
		fmt.Fprintf(stderr, "checkpoint create: %v\n", err)
		return exitRuntimeError
	}
	reducer := engine.NewReducer()
	engine.RegisterDefaultHandlers(reducer)

	cp, err := checkpoint.Create(context.Background(), st, reducer, signer, atSeq, createdBy)
	if err != nil {
		fmt.Fprintf(stderr, "checkpoint create: %v\n", err)
		return exitRuntimeError
	}

	cpStore, err := checkpoint.NewStore(dir)
	if err != nil {
		fmt.Fprintf(stderr, "checkpoint create: %v\n", err)
		return exitRuntimeError
	}
	path, err := cpStore.Save(cp)
	if err != nil {
		fmt.Fprintf(stderr, "checkpoint create: %v\n", err)
		return exitRuntimeError
	}

	return printJSON(stdout, stderr, map[string]any{
		"path":          path,
		"checkpoint_id": cp.CheckpointID,
		"at_seq":        cp.AtSeq,
		"state_hash":    cp.StateHash,
		"log_hash":      cp.LogHash,
	})
}

func runCheckpointVerify(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("checkpoint verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		logDir  string
		cpPath  string
		pubKey  string
		pubFile string
	)
	cmd.StringVar(&logDir, "log", "", "Path to the event log directory (REQUIRED)")
	cmd.StringVar(&cpPath, "path", "", "Checkpoint file (REQUIRED)")
	cmd.StringVar(&pubKey, "pubkey", "", "Hex public key")
	cmd.StringVar(&pubFile, "pubkey-file", "", "File holding the hex public key")
	if err := cmd.Parse(args); err != nil {
		return exitRuntimeError
	}
	if logDir == "" || cpPath == "" || (pubKey == "" && pubFile == "") {
		fmt.Fprintln(stderr, "checkpoint verify: --log, --path, and --pubkey[-file] are required")
		return exitRuntimeError
	}
	if pubKey == "" {
		loaded, err := checkpoint.LoadPublicKey(pubFile)
		if err != nil {
			fmt.Fprintf(stderr, "checkpoint verify: %v\n", err)
			return exitRuntimeError
		}
		pubKey = loaded
	}

	st, err := filestore.New(logDir, filestore.Options{})
	if err != nil {
		fmt.Fprintf(stderr, "checkpoint verify: %v\n", err)
		return exitRuntimeError
	}
	cpStore, err := checkpoint.NewStore(".")
	if err != nil {
		fmt.Fprintf(stderr, "checkpoint verify: %v\n", err)
		return exitRuntimeError
	}
	cp, err := cpStore.Load(cpPath)
	if err != nil {
		fmt.Fprintf(stderr, "checkpoint verify: %v\n", err)
		return exitRuntimeError
	}

	reducer := engine.NewReducer()
	engine.RegisterDefaultHandlers(reducer)

	result := checkpoint.Verify(context.Background(), cp, pubKey, st, reducer)
	if code := printJSON(stdout, stderr, result); code != exitOK {
		return code
	}
	if !result.Valid {
		fmt.Fprintf(stderr, "checkpoint verification failed at seq %d: %s\n", cp.AtSeq, result.Error)
		return exitVerifyFailed
	}
	return exitOK
}
