package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/ownables/pkg/artifacts"
	"github.com/Mindburn-Labs/ownables/pkg/config"
	"github.com/Mindburn-Labs/ownables/pkg/ownable"
	"github.com/Mindburn-Labs/ownables/pkg/registry"
)

func runPackageCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || args[0] != "import" {
		_, _ = fmt.Fprintln(stderr, "Usage: ownables package import <dir>")
		return 2
	}
	if len(args) != 2 {
		_, _ = fmt.Fprintln(stderr, "Error: package directory is required")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	ctx := context.Background()
	blobs, err := artifacts.New(ctx, cfg.Artifacts)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: artifact store: %v\n", err)
		return 1
	}
	pkg, err := registry.ImportDir(ctx, args[1], blobs)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	data, _ := json.MarshalIndent(pkg, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}

func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: ownables verify [--json] <bundle.zip>")
		return 2
	}
	path := cmd.Arg(0)

	data, err := os.ReadFile(path)
	if err == nil {
		var a *ownable.Archive
		a, err = ownable.ReadBundle(data)
		if err == nil {
			if *jsonOutput {
				out, _ := json.MarshalIndent(map[string]any{
					"bundle":     path,
					"valid":      true,
					"id":         a.ID,
					"package":    a.Package,
					"state_hash": a.StateHash,
					"events":     len(a.Chain.Events),
				}, "", "  ")
				_, _ = fmt.Fprintln(stdout, string(out))
			} else {
				_, _ = fmt.Fprintf(stdout, "Bundle verified: %s\n", path)
				_, _ = fmt.Fprintf(stdout, "  Ownable:  %s\n", a.ID)
				_, _ = fmt.Fprintf(stdout, "  Package:  %s\n", a.Package)
				_, _ = fmt.Fprintf(stdout, "  State:    %s\n", a.StateHash)
				_, _ = fmt.Fprintf(stdout, "  Events:   %d\n", len(a.Chain.Events))
			}
			return 0
		}
	}

	if *jsonOutput {
		out, _ := json.MarshalIndent(map[string]any{
			"bundle": path,
			"valid":  false,
			"error":  err.Error(),
		}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(out))
	} else {
		_, _ = fmt.Fprintf(stderr, "Verification failed: %v\n", err)
	}
	return 1
}
