// Command keel-verify replays an archived audit-chain export offline,
// rechecking every hash linkage and signature against a signer registry.
// It needs no network and no database, so auditors can run it anywhere.
//
// Exit codes: 0 chain verified, 1 chain broken, 2 usage or I/O error.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/signing"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keel-verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		registryPath string
		jsonOutput   bool
	)
	cmd.StringVar(&registryPath, "registry", "", "signer registry JSON (omit to check linkage only)")
	cmd.BoolVar(&jsonOutput, "json", false, "print the report as JSON")
	cmd.Usage = func() {
		_, _ = fmt.Fprintln(stderr, "Usage: keel-verify [--registry registry.json] [--json] export...")
		_, _ = fmt.Fprintln(stderr, "")
		_, _ = fmt.Fprintln(stderr, "Exports are JSONL batches (plain or gzip), passed in chain order")
		_, _ = fmt.Fprintln(stderr, "starting at the head batch.")
		cmd.PrintDefaults()
	}

	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	if cmd.NArg() == 0 {
		cmd.Usage()
		return 2
	}

	var reg *signing.Registry
	if registryPath != "" {
		r, err := signing.LoadRegistry(registryPath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		reg = r
	} else {
		_, _ = fmt.Fprintln(stderr, "Warning: no --registry given; signatures are NOT checked")
	}

	var events []*audit.Event
	for _, path := range cmd.Args() {
		batch, err := readBatch(path)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if !jsonOutput {
			_, _ = fmt.Fprintf(stdout, "%s: %d events\n", path, len(batch))
		}
		events = append(events, batch...)
	}

	rep := audit.Verify(events, reg)

	if jsonOutput {
		data, err := json.MarshalIndent(struct {
			*audit.Report
			SignaturesChecked bool `json:"signaturesChecked"`
		}{rep, reg != nil}, "", "  ")
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if rep.OK {
		_, _ = fmt.Fprintf(stdout, "OK: %d events verified", rep.Checked)
		if reg == nil {
			_, _ = fmt.Fprint(stdout, " (linkage only)")
		}
		_, _ = fmt.Fprintln(stdout)
	} else {
		b := rep.BrokenAt
		_, _ = fmt.Fprintf(stdout, "BROKEN at event %d (%s): %s\n", b.Index, b.EventID, b.Reason)
		_, _ = fmt.Fprintf(stdout, "%d events verified before the break\n", rep.Checked)
	}

	if !rep.OK {
		return 1
	}
	return 0
}

// readBatch loads one export file. Gzip batches are detected by their magic
// bytes; anything else is treated as plain JSONL.
func readBatch(path string) ([]*audit.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		return audit.DecodeBatch(bytes.NewReader(data))
	}

	var out []*audit.Event
	for i, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var ev audit.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, i+1, err)
		}
		out = append(out, &ev)
	}
	return out, nil
}
