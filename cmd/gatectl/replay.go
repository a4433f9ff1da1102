package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/floodgate/internal/gate"
)

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay FILE",
		Short: "Re-derive stored decisions from their own verdicts and policy",
		Long: `Replay reads a decision as printed by "evaluate --json", or the
{"decisions": [...]} body of GET /api/v1/decisions, and checks that each
decision reproduces. Use - to read stdin. Exits 1 if any decision does not.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			ds, err := parseDecisions(data)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			mismatches := 0
			for _, d := range ds {
				if _, err := gate.Replay(d); err != nil {
					if !errors.Is(err, gate.ErrReplayMismatch) {
						return err
					}
					mismatches++
					fmt.Fprintf(out, "MISMATCH %s: %v\n", d.Summary(), err)
					continue
				}
				fmt.Fprintf(out, "ok       %s\n", d.Summary())
			}
			if mismatches > 0 {
				return findingsError{msg: fmt.Sprintf("%d of %d decisions did not reproduce", mismatches, len(ds))}
			}
			return nil
		},
	}
	return cmd
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	// #nosec G304 -- operator-supplied audit file.
	return os.ReadFile(path)
}

func parseDecisions(data []byte) ([]gate.Decision, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("no decisions in input")
	}

	var envelope struct {
		Decisions []gate.Decision `json:"decisions"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Decisions != nil {
		if len(envelope.Decisions) == 0 {
			return nil, fmt.Errorf("no decisions in input")
		}
		return envelope.Decisions, nil
	}

	var d gate.Decision
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}
	if d.Location == "" || d.Outcome == "" {
		return nil, fmt.Errorf("input is not a decision")
	}
	return []gate.Decision{d}, nil
}
