package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/floodgate/internal/evidence"
	"github.com/linnemanlabs/floodgate/internal/gate"
	"github.com/linnemanlabs/floodgate/internal/notify/slack"
	"github.com/linnemanlabs/floodgate/internal/sources/fixture"
)

func loadTable(path string) (*fixture.Table, error) {
	if path == "" {
		return fixture.Default()
	}
	return fixture.Load(path)
}

func newEvaluateCmd() *cobra.Command {
	var (
		pf       policyFlags
		records  string
		asOf     string
		asJSON   bool
		withText bool
	)
	cmd := &cobra.Command{
		Use:   "evaluate LOCATION",
		Short: "Run the gate over a records table for one location",
		Long: `Evaluate assesses every source in the records table for LOCATION and
prints the gate's decision. Without --records the built-in table is used.
Exits 0 on APPROVE and 1 on BLOCK.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			location := strings.TrimSpace(args[0])
			if location == "" {
				return fmt.Errorf("location is required")
			}
			p, err := pf.resolve()
			if err != nil {
				return err
			}
			table, err := loadTable(records)
			if err != nil {
				return err
			}
			at := time.Now().UTC()
			if asOf != "" {
				if at, err = time.Parse(time.RFC3339, asOf); err != nil {
					return fmt.Errorf("invalid --as-of: %w", err)
				}
			}

			verdicts := evidence.Collect(cmd.Context(), location, at, table.Providers()...)
			d := gate.Evaluate(location, verdicts, p, at)

			out := cmd.OutOrStdout()
			if asJSON {
				err = writeDecisionJSON(out, d)
			} else {
				err = gate.FormatAudit(out, d)
				if err == nil && withText && d.Approved() {
					en, tl := slack.SMSText(d.Location)
					_, err = fmt.Fprintf(out, "sms (en):      %s\nsms (tl):      %s\n", en, tl)
				}
			}
			if err != nil {
				return err
			}
			if !d.Approved() {
				return findingsError{msg: d.Summary()}
			}
			return nil
		},
	}
	pf.register(cmd)
	cmd.Flags().StringVar(&records, "records", "", "YAML or JSON records table (default: built-in table)")
	cmd.Flags().StringVar(&asOf, "as-of", "", "evaluation time, RFC 3339 (default: now)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the decision as JSON")
	cmd.Flags().BoolVar(&withText, "sms", true, "print the alert text on APPROVE")
	return cmd
}

func writeDecisionJSON(w io.Writer, d gate.Decision) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}

func newLocationsCmd() *cobra.Command {
	var records string
	cmd := &cobra.Command{
		Use:   "locations",
		Short: "List locations and sources in a records table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			table, err := loadTable(records)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, loc := range table.Locations() {
				var ids []string
				for _, r := range table.Records(loc) {
					ids = append(ids, r.SourceID)
				}
				fmt.Fprintf(out, "%s\t%s\n", loc, strings.Join(ids, ","))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&records, "records", "", "YAML or JSON records table (default: built-in table)")
	return cmd
}
