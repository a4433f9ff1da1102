// Gatectl evaluates evidence against an agreement policy offline and
// replays stored decisions for audit. It never dispatches anything.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/floodgate/internal/gate"
)

// Exit codes: 0 approve or replay match, 1 block or replay mismatch, 2 error.
const (
	exitOK       = 0
	exitFindings = 1
	exitError    = 2
)

// findingsError carries a non-error "no" result (BLOCK, replay mismatch)
// out of a RunE so main can map it to exitFindings.
type findingsError struct{ msg string }

func (e findingsError) Error() string { return e.msg }

func main() {
	os.Exit(execute(newRootCmd(), os.Args[1:]))
}

func execute(root *cobra.Command, args []string) int {
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return exitOK
	}
	var fe findingsError
	if errors.As(err, &fe) {
		return exitFindings
	}
	fmt.Fprintln(root.ErrOrStderr(), "error:", err)
	return exitError
}

// policyFlags selects an agreement policy the same way the server does.
type policyFlags struct {
	file     string
	preset   string
	required int
}

func (p *policyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.file, "policy", "", "YAML agreement policy file (overrides --preset)")
	cmd.Flags().StringVar(&p.preset, "preset", gate.PresetTwoSource, "policy preset: two_source, single_source or n_of_m")
	cmd.Flags().IntVar(&p.required, "required", 0, "agreeing sources required by the preset (0 = preset default)")
}

func (p *policyFlags) resolve() (gate.Policy, error) {
	if p.file != "" {
		lp, err := gate.LoadPolicy(p.file)
		if err != nil {
			return gate.Policy{}, err
		}
		return lp.Policy, nil
	}
	return gate.Preset(p.preset, p.required)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gatectl",
		Short:         "Offline evaluation and replay for the floodgate dispatch gate",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newEvaluateCmd(),
		newReplayCmd(),
		newLocationsCmd(),
		newPolicyCmd(),
	)
	return root
}

func newPolicyCmd() *cobra.Command {
	var pf policyFlags
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Validate and print an agreement policy with its digest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := pf.resolve()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "policy: %s\n", p)
			fmt.Fprintf(out, "digest: %s\n", p.Digest())
			return nil
		},
	}
	pf.register(cmd)
	return cmd
}
