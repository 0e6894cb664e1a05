package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/vbus-simulator/internal/export"
)

var errVerdictsFailed = errors.New("verdict log contains failures")

func newVerdictsCmd() *cobra.Command {
	var failedOnly bool
	cmd := &cobra.Command{
		Use:   "verdicts <verdicts.ndjson>",
		Short: "Summarize a verdict log written by the simulator",
		Long: `Prints every verdict of an NDJSON verdict log and a pass/fail count.
The command fails when any verdict is FAIL, so it can gate CI jobs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			verdicts, err := export.ReadVerdicts(bufio.NewReader(f))
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, v := range verdicts {
				if !v.Passed() {
					failed++
				} else if failedOnly {
					continue
				}
				fmt.Fprintf(out, "%-4s %10s  %s", v.Result, v.At, v.Rule)
				if v.Reason != "" {
					fmt.Fprintf(out, ": %s", v.Reason)
				}
				fmt.Fprintln(out)
			}
			fmt.Fprintf(out, "%d verdict(s), %d passed, %d failed\n", len(verdicts), len(verdicts)-failed, failed)
			if failed > 0 {
				return errVerdictsFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "Only print failed verdicts")
	return cmd
}
