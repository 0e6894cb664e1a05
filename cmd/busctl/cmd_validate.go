package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/vbus-simulator/internal/config"
	"github.com/signalsfoundry/vbus-simulator/internal/dbc"
	"github.com/signalsfoundry/vbus-simulator/internal/evaluator"
)

func newValidateCmd() *cobra.Command {
	var signals, script string
	cmd := &cobra.Command{
		Use:   "validate [scenario.yaml]",
		Short: "Check a scenario and the files it references",
		Long: `Loads a scenario the way the simulator does, then parses its signal
definitions and test script. Standalone signal or script files can be
checked with --signals and --script.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 0 && signals == "" && script == "" {
				return fmt.Errorf("nothing to validate: pass a scenario, --signals or --script")
			}
			if len(args) == 1 {
				scn, err := config.Load(args[0])
				if err != nil {
					return err
				}
				nodes, _ := scn.Nodes()
				faults, _ := scn.Faults()
				rules, _ := scn.Rules()
				fmt.Fprintf(out, "scenario %s: %d bus(es), %d node(s), %d fault(s), %d rule(s)\n",
					args[0], len(scn.Buses), len(nodes), len(faults), len(rules))
				if signals == "" {
					signals = scn.Signals
				}
				if script == "" {
					script = scn.Script
				}
			}
			if signals != "" {
				db, err := dbc.LoadFile(signals)
				if err != nil {
					return fmt.Errorf("signals %s: %w", signals, err)
				}
				fmt.Fprintf(out, "signals %s: %d signal(s) in %d message(s)\n", signals, db.Len(), len(db.Messages()))
			}
			if script != "" {
				s, err := evaluator.ParseScriptFile(script)
				if err != nil {
					return fmt.Errorf("script %s: %w", script, err)
				}
				fmt.Fprintf(out, "script %s: %d case(s), %d rule(s)\n", script, len(s.Cases), len(s.Rules()))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&signals, "signals", "", "Signal definition file (JSON, YAML, CSV or DBC)")
	cmd.Flags().StringVar(&script, "script", "", "Test script file")
	return cmd
}
