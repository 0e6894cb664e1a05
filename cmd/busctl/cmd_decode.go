package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/vbus-simulator/internal/codec"
	"github.com/signalsfoundry/vbus-simulator/internal/dbc"
	"github.com/signalsfoundry/vbus-simulator/model"
)

func newDecodeCmd() *cobra.Command {
	var (
		ff      frameFlags
		signals string
		wire    string
	)
	cmd := &cobra.Command{
		Use:   "decode",
		Short: "Decode the signals of one frame",
		Long: `Decodes the physical signal values of a frame given either as
--id/--data or as raw wire bytes with --wire.

Example:
  busctl decode --signals signals.json --id 0x1A0 --data "01 23"
  busctl decode --signals signals.json --wire 3400...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if signals == "" {
				return fmt.Errorf("--signals is required")
			}
			db, err := dbc.LoadFile(signals)
			if err != nil {
				return err
			}

			var f model.Frame
			if wire != "" {
				bus, err := model.ParseBusType(ff.bus)
				if err != nil {
					return err
				}
				raw, err := parsePayload(wire)
				if err != nil {
					return err
				}
				if f, err = codec.New().Decode(bus, raw); err != nil {
					return err
				}
			} else if f, err = ff.frame(); err != nil {
				return err
			}

			values, err := db.Decode(f)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s [%d] %s\n", f.Bus, f.IDString(), f.DLC, f.DataHex())
			names := make([]string, 0, len(values))
			for name := range values {
				names = append(names, name)
			}
			slices.Sort(names)
			for _, name := range names {
				v := values[name]
				fmt.Fprintf(out, "  %-24s %g %s (raw %d)\n", name, v.Value, v.Unit, v.Raw)
			}
			return err
		},
	}
	ff.register(cmd)
	cmd.Flags().StringVar(&signals, "signals", "", "Signal definition file (JSON, YAML, CSV or DBC)")
	cmd.Flags().StringVar(&wire, "wire", "", "Encoded frame bytes in hex instead of --id/--data")
	return cmd
}
