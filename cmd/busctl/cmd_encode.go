package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/vbus-simulator/internal/codec"
	"github.com/signalsfoundry/vbus-simulator/internal/dbc"
	"github.com/signalsfoundry/vbus-simulator/model"
)

func newEncodeCmd() *cobra.Command {
	var (
		ff       frameFlags
		enhanced bool
		signals  string
		values   []string
		dlc      int
	)
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Print the wire encoding of a frame",
		Long: `Encodes a frame the way the simulated controllers put it on the
bus. The payload is given with --data, or built from physical values with
--signals and repeated --set name=value flags.

Example:
  busctl encode --id 0x1A0 --data "01 23"
  busctl encode --signals signals.json --id 0x1A0 --set EngineSpeed=89.61`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(values) > 0 {
				if signals == "" {
					return fmt.Errorf("--set needs --signals")
				}
				db, err := dbc.LoadFile(signals)
				if err != nil {
					return err
				}
				id, err := dbc.ParseID(ff.id)
				if err != nil {
					return err
				}
				bus, err := model.ParseBusType(ff.bus)
				if err != nil {
					return err
				}
				phys := make(map[string]float64, len(values))
				for _, kv := range values {
					name, raw, ok := strings.Cut(kv, "=")
					if !ok {
						return fmt.Errorf("--set %q: want name=value", kv)
					}
					v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
					if err != nil {
						return fmt.Errorf("--set %q: %v", kv, err)
					}
					phys[strings.TrimSpace(name)] = v
				}
				data, err := db.Encode(dbc.MessageKey{Bus: bus, ID: id}, dlc, phys)
				if err != nil {
					return err
				}
				ff.data = fmt.Sprintf("%X", data)
			}

			f, err := ff.frame()
			if err != nil {
				return err
			}
			var opts []codec.Option
			if enhanced {
				opts = append(opts, codec.WithEnhancedChecksum(f.ID))
			}
			wire, err := codec.New(opts...).Encode(f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "frame: %s %s [%d] %s\n", f.Bus, f.IDString(), f.DLC, f.DataHex())
			fmt.Fprintf(out, "wire:  %X\n", wire)
			fmt.Fprintf(out, "bits:  %d\n", codec.BitLength(f))
			return nil
		},
	}
	ff.register(cmd)
	cmd.Flags().BoolVar(&enhanced, "enhanced", false, "Use the LIN enhanced checksum")
	cmd.Flags().StringVar(&signals, "signals", "", "Signal definition file used with --set")
	cmd.Flags().StringArrayVar(&values, "set", nil, "Physical signal value name=value (repeatable)")
	cmd.Flags().IntVar(&dlc, "dlc", 8, "Payload length when building from --set")
	return cmd
}
