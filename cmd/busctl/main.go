// Command busctl inspects scenarios, signal definitions and frame logs
// without running a simulation.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/vbus-simulator/internal/dbc"
	"github.com/signalsfoundry/vbus-simulator/model"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "busctl",
		Short: "Offline tools for the virtual CAN/LIN bus simulator",
		Long: `busctl works on the files the simulator consumes and produces.

Examples:
  busctl validate configs/scenario.yaml
  busctl decode --signals signals.dbc --id 0x1A0 --data "01 23 00 00"
  busctl encode --id 0x1A0 --data "01 23"
  busctl convert out/frames.cbor out/frames.csv
  busctl verdicts --failed out/verdicts.ndjson`,
		SilenceUsage: true,
	}
	root.AddCommand(newValidateCmd())
	root.AddCommand(newDecodeCmd())
	root.AddCommand(newEncodeCmd())
	root.AddCommand(newConvertCmd())
	root.AddCommand(newVerdictsCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// frameFlags are shared by decode and encode.
type frameFlags struct {
	bus      string
	id       string
	data     string
	extended bool
}

func (f *frameFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.bus, "bus", "CAN", "Bus type: CAN or LIN")
	cmd.Flags().StringVar(&f.id, "id", "", "Message identifier, decimal or 0x-prefixed hex")
	cmd.Flags().StringVar(&f.data, "data", "", "Payload as hex bytes, e.g. \"01 23 FF\"")
	cmd.Flags().BoolVar(&f.extended, "extended", false, "Use a 29-bit CAN identifier")
}

func (f *frameFlags) frame() (model.Frame, error) {
	bus, err := model.ParseBusType(f.bus)
	if err != nil {
		return model.Frame{}, err
	}
	if f.id == "" {
		return model.Frame{}, fmt.Errorf("--id is required")
	}
	id, err := dbc.ParseID(f.id)
	if err != nil {
		return model.Frame{}, err
	}
	data, err := parsePayload(f.data)
	if err != nil {
		return model.Frame{}, err
	}
	fr := model.NewFrame(bus, id, data)
	if f.extended {
		fr.Extended = true
	}
	return fr, fr.Validate()
}

func parsePayload(s string) ([]byte, error) {
	joined := strings.NewReplacer(" ", "", ":", "", ",", "").Replace(s)
	joined = strings.TrimPrefix(strings.TrimPrefix(joined, "0x"), "0X")
	b, err := hex.DecodeString(joined)
	if err != nil {
		return nil, fmt.Errorf("payload %q is not hex", s)
	}
	return b, nil
}
