package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/vbus-simulator/internal/export"
)

func newConvertCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "convert <input> <output>",
		Short: "Convert frame logs between CSV, JSON, CBOR and candump",
		Long: `Reads a frame log and writes it in another format. Formats follow
the file extensions (.csv, .json, .cbor, .log) unless --from or --to is
given.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			inFormat, err := pickFormat(from, args[0])
			if err != nil {
				return err
			}
			outFormat, err := pickFormat(to, args[1])
			if err != nil {
				return err
			}

			in, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer in.Close()
			recs, err := export.ReadFrames(bufio.NewReader(in), inFormat)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			out, err := os.Create(args[1])
			if err != nil {
				return err
			}
			bw := bufio.NewWriter(out)
			if err := export.WriteFrames(bw, outFormat, recs); err != nil {
				out.Close()
				return fmt.Errorf("%s: %w", args[1], err)
			}
			if err := bw.Flush(); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "converted %d frame(s) %s -> %s\n", len(recs), inFormat, outFormat)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Input format: csv, json, cbor or candump")
	cmd.Flags().StringVar(&to, "to", "", "Output format: csv, json, cbor or candump")
	return cmd
}

func pickFormat(flag, path string) (export.Format, error) {
	if flag != "" {
		return export.ParseFormat(flag)
	}
	return export.FormatFromPath(path)
}
