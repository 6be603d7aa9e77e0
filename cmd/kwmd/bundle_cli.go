package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tmbx/kwm/internal/clientbroker"
	"github.com/tmbx/kwm/internal/codec"
)

func newExportKwsCmd(cfg *config) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export-kws <workspace-id>",
		Short: "Export a workspace's credentials as a bundle file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wsID, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid workspace id %q: %w", args[0], err)
			}

			client, err := dialControl(cfg.ControlNetwork, cfg.ControlAddr)
			if err != nil {
				return err
			}
			defer client.Close()

			w := codec.Writer{}
			w.PutU64(wsID)
			r, err := client.callChecked(clientbroker.CmdExportKws, w.Bytes())
			if err != nil {
				return err
			}
			xmlBytes, err := r.GetBin()
			if err != nil {
				return err
			}
			if outPath == "-" || outPath == "" {
				_, err = os.Stdout.Write(xmlBytes)
				return err
			}
			return os.WriteFile(outPath, xmlBytes, 0o600)
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output file path, or - / unset for stdout")
	return cmd
}

func newImportKwsCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "import-kws <bundle-file>",
		Short: "Import every workspace credential in a bundle file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			xmlBytes, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			client, err := dialControl(cfg.ControlNetwork, cfg.ControlAddr)
			if err != nil {
				return err
			}
			defer client.Close()

			w := codec.Writer{}
			w.PutBin(xmlBytes)
			r, err := client.callChecked(clientbroker.CmdImportKws, w.Bytes())
			if err != nil {
				return err
			}
			count, err := r.GetU32()
			if err != nil {
				return err
			}
			for i := uint32(0); i < count; i++ {
				wsID, err := r.GetU64()
				if err != nil {
					return err
				}
				fmt.Printf("imported workspace %d\n", wsID)
			}
			return nil
		},
	}
}
