package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tmbx/kwm/internal/clientbroker"
)

func newStatusCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print a snapshot of every workspace known to a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialControl(cfg.ControlNetwork, cfg.ControlAddr)
			if err != nil {
				return err
			}
			defer client.Close()

			r, err := client.callChecked(clientbroker.CmdFetchState, nil)
			if err != nil {
				return err
			}
			count, err := r.GetU32()
			if err != nil {
				return err
			}
			if count == 0 {
				fmt.Println("no workspaces")
				return nil
			}
			for i := uint32(0); i < count; i++ {
				wsID, _ := r.GetU64()
				mainStatus, _ := r.GetU32()
				task, _ := r.GetU32()
				loginStatus, _ := r.GetU32()
				runLevel, _ := r.GetU32()
				fmt.Printf("workspace %d: runlevel=%d status=%d task=%d login=%d\n",
					wsID, runLevel, mainStatus, task, loginStatus)
			}
			return nil
		},
	}
}
