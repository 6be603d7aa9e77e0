// Command kwmd runs the collaboration client runtime: the daemon that
// owns server connections, workspace state and the local control
// protocol UI clients talk to, plus a small CLI for operating it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cfg := &config{}
	var configFile string

	root := &cobra.Command{
		Use:           "kwmd",
		Short:         "Collaboration client runtime daemon and control CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				v.SetConfigFile(configFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config file %s: %w", configFile, err)
				}
			}
			*cfg = loadConfig(v)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML/JSON/TOML config file")
	bindPersistentFlags(root, v)

	root.AddCommand(
		newRunCmd(cfg),
		newStatusCmd(cfg),
		newExportKwsCmd(cfg),
		newImportKwsCmd(cfg),
	)
	return root
}
