package main

import (
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// config is the full set of knobs the daemon and its CLI siblings
// read, bound from a config file, KWM_* environment variables and
// persistent flags, in that increasing order of precedence (viper's
// own layering).
type config struct {
	StorePath      string
	ControlAddr    string
	ControlNetwork string
	AdminAddr      string
	HelperExecPath string
	HelperWorkDir  string
	TLSProxyPath   string
	LogLevel       string
	LogPretty      bool
	RetentionSweep string
	SerializeDelay time.Duration
}

// bindPersistentFlags registers the daemon's configuration surface on
// root's persistent flags and binds each into v, so every subcommand
// sees the same resolved config regardless of which one the user ran
// (mirrors the root-command-plus-bound-viper shape the rest of the
// corpus's operator CLIs use).
func bindPersistentFlags(root *cobra.Command, v *viper.Viper) {
	flags := root.PersistentFlags()
	flags.String("store-path", "kwmd.db", "path to the local SQLite persistence file")
	flags.String("control-network", "unix", "network for the client control listener (unix or tcp)")
	flags.String("control-addr", "/run/kwmd/control.sock", "address for the client control listener")
	flags.String("admin-addr", "127.0.0.1:9090", "address for the admin HTTP server (health, metrics, inspector)")
	flags.String("helper-exec-path", "kwm-helper", "path to the crypto helper sub-process executable")
	flags.String("helper-work-dir", "/run/kwmd/helper", "working directory shared with the crypto helper sub-process")
	flags.String("tls-proxy-path", "proxy", "path to the TLS tunnel proxy executable")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.Bool("log-pretty", false, "use a human-readable console log instead of JSON lines")
	flags.String("retention-sweep", "0 3 * * *", "cron schedule for the event-log retention sweep")
	flags.Duration("serialize-delay", 5*time.Minute, "minimum interval between workspace state serializations")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("KWM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

func loadConfig(v *viper.Viper) config {
	return config{
		StorePath:      v.GetString("store-path"),
		ControlNetwork: v.GetString("control-network"),
		ControlAddr:    v.GetString("control-addr"),
		AdminAddr:      v.GetString("admin-addr"),
		HelperExecPath: v.GetString("helper-exec-path"),
		HelperWorkDir:  v.GetString("helper-work-dir"),
		TLSProxyPath:   v.GetString("tls-proxy-path"),
		LogLevel:       v.GetString("log-level"),
		LogPretty:      v.GetBool("log-pretty"),
		RetentionSweep: v.GetString("retention-sweep"),
		SerializeDelay: v.GetDuration("serialize-delay"),
	}
}
