package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tmbx/kwm/internal/clientbroker"
	"github.com/tmbx/kwm/internal/helperproc"
	"github.com/tmbx/kwm/internal/logging"
	"github.com/tmbx/kwm/internal/manager"
	"github.com/tmbx/kwm/internal/metrics"
	"github.com/tmbx/kwm/internal/serverconn"
	"github.com/tmbx/kwm/internal/store"
	"github.com/tmbx/kwm/internal/tunnel"
)

func newRunCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the collaboration client runtime daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(*cfg)
		},
	}
}

func runDaemon(cfg config) error {
	logging.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logging.Component("kwmd")

	if cfg.TLSProxyPath != "" {
		tunnel.ProxyPath = cfg.TLSProxyPath
	}

	facade, err := store.Open(cfg.StorePath)
	if err != nil {
		return err
	}
	defer facade.Close()

	helperBroker := helperproc.NewBroker(cfg.HelperExecPath, cfg.HelperWorkDir)
	serverBroker := serverconn.NewBroker()
	mgr := manager.NewManager(serverBroker, helperBroker, facade)
	mgr.SetSerializationDelay(cfg.SerializeDelay)

	if err := mgr.RestoreWorkspaces(); err != nil {
		log.Warn().Err(err).Msg("failed to restore persisted workspaces")
	}
	if err := mgr.StartRetentionSweep(cfg.RetentionSweep); err != nil {
		log.Warn().Err(err).Msg("failed to start retention sweep")
	}

	clientBroker := clientbroker.NewBroker(mgr)
	mgr.SetRevSink(clientBroker)

	if err := os.MkdirAll(cfg.HelperWorkDir, 0o700); err != nil {
		return err
	}
	if cfg.ControlNetwork == "unix" {
		if err := os.MkdirAll(dirOf(cfg.ControlAddr), 0o700); err != nil {
			return err
		}
		_ = os.Remove(cfg.ControlAddr)
	}
	if err := clientBroker.Listen(cfg.ControlNetwork, cfg.ControlAddr); err != nil {
		return err
	}
	defer clientBroker.Close()

	prometheus.MustRegister(metrics.Collectors()...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go serverBroker.Run(ctx)

	// The manager's Run goroutine owns the whole stop cascade (drain
	// servers, stop the helper, final serialization checkpoint);
	// runDaemon must not return — and the deferred facade/broker
	// closes must not fire — until that cascade has finished.
	mgrDone := make(chan struct{})
	go func() {
		defer close(mgrDone)
		mgr.Run(ctx)
	}()

	admin := newAdminServer(cfg.AdminAddr, clientBroker)
	go func() {
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("admin server stopped unexpectedly")
		}
	}()

	log.Info().Str("control", cfg.ControlAddr).Str("admin", cfg.AdminAddr).Msg("kwmd started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()
	<-mgrDone
	_ = admin.Shutdown(context.Background())
	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// newAdminServer builds the local-only operator surface: health,
// Prometheus metrics, and a read-only websocket inspector that mirrors
// every state-change hint the control channels receive (§6 domain
// stack: gin + gorilla/websocket, additive to the primary framed
// control protocol, never a replacement for it).
func newAdminServer(addr string, cb *clientbroker.Broker) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	inspector := newInspectorHub(cb)
	router.GET("/inspector", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		inspector.serve(conn)
	})

	return &http.Server{Addr: addr, Handler: router}
}
