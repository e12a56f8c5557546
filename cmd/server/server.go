// Package server is the HTTP-facing process sub-command.
package server

import (
	"net"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.od2.network/orgqueue/cmd/providers"
	"go.od2.network/orgqueue/pkg/api"
	"go.od2.network/orgqueue/pkg/metrics"
	"go.od2.network/orgqueue/pkg/relay"
	"go.od2.network/orgqueue/pkg/sse"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Cmd = cobra.Command{
	Use:   "server",
	Short: "Run API server",
	Long: "Accepts jobs over HTTP, requests aborts, and streams the events of\n" +
		"running jobs back to clients. Does not consume queues.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		app := providers.NewApp(
			cmd,
			fx.Provide(newServerFlags),
			fx.Invoke(
				runAPIServer,
				runMetricsServer,
			),
		)
		app.Run()
	},
}

func init() {
	flags := Cmd.Flags()
	flags.String("listen-net", "tcp", "Listen network")
	flags.String("listen", ":3000", "Listen address")
}

type serverFlags struct {
	network string
	addr    string
}

func newServerFlags(cmd *cobra.Command) *serverFlags {
	flags := cmd.Flags()
	network, err := flags.GetString("listen-net")
	if err != nil {
		panic(err)
	}
	addr, err := flags.GetString("listen")
	if err != nil {
		panic(err)
	}
	return &serverFlags{network: network, addr: addr}
}

func runAPIServer(
	lc fx.Lifecycle,
	log *zap.Logger,
	flags *serverFlags,
	queues *providers.ClientQueues,
	sub *relay.Subscriber,
	streamer *sse.Streamer,
) {
	handler := (&api.Server{
		Log:      log.Named("api"),
		Queues:   queues,
		Relay:    sub,
		Streamer: streamer,
	}).Handler()
	sock := providers.MustListen(log, flags.network, flags.addr)
	providers.LifecycleServe(log, lc, sock, providers.NewHTTPServer(handler))
}

func runMetricsServer(
	lc fx.Lifecycle,
	log *zap.Logger,
	handler *providers.MetricsHandler,
	queues *providers.ClientQueues,
) error {
	if handler.Handler == nil {
		return nil
	}
	collector := metrics.NewJobCountsCollector(log.Named("metrics"), queues.GetAllJobCounts)
	if err := prometheus.DefaultRegisterer.Register(collector); err != nil {
		return err
	}
	addr := net.JoinHostPort(viper.GetString(providers.ConfMetricsHost),
		strconv.Itoa(viper.GetInt(providers.ConfMetricsPort)))
	sock := providers.MustListen(log, "tcp", addr)
	providers.LifecycleServe(log, lc, sock, metrics.NewServer(log.Named("metrics"), handler.Handler))
	return nil
}
