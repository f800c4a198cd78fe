package worker

import (
	"net/http"

	"github.com/jmehdipour/txbus/internal/config"
	"github.com/jmehdipour/txbus/internal/logger"
	"github.com/jmehdipour/txbus/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewWorkerCmd returns the parent "worker" command.
func NewWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run background workers",
	}
	cmd.PersistentFlags().String("metrics-addr", "", "serve /metrics on this address (e.g. :9100)")

	// attach subcommands
	cmd.AddCommand(publisherCmd)
	cmd.AddCommand(consumerCmd)

	return cmd
}

// bootstrap loads config and the logger shared by every worker.
func bootstrap(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		return config.Config{}, nil, err
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error("metrics listener exited", zap.Error(err))
			}
		}()
	}
	return cfg, log, nil
}

