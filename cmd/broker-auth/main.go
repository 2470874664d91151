// broker-auth runs an MQTT broker with the access-control, metering and
// rate-limiting core installed.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/transitive-robotics/broker-auth/pkg/accounts"
	"github.com/transitive-robotics/broker-auth/pkg/broker"
	"github.com/transitive-robotics/broker-auth/pkg/config"
	"github.com/transitive-robotics/broker-auth/pkg/logging"
	"github.com/transitive-robotics/broker-auth/pkg/metrics"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "broker-auth",
		Short:   "Access-control and metering core for the robotics MQTT broker",
		Version: version,
	}
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: logging.Format(cfg.Log.Format),
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := accounts.NewMongoStore(ctx,
		cfg.Mongo.URI, cfg.Mongo.Database, cfg.Mongo.Collection)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			log.Error("closing account store", "error", err)
		}
	}()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(prometheus.DefaultRegisterer)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Info("metrics listening", "addr", cfg.Metrics.Listen)
			if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	srv, err := broker.NewServer(cfg, broker.Deps{
		Store:   store,
		Log:     log,
		Metrics: m,
	})
	if err != nil {
		return err
	}

	if err := srv.Start(ctx); err != nil {
		return err
	}
	log.Info("broker-auth started", "version", version)

	<-ctx.Done()
	log.Info("shutting down")
	return srv.Stop(context.Background(), 10*time.Second)
}
