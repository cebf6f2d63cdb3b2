package commands

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fly-io/imagemeta/pkg/errors"
	"github.com/fly-io/imagemeta/pkg/gateway"
	"github.com/fly-io/imagemeta/pkg/orchestration"
	"github.com/fly-io/imagemeta/pkg/pipeline"
	"github.com/fly-io/imagemeta/pkg/trigger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll the image container and process new uploads",
	Long: `Resumes unfinished workflows, then lists the container on a cron
schedule and fires one upload event per new object version. Engine
metrics are served on --metrics-addr.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().String("watch-schedule", "@every 30s", "Poll schedule (cron spec or @every)")
	watchCmd.Flags().String("metrics-addr", ":9090", "Metrics listen address, empty to disable")
	viper.BindPFlag("watch-schedule", watchCmd.Flags().Lookup("watch-schedule"))
	viper.BindPFlag("metrics-addr", watchCmd.Flags().Lookup("metrics-addr"))
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := trigger.ParseSchedule(cfg.WatchSchedule); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := orchestration.NewMetrics(reg)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, metrics)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.engine.Resume(ctx); err != nil {
		return errors.Wrap(err, "resume failed")
	}
	a.engine.Start()
	defer shutdownEngine(a.engine)

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("metrics_listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics_server_failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	poller := trigger.NewPoller(a.blobs, a.repo, func(ctx context.Context, ev gateway.Event) error {
		return pipeline.FireUpload(ctx, a.engine, ev)
	}, nil)

	slog.Info("watch_started", "bucket", cfg.S3Bucket, "container", cfg.Container, "schedule", cfg.WatchSchedule)
	return poller.Run(ctx, cfg.WatchSchedule)
}
