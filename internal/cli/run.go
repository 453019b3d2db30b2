package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/yairfalse/taskperf/internal/exports/natspub"
	"github.com/yairfalse/taskperf/internal/observers/cpuperf"
	"github.com/yairfalse/taskperf/internal/pipeline"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Attach the probe and stream per-task CPU measurements",
	RunE:  runCollector,
}

func init() {
	runCmd.Flags().String("bpf-object", "", "path to the compiled probe object")
	runCmd.Flags().Bool("enable-ebpf", true, "attach the kernel probe (disable for synthetic events)")
	runCmd.Flags().Int("ring-pages", 16, "per-CPU perf ring size in pages")
	runCmd.Flags().Duration("flush-interval", time.Second, "max time a record may wait for cross-CPU ordering")
	runCmd.Flags().Duration("idle-timeout", 5*time.Minute, "reap accounting entries idle this long")
	runCmd.Flags().String("metrics-addr", ":9090", "Prometheus listen address (empty disables)")
	runCmd.Flags().String("nats-url", "", "NATS server URL (empty disables publishing)")
	runCmd.Flags().String("nats-stream", "TASKPERF_EVENTS", "JetStream stream name")

	viper.BindPFlag("bpf_object", runCmd.Flags().Lookup("bpf-object"))
	viper.BindPFlag("enable_ebpf", runCmd.Flags().Lookup("enable-ebpf"))
	viper.BindPFlag("ring_pages", runCmd.Flags().Lookup("ring-pages"))
	viper.BindPFlag("flush_interval", runCmd.Flags().Lookup("flush-interval"))
	viper.BindPFlag("idle_timeout", runCmd.Flags().Lookup("idle-timeout"))
	viper.BindPFlag("metrics_addr", runCmd.Flags().Lookup("metrics-addr"))
	viper.BindPFlag("nats_url", runCmd.Flags().Lookup("nats-url"))
	viper.BindPFlag("nats_stream", runCmd.Flags().Lookup("nats-stream"))
}

func buildLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runCollector(cmd *cobra.Command, args []string) error {
	logger, err := buildLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	obsConfig := cpuperf.NewDefaultConfig()
	obsConfig.BPFObjectPath = viper.GetString("bpf_object")
	obsConfig.EnableEBPF = viper.GetBool("enable_ebpf")
	obsConfig.PerCPUBufferPages = viper.GetInt("ring_pages")
	obsConfig.FlushInterval = viper.GetDuration("flush_interval")
	obsConfig.IdleTimeout = viper.GetDuration("idle_timeout")

	observer, err := cpuperf.NewObserver("cpuperf", obsConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to create observer: %w", err)
	}

	pipeConfig := &pipeline.Config{
		MetricsAddr: viper.GetString("metrics_addr"),
	}
	if url := viper.GetString("nats_url"); url != "" {
		pipeConfig.NATS = &natspub.Config{
			URL:          url,
			Name:         "taskperf",
			StreamName:   viper.GetString("nats_stream"),
			AsyncPublish: true,
		}
	}

	pipe, err := pipeline.New(pipeConfig, observer, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := observer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start observer: %w", err)
	}
	defer func() {
		if err := observer.Stop(); err != nil {
			logger.Error("Observer stop failed", zap.Error(err))
		}
	}()

	logger.Info("taskperf running",
		zap.Bool("ebpf", obsConfig.EnableEBPF),
		zap.String("metrics_addr", pipeConfig.MetricsAddr))

	if err := pipe.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
