package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/edgehive/edgehive/internal/orchestrator"
	"github.com/edgehive/edgehive/internal/pipeline"
	"github.com/edgehive/edgehive/pkg/cloud"
	"github.com/edgehive/edgehive/pkg/config"
	"github.com/edgehive/edgehive/pkg/logger"
	"github.com/edgehive/edgehive/pkg/metrics"
	"github.com/edgehive/edgehive/pkg/runflag"
	"github.com/edgehive/edgehive/pkg/tree"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "edgehive",
		Short: "Edgehive - edge sensor data pipeline",
		Long: `Edgehive runs the on-device data pipeline: sensors log rows and save
recordings, transforms derive data from them, and journals and
recordings ship to cloud storage.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Edgehive v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered sensors and transforms",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Registered sensors:")
			for _, name := range tree.DefaultRegistry.SensorNames() {
				fmt.Printf("  - %s\n", name)
			}
			fmt.Println("\nRegistered transforms:")
			for _, name := range tree.DefaultRegistry.TransformNames() {
				fmt.Printf("  - %s\n", name)
			}
		},
	})

	var configFile, pipelineFile string

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the device pipeline",
		Long: `Run the device pipeline defined by a pipeline file. Blocks until a
stop is requested (edgehive stop, or SIGINT/SIGTERM).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(configFile, pipelineFile)
		},
	}
	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to configuration YAML file (required)")
	runCmd.Flags().StringVarP(&pipelineFile, "pipeline", "p", "", "Path to pipeline definition YAML file (required)")
	_ = runCmd.MarkFlagRequired("config")
	_ = runCmd.MarkFlagRequired("pipeline")
	root.AddCommand(runCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether a pipeline is running on this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(configFile)
		},
	}
	statusCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to configuration YAML file (required)")
	_ = statusCmd.MarkFlagRequired("config")
	root.AddCommand(statusCmd)

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Request a running pipeline to stop and wait for it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return stopPipeline(configFile)
		},
	}
	stopCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to configuration YAML file (required)")
	_ = stopCmd.MarkFlagRequired("config")
	root.AddCommand(stopCmd)

	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Signal a running pipeline to restart",
		RunE: func(cmd *cobra.Command, args []string) error {
			return restartPipeline(configFile)
		},
	}
	restartCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to configuration YAML file (required)")
	_ = restartCmd.MarkFlagRequired("config")
	root.AddCommand(restartCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runPipeline(configFile, pipelineFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		Encoding:    cfg.Log.Encoding,
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Get()

	flags := runflag.New(cfg.Dirs.Flags, cfg.Intervals.WatchdogTick)
	if flags.IsRunning() {
		return fmt.Errorf("a pipeline already owns %s", cfg.Dirs.Flags)
	}

	pdef, err := pipeline.Load(pipelineFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := cloud.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	if cfg.MetricsAddr != "" {
		srv, errCh := metrics.Serve(cfg.MetricsAddr)
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()
		go func() {
			if err := <-errCh; err != nil {
				log.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	o := orchestrator.New(cfg, tree.DefaultRegistry, conn, log)
	for _, spec := range pdef.Trees {
		o.AddTree(spec.SensorIndex, spec.Builder())
	}

	log.Info("starting pipeline",
		zap.String("device", cfg.Device.ID),
		zap.Int("trees", len(pdef.Trees)))
	return o.Main(ctx)
}

func showStatus(configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return err
	}
	flags := runflag.New(cfg.Dirs.Flags, cfg.Intervals.WatchdogTick)
	out, err := yaml.Marshal(map[string]interface{}{
		"device":         cfg.Device.ID,
		"running":        flags.IsRunning(),
		"stop_requested": flags.StopRequested(),
	})
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

func stopPipeline(configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return err
	}
	flags := runflag.New(cfg.Dirs.Flags, cfg.Intervals.WatchdogTick)
	if !flags.IsRunning() {
		fmt.Println("no pipeline is running")
		return nil
	}
	if err := flags.RequestStop(); err != nil {
		return err
	}
	deadline := time.Now().Add(cfg.Intervals.SensorStopTimeout)
	for flags.IsRunning() {
		if time.Now().After(deadline) {
			return fmt.Errorf("pipeline did not stop within %s", cfg.Intervals.SensorStopTimeout)
		}
		time.Sleep(cfg.Intervals.WatchdogTick)
	}
	fmt.Println("pipeline stopped")
	return nil
}

func restartPipeline(configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return err
	}
	flags := runflag.New(cfg.Dirs.Flags, cfg.Intervals.WatchdogTick)
	if !flags.IsRunning() {
		return fmt.Errorf("no pipeline is running")
	}
	if err := flags.ClearRunning(); err != nil {
		return err
	}
	fmt.Println("restart signalled")
	return nil
}
