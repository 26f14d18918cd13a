package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/upowai/TTI-MINER/cmd"
	"github.com/upowai/TTI-MINER/internal/config"
	"github.com/upowai/TTI-MINER/internal/core"
	"github.com/upowai/TTI-MINER/internal/device"
	"github.com/upowai/TTI-MINER/internal/pool"
	"github.com/upowai/TTI-MINER/internal/storage"
	"github.com/upowai/TTI-MINER/internal/submit"
	"github.com/upowai/TTI-MINER/internal/worker"
)

const (
	dialTimeout  = 30 * time.Second
	writeTimeout = 30 * time.Second
)

func main() {
	cfg, err := config.Load(os.Args[0], os.Args[1:])
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}

	closeLog := cmd.SetupLogging(cfg.LogFile)

	err = run(cfg)
	closeLog()
	if err != nil {
		log.Fatalf("miner stopped: %v", err)
	}
}

func run(cfg config.Config) error {
	slog.Info("starting miner",
		"pool", pool.URI(cfg.PoolIP, cfg.PoolPort),
		"endpoint", cfg.Endpoint,
		"device", cfg.Device,
		"interval", cfg.Interval.String(),
		"output_dir", cfg.OutputDir,
		"model_dir", cfg.ModelDir,
	)

	dev, err := device.Select(cfg.Device)
	if err != nil {
		return fmt.Errorf("error selecting device: %w", err)
	}

	if cfg.OnnxRuntimeDylib == "" {
		return fmt.Errorf("ONNX_RUNTIME_DYLIB must be set")
	}
	ort.SetSharedLibraryPath(cfg.OnnxRuntimeDylib)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("could not init ONNX Runtime: %w", err)
	}
	defer func() {
		if err := ort.DestroyEnvironment(); err != nil {
			slog.Error("error destroying onnx env", "error", err)
		}
	}()

	model, err := core.LoadOnnxModel(cfg.ModelDir, dev.Index)
	if err != nil {
		return fmt.Errorf("could not load model: %w", err)
	}
	defer model.Release()

	store, err := storage.NewArtifactStore(cfg.OutputDir)
	if err != nil {
		return err
	}
	slog.Info("saving artifacts", "dir", store.Dir())

	client := pool.NewClient(pool.URI(cfg.PoolIP, cfg.PoolPort), pool.Options{
		ReadTimeout:  cfg.PoolReadTimeout,
		WriteTimeout: writeTimeout,
		DialTimeout:  dialTimeout,
	})

	w := worker.New(cfg, worker.Deps{
		Pool:      worker.NewPoolClient(client),
		Generator: model.Pipeline(),
		Submitter: submit.NewSubmitter(cfg.UploadTimeout),
		Store:     store,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil {
		return err
	}
	slog.Info("miner stopped")
	return nil
}
