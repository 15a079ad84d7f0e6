package main

import (
	"context"
	"flag"
	"fmt"
	"image/png"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/df07/go-dream-distiller/pkg/config"
	"github.com/df07/go-dream-distiller/pkg/core"
	"github.com/df07/go-dream-distiller/pkg/guidance"
	"github.com/df07/go-dream-distiller/pkg/renderer"
	"github.com/df07/go-dream-distiller/pkg/scene"
	"github.com/df07/go-dream-distiller/pkg/trainer"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML run configuration")
	mode := flag.String("mode", "train", "Mode: 'train', 'export' or 'test'")
	checkpoint := flag.String("checkpoint", "", "Checkpoint to resume from or to export")
	prompt := flag.String("prompt", "", "Override the configured prompt")
	verbose := flag.Bool("v", false, "Enable debug logging")
	help := flag.Bool("help", false, "Show help information")
	flag.Parse()

	if *help {
		fmt.Println("Dream Distiller")
		fmt.Println("Usage: dream-distiller [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		fmt.Println()
		fmt.Println("Modes:")
		fmt.Println("  train  - Optimize a 3D scene against the text prompt")
		fmt.Println("  export - Extract and write the mesh from a checkpoint")
		fmt.Println("  test   - Render a reference sphere scene and exit")
		fmt.Println()
		fmt.Println("Each run writes into a fresh directory under the configured output root.")
		return
	}

	logger := buildLogger(*verbose)
	defer logger.Sync()

	if err := run(*mode, *configPath, *checkpoint, *prompt, logger); err != nil {
		logger.Error("run failed", zap.Error(err))
		os.Exit(1)
	}
}

func buildLogger(verbose bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func run(mode, configPath, checkpoint, prompt string, logger *zap.Logger) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if prompt != "" {
		cfg.Run.Prompt = prompt
	}

	switch mode {
	case "test":
		return testRender(cfg, logger)
	case "train":
		return train(cfg, checkpoint, logger)
	case "export":
		if checkpoint == "" {
			return fmt.Errorf("export mode requires -checkpoint")
		}
		return export(cfg, checkpoint, logger)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

func train(cfg *config.Config, checkpoint string, logger *zap.Logger) error {
	prior := guidance.NewRemotePrior(cfg.Guidance.Prior.URL, cfg.Guidance.Prior.Timeout)
	if err := prior.Ping(context.Background()); err != nil {
		return fmt.Errorf("prior service unreachable, refusing to start: %w", err)
	}

	tr, err := trainer.New(cfg, prior, logger)
	if err != nil {
		return err
	}
	if checkpoint != "" {
		if err := tr.Resume(checkpoint); err != nil {
			return err
		}
	}

	// First interrupt finishes the current step, checkpoints and exports;
	// a second one abandons finalization as well.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		for range sigs {
			n := tr.RequestStop()
			if n == 1 {
				logger.Info("interrupt received, finishing current step")
			} else {
				logger.Warn("second interrupt, aborting")
			}
		}
	}()

	return tr.Train(context.Background())
}

func export(cfg *config.Config, checkpoint string, logger *zap.Logger) error {
	// The export path never contacts the prior
	tr, err := trainer.New(cfg, nil, logger)
	if err != nil {
		return err
	}
	if err := tr.Resume(checkpoint); err != nil {
		return err
	}
	return tr.Export()
}

// testRender draws the reference sphere scene and writes it to the working
// directory, a quick self-check that the render stack works.
func testRender(cfg *config.Config, logger *zap.Logger) error {
	sc := scene.NewSphereScene(0.5, cfg.LatticeFieldConfig())

	radius := (cfg.Camera.RadiusMin + cfg.Camera.RadiusMax) / 2
	camera := renderer.NewCamera(renderer.CameraConfig{
		Center: core.NewVec3(0, 0, radius),
		LookAt: core.NewVec3(0, 0, 0),
		Up:     core.NewVec3(0, 1, 0),
		VFov:   (cfg.Camera.VFovMin + cfg.Camera.VFovMax) / 2,
		Width:  cfg.Camera.Width,
		Height: cfg.Camera.Height,
	})

	out, _, err := sc.VolumeRenderer().Render(camera, cfg.Run.Seed)
	if err != nil {
		return err
	}

	const filename = "test_render.png"
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()
	if err := png.Encode(file, out.ToImage(2.2)); err != nil {
		return err
	}

	logger.Info("test render written",
		zap.String("path", filename),
		zap.Float64("mean_alpha", out.MeanAlpha()))
	return nil
}
