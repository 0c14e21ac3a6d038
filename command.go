package mamlgo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	charmlog "charm.land/log/v2"
	"github.com/spf13/cobra"
)

var (
	configPath string
	resumeStep int
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "mamlgo",
	Short: "Hybrid autoregressive and meta-learning pretraining for small language models",
	Long: `mamlgo interleaves ordinary next-token pretraining with self-supervised
meta-learning episodes built from masked word types, so a single transformer
backbone learns both to model text and to adapt quickly to new
classification tasks.`,
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Start a fresh training run",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTraining(cmd.Context(), false)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Continue a run from a checkpoint in the run directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTraining(cmd.Context(), true)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a configuration file without training",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configPath == "" {
			return errors.New("validate requires --config")
		}
		if _, err := LoadConfig(configPath); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

func runTraining(ctx context.Context, resume bool) error {
	logger := newLogger()

	cfg := DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = LoadConfig(configPath)
		if err != nil {
			return err
		}
	}
	logger.Info("configuration loaded",
		"seed", cfg.Seed,
		"max_steps", cfg.Training.MaxSteps,
		"smlmt_enabled", cfg.SMLMT.Enabled,
		"blend_mode", cfg.BlendMode(),
	)

	loader, err := NewDataLoader(cfg.Data.TrainPath, cfg.Training.BatchSize, cfg.Training.SeqLen)
	if err != nil {
		return fmt.Errorf("opening training data: %w", err)
	}
	logger.Info("training data opened", "path", cfg.Data.TrainPath, "num_batches", loader.NumBatches)

	trainer, err := NewTrainer(cfg, loader,
		DirStore{Dir: cfg.Checkpointing.RunDir},
		SlogSink{Logger: logger}, logger)
	if err != nil {
		return err
	}
	if cfg.Data.ValPath != "" {
		val, err := NewDataLoader(cfg.Data.ValPath, cfg.Training.BatchSize, cfg.Training.SeqLen)
		if err != nil {
			return fmt.Errorf("opening validation data: %w", err)
		}
		trainer.SetValLoader(val)
	}

	if resume {
		var step int
		if resumeStep >= 0 {
			step, err = trainer.ckpt.Restore(trainer, resumeStep)
		} else {
			step, err = trainer.Resume()
		}
		if err != nil {
			return fmt.Errorf("resuming: %w", err)
		}
		if step > 0 {
			logger.Info("resumed", "step", step)
		} else {
			logger.Info("no checkpoint found, starting fresh")
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = trainer.Train(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newLogger() *slog.Logger {
	level := charmlog.InfoLevel
	if verbose {
		level = charmlog.DebugLevel
	}
	handler := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		Level:           level,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func Execute() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log per-step metrics")
	resumeCmd.Flags().IntVar(&resumeStep, "step", -1, "checkpoint step to resume from (default: latest)")

	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(validateCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
