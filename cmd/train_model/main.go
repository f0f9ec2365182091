// Command train_model fits and scores the diagnosis models offline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"oncoscope/config"
	"oncoscope/logger"
	"oncoscope/ml"
)

var (
	configPath string
	modelNames []string
	verbose    bool

	cfg *config.Config
	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "train_model",
	Short: "Train and evaluate WDBC diagnosis models",
	Long: `train_model fits the diagnosis models on the WDBC dataset and writes
their artifacts where the server loads them from.

Examples:
  train_model train
  train_model train --models svm,knn_l1
  train_model train --models mlp --param max_iter=500 --param alpha=0.001
  train_model evaluate --models all
  train_model history --limit 20`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		level := cfg.Log.Level
		if verbose {
			level = "debug"
		}
		log, err = logger.New(logger.Options{Level: level})
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.Path(), "config file")
	rootCmd.PersistentFlags().StringSliceVarP(&modelNames, "models", "m", nil, "models to use: ids, \"knn\" or \"all\" (default: every enabled model)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(historyCmd)
}

// selectedModels expands --models against the enabled set.
func selectedModels() ([]ml.ModelID, error) {
	enabled, err := cfg.EnabledModels()
	if err != nil {
		return nil, err
	}
	if len(modelNames) == 0 {
		return enabled, nil
	}
	isEnabled := make(map[ml.ModelID]bool, len(enabled))
	for _, id := range enabled {
		isEnabled[id] = true
	}

	seen := make(map[ml.ModelID]bool)
	var ids []ml.ModelID
	add := func(id ml.ModelID) error {
		if !isEnabled[id] {
			return fmt.Errorf("model %s is disabled in %s", id, configPath)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
		return nil
	}
	for _, name := range modelNames {
		switch name {
		case "all":
			for _, id := range enabled {
				_ = add(id)
			}
		case "knn":
			if err := add(ml.KNNL1); err != nil {
				return nil, err
			}
			if err := add(ml.KNNL2); err != nil {
				return nil, err
			}
		default:
			id, err := ml.ParseModelID(name)
			if err != nil {
				return nil, err
			}
			if err := add(id); err != nil {
				return nil, err
			}
		}
	}
	return ids, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
