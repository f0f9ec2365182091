package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v2"

	"oncoscope/db"
	"oncoscope/ml"
	"oncoscope/serving"
)

var (
	trainParams  []string
	trainNoStore bool
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Fit models and write their artifacts",
	Long: `Fit the selected models on the configured dataset, replace their artifacts
in the model directory and append a row per fit to the training log.

A running server with models.watch enabled picks the new artifacts up.`,
	RunE: runTrain,
}

func init() {
	trainCmd.Flags().StringArrayVarP(&trainParams, "param", "p", nil, "hyperparameter override key=value (value in YAML, e.g. hidden_layer_sizes=[64,32]); needs a single model")
	trainCmd.Flags().BoolVar(&trainNoStore, "no-history", false, "do not record fits in the training log")
}

// parseParams reads key=value pairs; values are decoded as YAML scalars or flow lists.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("--param %q: expected key=value", pair)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("--param %s: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

func runTrain(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ids, err := selectedModels()
	if err != nil {
		return err
	}
	overrides, err := parseParams(trainParams)
	if err != nil {
		return err
	}
	if overrides != nil && len(ids) != 1 {
		return fmt.Errorf("--param needs exactly one model, got %d", len(ids))
	}

	store, err := ml.NewArtifactStore(cfg.Models.Dir)
	if err != nil {
		return err
	}
	enabled, err := cfg.EnabledModels()
	if err != nil {
		return err
	}
	registry := serving.NewRegistry(store, serving.RegistryOptions{Enabled: enabled, Logger: log})
	defer registry.Shutdown()

	opts := serving.RetrainerOptions{
		TestRatio: cfg.Dataset.TestRatio,
		Seed:      cfg.Dataset.Seed,
		Trigger:   serving.TriggerCLI,
		Logger:    log,
	}
	if !trainNoStore {
		history, err := db.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer history.Close()
		opts.Recorder = history
	}
	retrainer := serving.NewRetrainer(registry, store, ml.CSVSource{Path: cfg.Dataset.Path, Logger: log}, opts)

	outcomes := make([]*serving.RetrainOutcome, len(ids))
	errs := make([]error, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cfg.Retrain.Parallel, 1))
	for i, id := range ids {
		g.Go(func() error {
			log.Info("training", zap.String("model", string(id)))
			outcomes[i], errs[i] = retrainer.Retrain(gctx, id, overrides)
			return nil
		})
	}
	_ = g.Wait()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tSTATUS\tACCURACY\tROC_AUC\tF1\tSECONDS")
	failed := 0
	for i, id := range ids {
		if errs[i] != nil {
			failed++
			fmt.Fprintf(tw, "%s\tfailed\t-\t-\t-\t-\n", id)
			log.Error("training failed", zap.String("model", string(id)), zap.Error(errs[i]))
			continue
		}
		m := outcomes[i].Metrics
		fmt.Fprintf(tw, "%s\tok\t%.4f\t%.4f\t%.4f\t%.1f\n", id, m.Accuracy, m.ROCAUC, m.F1, outcomes[i].Duration.Seconds())
	}
	tw.Flush()
	fmt.Printf("artifacts written to %s\n", store.Dir())
	if failed > 0 {
		return fmt.Errorf("%d of %d models failed", failed, len(ids))
	}
	return nil
}
