package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"oncoscope/ml"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Score stored artifacts on the held-out split",
	Long: `Load each selected artifact and score it on the test split the trainer
holds out (same dataset.test_ratio and dataset.seed).`,
	RunE: runEvaluate,
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ids, err := selectedModels()
	if err != nil {
		return err
	}
	store, err := ml.NewArtifactStore(cfg.Models.Dir)
	if err != nil {
		return err
	}
	data, err := ml.CSVSource{Path: cfg.Dataset.Path, Logger: log}.Load(ctx)
	if err != nil {
		return err
	}
	_, test, err := ml.StratifiedSplit(data, cfg.Dataset.TestRatio, cfg.Dataset.Seed)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "MODEL\tFIT\tACCURACY\tPRECISION\tRECALL\tF1\tROC_AUC\tTN/FP/FN/TP")
	for _, id := range ids {
		art, err := store.Load(ctx, id)
		if errors.Is(err, ml.ErrArtifactNotFound) {
			fmt.Fprintf(tw, "%s\tmissing\n", id)
			continue
		}
		if err != nil {
			return fmt.Errorf("load %s: %w", id, err)
		}
		rows, err := art.Scaler.TransformAll(test.X)
		if err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		m, err := ml.Evaluate(art.Estimator, rows, test.Y)
		if err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		cm := m.ConfusionMatrix
		fmt.Fprintf(tw, "%s\t%.8s\t%.4f\t%.4f\t%.4f\t%.4f\t%.4f\t%d/%d/%d/%d\n",
			id, art.FitID, m.Accuracy, m.Precision, m.Recall, m.F1, m.ROCAUC,
			cm[0][0], cm[0][1], cm[1][0], cm[1][1])
	}
	return nil
}
