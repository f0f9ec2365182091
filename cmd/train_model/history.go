package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"oncoscope/db"
	"oncoscope/ml"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the training log, newest first",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "max rows")
}

func runHistory(cmd *cobra.Command, args []string) error {
	model := ""
	if len(modelNames) == 1 {
		id, err := ml.ParseModelID(modelNames[0])
		if err != nil {
			return err
		}
		model = string(id)
	}
	history, err := db.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer history.Close()

	logs, err := history.LoadTrainingLog(cmd.Context(), historyLimit, model)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "TRAINED_AT\tMODEL\tSTATUS\tTRIGGER\tACCURACY\tROWS\tMS\tERROR")
	for _, l := range logs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.4f\t%d\t%d\t%s\n",
			l.TrainedAt.Local().Format(time.DateTime), l.ModelName, l.Status, l.Trigger,
			l.Accuracy, l.DataPoints, l.DurationMS, l.Error)
	}
	return nil
}
