package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"syncstress/internal/report"
	"syncstress/internal/tui/history"
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "List stored runs, or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	f := historyCmd.Flags()
	f.String("db", "", "Run history database (default ~/.syncstress/history.db)")
	f.IntP("limit", "n", 20, "Runs to list, newest first (0 for all)")
	f.StringP("format", "f", string(report.FormatText), "Report format when showing a run")
	f.Bool("delete", false, "Delete the given run instead of showing it")
	f.Bool("tui", false, "Browse runs interactively")
}

func runHistory(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	path, _ := f.GetString("db")
	store, err := openHistory(path)
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) == 1 {
		id := args[0]
		if del, _ := f.GetBool("delete"); del {
			if err := store.Delete(id); err != nil {
				return err
			}
			fmt.Printf("🗑️  deleted run %s\n", id)
			return nil
		}

		rep, err := store.Get(id)
		if err != nil {
			return err
		}
		name, _ := f.GetString("format")
		format, err := report.ParseFormat(name)
		if err != nil {
			return err
		}
		return report.NewEmitter(format).Emit(os.Stdout, rep)
	}

	if browse, _ := f.GetBool("tui"); browse {
		return history.Run(store)
	}

	limit, _ := f.GetInt("limit")
	runs, err := store.List(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded yet.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTARTED\tSTATUS\tSCENARIO\tUSERS\tOPS\tERR RATE\tVIOL RATE")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%.4f\t%.4f\n",
			r.RunID,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Status,
			r.Settings.Scenario,
			r.Settings.TargetUsers,
			r.TotalOps,
			r.ErrorRate,
			r.ViolationRate,
		)
	}
	return tw.Flush()
}
