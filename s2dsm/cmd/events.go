package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tamaarine/CSE306-Assignment/datarecording"
	"github.com/Tamaarine/CSE306-Assignment/tracing"
)

var eventsCmd = &cobra.Command{
	Use:   "events <file.sqlite3>",
	Short: "List the events recorded by run --record.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()

		node, _ := flags.GetString("node")
		pos, _ := flags.GetString("pos")
		page, _ := flags.GetInt("page")
		limit, _ := flags.GetInt("limit")
		offset, _ := flags.GetInt("offset")

		reader, err := datarecording.NewReader(args[0])
		if err != nil {
			return err
		}
		defer reader.Close()

		return listEvents(cmd.Context(), reader, tracing.EventQuery{
			Node:   node,
			Pos:    pos,
			Page:   page,
			Limit:  limit,
			Offset: offset,
		}, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)

	eventsCmd.Flags().String("node", "", "Only list events of this node.")
	eventsCmd.Flags().String("pos", "",
		"Only list events raised at this position, for example Transition.")
	eventsCmd.Flags().Int("page", -1, "Only list events of this page.")
	eventsCmd.Flags().Int("limit", 0, "List at most this many events.")
	eventsCmd.Flags().Int("offset", 0, "Skip this many events. Needs --limit.")
}

func listEvents(
	ctx context.Context,
	reader datarecording.DataReader,
	query tracing.EventQuery,
	out io.Writer,
) error {
	events, total, err := tracing.ReadEvents(ctx, reader, query)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tNODE\tPOS\tPAGE\tDETAIL")

	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			time.Unix(0, e.Time).Format("15:04:05.000000"),
			e.Node, e.Pos, e.Page, eventDetail(e))
	}

	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "%d of %d events\n", len(events), total)

	return nil
}

func eventDetail(e tracing.Event) string {
	switch {
	case e.Cause != "":
		return fmt.Sprintf("%s -> %s (%s)", e.FromState, e.ToState, e.Cause)
	case e.Flag != "":
		return fmt.Sprintf("%s -> %s", e.Op, e.Flag)
	default:
		return e.Op
	}
}
