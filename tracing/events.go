package tracing

import (
	"context"
	"strings"

	"github.com/Tamaarine/CSE306-Assignment/datarecording"
)

// EventQuery filters recorded events. Zero values match everything.
type EventQuery struct {
	Node string
	Pos  string

	// Page selects one page. Negative values select all pages.
	Page int

	Limit  int
	Offset int
}

// ReadEvents returns the recorded events that match the query, oldest first,
// together with the number of matches ignoring Limit and Offset.
func ReadEvents(
	ctx context.Context,
	reader datarecording.DataReader,
	query EventQuery,
) ([]Event, int, error) {
	reader.MapTable(EventTable, Event{})

	var conds []string
	var args []any

	if query.Node != "" {
		conds = append(conds, "Node = ?")
		args = append(args, query.Node)
	}

	if query.Pos != "" {
		conds = append(conds, "Pos = ?")
		args = append(args, query.Pos)
	}

	if query.Page >= 0 {
		conds = append(conds, "Page = ?")
		args = append(args, query.Page)
	}

	rows, total, err := reader.Query(ctx, EventTable, datarecording.QueryParams{
		Where:   strings.Join(conds, " AND "),
		Args:    args,
		OrderBy: "Time, ID",
		Limit:   query.Limit,
		Offset:  query.Offset,
	})
	if err != nil {
		return nil, 0, err
	}

	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, *row.(*Event))
	}

	return events, total, nil
}
