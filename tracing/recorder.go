package tracing

import (
	"time"

	"github.com/rs/xid"

	"github.com/Tamaarine/CSE306-Assignment/datarecording"
	"github.com/Tamaarine/CSE306-Assignment/dsm"
	"github.com/Tamaarine/CSE306-Assignment/hooking"
	"github.com/Tamaarine/CSE306-Assignment/msi"
	"github.com/Tamaarine/CSE306-Assignment/protocol"
)

// EventTable is the table the Recorder writes into.
const EventTable = "dsm_events"

// An Event is one recorded row.
type Event struct {
	ID        string
	Time      int64
	Node      string
	Pos       string
	Page      int
	FromState string
	ToState   string
	Cause     string
	Op        string
	Flag      string
}

// A Recorder is a hook that records what a node does into a data recorder.
type Recorder struct {
	recorder datarecording.DataRecorder
	now      func() time.Time
}

// NewRecorder creates the event table in recorder and returns a hook that
// fills it.
func NewRecorder(recorder datarecording.DataRecorder) *Recorder {
	recorder.CreateTable(EventTable, Event{})

	return &Recorder{
		recorder: recorder,
		now:      time.Now,
	}
}

// Func records the hook as an Event.
func (r *Recorder) Func(ctx hooking.HookCtx) {
	e := Event{
		ID:   xid.New().String(),
		Time: r.now().UnixNano(),
		Node: domainName(ctx),
		Pos:  ctx.Pos.Name,
		Page: -1,
	}

	switch item := ctx.Item.(type) {
	case dsm.Fault:
		e.Page = item.Page
	case msi.Transition:
		e.Page = item.Page
		e.FromState = item.From.String()
		e.ToState = item.To.String()
		e.Cause = item.Event.String()
	case protocol.Request:
		e.Page = int(item.Page)
		e.Op = item.Op.String()

		if rsp, ok := ctx.Detail.(protocol.Response); ok {
			e.Flag = rsp.Flag.String()
		}
	default:
		return
	}

	r.recorder.InsertData(EventTable, e)
}
