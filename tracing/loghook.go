// Package tracing turns the hooks of a DSM node into log lines and recorded
// rows.
package tracing

import (
	"fmt"
	"log"

	"github.com/Tamaarine/CSE306-Assignment/dsm"
	"github.com/Tamaarine/CSE306-Assignment/hooking"
	"github.com/Tamaarine/CSE306-Assignment/msi"
	"github.com/Tamaarine/CSE306-Assignment/protocol"
)

// LogHookBase provides the common logic for all log hooks.
type LogHookBase struct {
	*log.Logger
}

// named is anything that raises hooks under a name.
type named interface {
	Name() string
}

func domainName(ctx hooking.HookCtx) string {
	if d, ok := ctx.Domain.(named); ok {
		return d.Name()
	}

	return "?"
}

// NodeLogger is a hook that prints what a node does, one line per fault,
// transition, fetch, invalidate, and served request.
type NodeLogger struct {
	LogHookBase
}

// NewNodeLogger returns a NodeLogger that writes into the logger.
func NewNodeLogger(logger *log.Logger) *NodeLogger {
	h := new(NodeLogger)
	h.Logger = logger

	return h
}

// Func writes the hook information into the logger.
func (h *NodeLogger) Func(ctx hooking.HookCtx) {
	line, ok := describe(ctx)
	if !ok {
		return
	}

	h.Logger.Printf("%s,%s,%s", domainName(ctx), ctx.Pos.Name, line)
}

func describe(ctx hooking.HookCtx) (string, bool) {
	switch item := ctx.Item.(type) {
	case dsm.Fault:
		return fmt.Sprintf("page %d", item.Page), true
	case msi.Transition:
		return item.String(), true
	case protocol.Request:
		if rsp, ok := ctx.Detail.(protocol.Response); ok {
			return fmt.Sprintf("%s -> %s", item, rsp.Flag), true
		}

		return item.String(), true
	default:
		return "", false
	}
}
