package dispatch

import (
	"gateflow/logger"
	"gateflow/models"
)

// Engine routes one inbound message at a time to the table's subscribers and
// retires scoped entries that observed their terminating event. It runs on
// the connection's single dispatch goroutine, so messages are processed
// strictly in wire-arrival order.
//
// Delivery order within one message is fixed: catch-all entries fire first,
// in registration order, then scoped entries in registration order. Catch-all
// first matters because the connection's own id tracker is a catch-all that
// must observe next-valid-id events before any request handler runs.
type Engine struct {
	table *Table
	log   *logger.Log
}

func NewEngine(table *Table) *Engine {
	return &Engine{table: table, log: logger.GetLogger()}
}

// Dispatch delivers msg to every matching entry. It never panics: a handler
// that panics is logged and the remaining subscribers still receive the
// message. Unknown kinds reach catch-all entries only.
func (e *Engine) Dispatch(msg models.Message) {
	entries := e.table.snapshot()

	for _, ent := range entries {
		if ent.catchAll {
			e.fire(msg, "catch_all", func() {
				if ent.all != nil {
					ent.all(msg)
				}
			})
		}
	}

	isWarning := msg.Kind == models.KindError && models.IsWarningCode(msg.Code)
	if isWarning {
		// Advisory only. Catch-all subscribers have already seen it; no
		// scoped entry terminates and no error handler fires.
		e.log.WithComponent("dispatch").WithFields(logger.Fields{
			"code": msg.Code,
			"text": msg.Text,
		}).Warn("gateway warning")
		return
	}

	for _, ent := range entries {
		if ent.catchAll {
			continue
		}
		switch {
		case e.errorTerminates(ent, msg):
			e.terminate(ent, msg, true)
		case e.endTerminates(ent, msg):
			e.terminate(ent, msg, false)
		case matchesData(ent, msg):
			e.fire(msg, "data", func() {
				if ent.handlers.Data != nil {
					ent.handlers.Data(msg)
				}
			})
		}
	}
}

// errorTerminates reports whether msg is a non-warning error that ends this
// entry: either connection-fatal, which ends every outstanding scoped entry,
// or carrying exactly the entry's correlation id. Wildcard-id entries are
// only ended by connection-fatal errors.
func (e *Engine) errorTerminates(ent *entry, msg models.Message) bool {
	if msg.Kind != models.KindError {
		return false
	}
	if models.IsConnectionFatalCode(msg.Code) {
		return true
	}
	id, ok := msg.CorrelationID()
	return ok && ent.key.ID != models.NoID && ent.key.ID == id
}

// endTerminates reports whether msg is the end-of-series marker for the
// entry's data kind and id. An end marker without a correlation id matches
// every entry of its paired kind; the gateway genuinely omits the id on some
// end markers (open orders), so those subscriptions rely on this.
func (e *Engine) endTerminates(ent *entry, msg models.Message) bool {
	dataKind, ok := models.EndOf(msg.Kind)
	if !ok || dataKind != ent.key.Kind {
		return false
	}
	id, hasID := msg.CorrelationID()
	if !hasID || ent.key.ID == models.NoID {
		return true
	}
	return id == ent.key.ID
}

// matchesData reports whether msg is a non-terminating delivery for ent.
func matchesData(ent *entry, msg models.Message) bool {
	if msg.Kind != ent.key.Kind {
		return false
	}
	if ent.key.ID == models.NoID {
		return true
	}
	id, ok := msg.CorrelationID()
	return ok && id == ent.key.ID
}

// terminate retires ent after delivering its final callbacks: error handler
// then end handler on the error path, end handler alone on the normal path.
// The entry is removed first so a handler observing the terminating event
// can never be fired again by a later message.
func (e *Engine) terminate(ent *entry, msg models.Message, isError bool) {
	e.table.remove(ent)
	if isError {
		e.fire(msg, "error", func() {
			if ent.handlers.Error != nil {
				ent.handlers.Error(msg)
			}
		})
	}
	e.fire(msg, "end", func() {
		if ent.handlers.End != nil {
			ent.handlers.End()
		}
	})
}

// fire invokes one handler, containing panics so a misbehaving subscriber
// cannot block delivery to the rest.
func (e *Engine) fire(msg models.Message, handler string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithComponent("dispatch").WithFields(logger.Fields{
				"kind":    msg.Kind.String(),
				"handler": handler,
				"panic":   r,
			}).Error("subscriber panicked during dispatch")
		}
	}()
	fn()
}
