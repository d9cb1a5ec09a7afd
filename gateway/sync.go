package gateway

import (
	"context"
	"sync"
	"time"

	"gateflow/internal/dispatch"
	"gateflow/models"
)

// future is the one-shot rendezvous between the dispatch goroutine and a
// goroutine blocked in a synchronous call. Handlers append on the dispatch
// goroutine and close done exactly once; the waiter reads the slices only
// after done is closed, so no lock is held across resolution.
type future struct {
	done chan struct{}
	once sync.Once
	msgs []models.Message
	err  error
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

func (f *future) resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// resolved reports whether the future has already settled. Resolution only
// happens on the dispatch goroutine, the same goroutine the collectors run
// on, so a false answer stays false for the rest of the handler call.
func (f *future) resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// collectAll accumulates every data message and resolves on the end marker.
// Data arriving after resolution is ignored; sibling entries without an end
// marker of their own may still be registered when the waiter reads msgs.
func (f *future) collectAll() dispatch.Handlers {
	return dispatch.Handlers{
		Data: func(m models.Message) {
			if f.resolved() {
				return
			}
			f.msgs = append(f.msgs, m)
		},
		End:   func() { f.resolve(nil) },
		Error: func(m models.Message) { f.resolve(&models.GatewayError{Message: m}) },
	}
}

// collectLast keeps only the most recent data message and resolves on the
// end marker.
func (f *future) collectLast() dispatch.Handlers {
	return dispatch.Handlers{
		Data: func(m models.Message) {
			if f.resolved() {
				return
			}
			f.msgs = f.msgs[:0]
			f.msgs = append(f.msgs, m)
		},
		End:   func() { f.resolve(nil) },
		Error: func(m models.Message) { f.resolve(&models.GatewayError{Message: m}) },
	}
}

// collectFirst resolves on the first data message.
func (f *future) collectFirst() dispatch.Handlers {
	return dispatch.Handlers{
		Data: func(m models.Message) {
			if f.resolved() {
				return
			}
			f.msgs = append(f.msgs, m)
			f.resolve(nil)
		},
		End:   func() { f.resolve(nil) },
		Error: func(m models.Message) { f.resolve(&models.GatewayError{Message: m}) },
	}
}

// wait blocks until the future resolves or the context expires. On expiry
// the abandon callback runs so the in-flight request is cancelled and its
// registration removed.
func (f *future) wait(ctx context.Context, abandon func()) ([]models.Message, error) {
	select {
	case <-f.done:
		if f.err != nil {
			return nil, f.err
		}
		return f.msgs, nil
	case <-ctx.Done():
		if abandon != nil {
			abandon()
		}
		return nil, ctx.Err()
	}
}

// RequestFunc registers interest through the supplied handlers and writes
// one request to the wire. It returns the abandon action run when the
// waiter gives up before the series completes, so the in-flight request is
// cancelled and its registration removed.
type RequestFunc func(h dispatch.Handlers) (abandon func(), err error)

// AwaitAll issues the request and blocks until its series terminates,
// returning every data message in arrival order. A gateway-side failure
// surfaces as *models.GatewayError.
func (c *Conn) AwaitAll(ctx context.Context, request RequestFunc) ([]models.Message, error) {
	f := newFuture()
	abandon, err := request(f.collectAll())
	if err != nil {
		return nil, err
	}
	return f.wait(ctx, abandon)
}

// AwaitLast issues the request and blocks until its series terminates,
// returning the final data message. A series that ends without data yields
// the zero Message.
func (c *Conn) AwaitLast(ctx context.Context, request RequestFunc) (models.Message, error) {
	f := newFuture()
	abandon, err := request(f.collectLast())
	if err != nil {
		return models.Message{}, err
	}
	msgs, err := f.wait(ctx, abandon)
	if err != nil || len(msgs) == 0 {
		return models.Message{}, err
	}
	return msgs[0], nil
}

// AwaitSingle issues the request and blocks for the first data message. A
// series that ends without data yields the zero Message.
func (c *Conn) AwaitSingle(ctx context.Context, request RequestFunc) (models.Message, error) {
	f := newFuture()
	abandon, err := request(f.collectFirst())
	if err != nil {
		return models.Message{}, err
	}
	msgs, err := f.wait(ctx, abandon)
	if err != nil || len(msgs) == 0 {
		return models.Message{}, err
	}
	return msgs[0], nil
}

// CurrentTime asks for the gateway clock and blocks for the answer.
func (c *Conn) CurrentTime(ctx context.Context) (time.Time, error) {
	key := dispatch.Key{Kind: models.KindCurrentTime, ID: models.NoID}
	msg, err := c.AwaitSingle(ctx, func(h dispatch.Handlers) (func(), error) {
		if err := c.ReqCurrentTime(h); err != nil {
			return nil, err
		}
		return func() { c.table.Unregister(key) }, nil
	})
	c.table.Unregister(key)
	if err != nil {
		return time.Time{}, err
	}
	t, ok := msg.Payload.(time.Time)
	if !ok {
		return time.Time{}, &models.GatewayError{Message: models.NewMessage(models.KindConnectionClosed)}
	}
	return t, nil
}

// ContractDetailsSync resolves a contract and blocks until every match has
// arrived.
func (c *Conn) ContractDetailsSync(ctx context.Context, contract models.Contract) ([]models.ContractDetails, error) {
	msgs, err := c.AwaitAll(ctx, func(h dispatch.Handlers) (func(), error) {
		id, err := c.ReqContractDetails(contract, h)
		if err != nil {
			return nil, err
		}
		return func() {
			c.table.Unregister(dispatch.Key{Kind: models.KindContractDetails, ID: id})
		}, nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.ContractDetails, 0, len(msgs))
	for _, m := range msgs {
		if cd, ok := m.Payload.(models.ContractDetails); ok {
			out = append(out, cd)
		}
	}
	return out, nil
}

// HistoricalDataSync requests a bar series and blocks for the complete
// response.
func (c *Conn) HistoricalDataSync(ctx context.Context, contract models.Contract, query models.HistoricalQuery) ([]models.Bar, error) {
	msgs, err := c.AwaitAll(ctx, func(h dispatch.Handlers) (func(), error) {
		id, err := c.ReqHistoricalData(contract, query, h)
		if err != nil {
			return nil, err
		}
		return func() { c.CancelHistoricalData(id) }, nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.Bar, 0, len(msgs))
	for _, m := range msgs {
		if bar, ok := m.Payload.(models.Bar); ok {
			out = append(out, bar)
		}
	}
	return out, nil
}

// ExecutionsSync requests execution reports and blocks for the full list.
func (c *Conn) ExecutionsSync(ctx context.Context, filter models.ExecutionFilter) ([]models.Execution, error) {
	msgs, err := c.AwaitAll(ctx, func(h dispatch.Handlers) (func(), error) {
		id, err := c.ReqExecutions(filter, h)
		if err != nil {
			return nil, err
		}
		return func() {
			c.table.Unregister(dispatch.Key{Kind: models.KindExecution, ID: id})
		}, nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.Execution, 0, len(msgs))
	for _, m := range msgs {
		if ex, ok := m.Payload.(models.Execution); ok {
			out = append(out, ex)
		}
	}
	return out, nil
}

// PositionsSync requests the position snapshot and blocks for the full list.
func (c *Conn) PositionsSync(ctx context.Context) ([]models.Position, error) {
	msgs, err := c.AwaitAll(ctx, func(h dispatch.Handlers) (func(), error) {
		id, err := c.ReqPositions(h)
		if err != nil {
			return nil, err
		}
		return func() { c.CancelPositions(id) }, nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.Position, 0, len(msgs))
	for _, m := range msgs {
		if p, ok := m.Payload.(models.Position); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// AccountSummarySync requests summary tags and blocks for the full set.
func (c *Conn) AccountSummarySync(ctx context.Context, group, tags string) ([]models.AccountSummaryValue, error) {
	msgs, err := c.AwaitAll(ctx, func(h dispatch.Handlers) (func(), error) {
		id, err := c.ReqAccountSummary(group, tags, h)
		if err != nil {
			return nil, err
		}
		return func() { c.CancelAccountSummary(id) }, nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.AccountSummaryValue, 0, len(msgs))
	for _, m := range msgs {
		if v, ok := m.Payload.(models.AccountSummaryValue); ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// MarketDataSnapshot requests a snapshot quote and blocks until the snapshot
// end marker, returning the last tick observed before it. The size and
// string entries have no end marker of their own, so they are dropped before
// the result is read.
func (c *Conn) MarketDataSnapshot(ctx context.Context, contract models.Contract) (models.Tick, error) {
	id := int64(models.NoID)
	msg, err := c.AwaitLast(ctx, func(h dispatch.Handlers) (func(), error) {
		var reqErr error
		id, reqErr = c.ReqMarketData(contract, "", true, h)
		if reqErr != nil {
			return nil, reqErr
		}
		return func() { c.CancelMarketData(id) }, nil
	})
	if id != models.NoID {
		c.dropMarketData(id)
	}
	if err != nil {
		return models.Tick{}, err
	}
	tick, _ := msg.Payload.(models.Tick)
	return tick, nil
}
