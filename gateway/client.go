package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"gateflow/config"
	"gateflow/internal/dispatch"
	"gateflow/internal/ids"
	"gateflow/logger"
	"gateflow/models"

	"golang.org/x/time/rate"
)

// connOwner tags the connection's own dispatch table entries so application
// subscriptions are never torn down by accident.
type connOwner struct{}

// Conn is one logical session with the gateway. It owns the transport, the
// identifier allocator, the dispatch table and the single goroutine that
// routes inbound events. All request methods hang off this type.
type Conn struct {
	config    *config.Config
	transport Transport
	table     *dispatch.Table
	engine    *dispatch.Engine
	ids       *ids.Allocator
	limiter   *rate.Limiter
	owner     connOwner

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	accounts []string
}

// NewConn creates a connection using the transport named in the
// configuration.
func NewConn(cfg *config.Config) (*Conn, error) {
	var tr Transport
	switch cfg.Gateway.Transport {
	case config.TransportTCP:
		tr = NewTCPTransport(cfg)
	case config.TransportWebsocket:
		tr = NewWSTransport(cfg)
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Gateway.Transport)
	}
	return NewConnWithTransport(cfg, tr), nil
}

// NewConnWithTransport creates a connection over a caller-supplied transport.
func NewConnWithTransport(cfg *config.Config, tr Transport) *Conn {
	table := dispatch.NewTable()
	return &Conn{
		config:    cfg,
		transport: tr,
		table:     table,
		engine:    dispatch.NewEngine(table),
		ids:       ids.NewAllocator(cfg.Gateway.StartOrderID),
		limiter: rate.NewLimiter(
			rate.Limit(cfg.Gateway.RateLimit.RequestsPerSecond),
			cfg.Gateway.RateLimit.BurstSize,
		),
		wg:  &sync.WaitGroup{},
		log: logger.GetLogger(),
	}
}

// Connect brings the transport up and starts the dispatch goroutine. The
// session tracker is registered before the first event can arrive, so the
// gateway's opening next-valid-id announcement always reaches the allocator.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.running = true
	c.mu.Unlock()

	// A reconnect after connection loss starts from a clean slate.
	c.table.UnregisterOwner(c.owner)
	c.table.RegisterCatchAll(c.owner, c.trackSession)

	if err := c.transport.Connect(ctx); err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		c.table.Clear()
		return err
	}

	c.mu.Lock()
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	c.wg.Add(1)
	go c.dispatchLoop(c.transport.Events())

	c.log.WithComponent("gateway_conn").WithFields(logger.Fields{
		"transport": c.config.Gateway.Transport,
		"client_id": c.config.Gateway.ClientID,
	}).Info("gateway connection established")
	return nil
}

// Disconnect tears the session down: the transport closes, the dispatch
// goroutine drains out and every remaining subscription is dropped without
// further callbacks.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.transport.Close()
	c.wg.Wait()
	c.table.Clear()
	c.log.WithComponent("gateway_conn").Info("gateway connection closed")
}

// IsConnected reports whether the session is live.
func (c *Conn) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// ManagedAccounts returns the account codes the gateway announced at session
// start. Empty until the announcement arrives.
func (c *Conn) ManagedAccounts() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.accounts))
	copy(out, c.accounts)
	return out
}

// SubscribeAll registers a catch-all observer under the given owner tag. The
// observer sees every inbound event, including ones no scoped subscription
// matches.
func (c *Conn) SubscribeAll(owner any, fn func(models.Message)) {
	c.table.RegisterCatchAll(owner, fn)
}

// Unsubscribe removes every subscription registered under the owner tag.
func (c *Conn) Unsubscribe(owner any) {
	c.table.UnregisterOwner(owner)
}

// dispatchLoop is the only goroutine that runs subscriber callbacks, so every
// handler observes events in strict wire-arrival order. When the event stream
// closes while the session is still nominally up, the loop synthesizes the
// connection-loss events before exiting.
func (c *Conn) dispatchLoop(events <-chan models.Message) {
	defer c.wg.Done()

	for msg := range events {
		c.engine.Dispatch(msg)
	}

	c.mu.Lock()
	unexpected := c.running
	c.running = false
	c.mu.Unlock()

	if unexpected {
		c.log.WithComponent("gateway_conn").Warn("gateway connection lost")
		drop := models.NewMessage(models.KindError)
		drop.Code = models.CodeSocketDropped
		drop.Text = "connection to gateway lost"
		c.engine.Dispatch(drop)
		c.engine.Dispatch(models.NewMessage(models.KindConnectionClosed))
	}
}

// trackSession is the connection's internal catch-all. It keeps the order id
// allocator ahead of the gateway's announced floor and records the managed
// account list.
func (c *Conn) trackSession(msg models.Message) {
	switch msg.Kind {
	case models.KindNextValidID:
		if msg.OrderID != models.NoID {
			c.ids.Resync(ids.Order, msg.OrderID)
			c.log.WithComponent("gateway_conn").WithFields(logger.Fields{
				"next_order_id": msg.OrderID,
			}).Debug("order id floor announced")
		}
	case models.KindManagedAccounts:
		accounts := strings.Split(msg.Text, ",")
		kept := accounts[:0]
		for _, a := range accounts {
			if a = strings.TrimSpace(a); a != "" {
				kept = append(kept, a)
			}
		}
		c.mu.Lock()
		c.accounts = kept
		c.mu.Unlock()
	}
}

// ready returns the error every request operation reports when the session
// is down.
func (c *Conn) ready() error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// send rate-limits and writes one request. Callers register their dispatch
// interest before calling this, never after.
func (c *Conn) send(req Request) error {
	c.mu.RLock()
	ctx := c.ctx
	c.mu.RUnlock()
	if ctx == nil {
		return ErrNotConnected
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return ErrNotConnected
	}
	return c.transport.Send(ctx, req)
}
