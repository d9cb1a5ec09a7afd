package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gateflow/config"
	"gateflow/logger"
	"gateflow/models"

	"github.com/gorilla/websocket"
)

// wsRequest is the JSON envelope for one outbound request on the websocket
// dialect of the gateway protocol.
type wsRequest struct {
	Op       int      `json:"op"`
	ClientID int64    `json:"client_id,omitempty"`
	Fields   []string `json:"fields"`
}

// wsEvent is the JSON envelope for one inbound event. The field list carries
// the same ordered values as the socket frames, so both transports share the
// decoder.
type wsEvent struct {
	Event  int      `json:"event"`
	Fields []string `json:"fields"`
}

// WSTransport speaks the gateway's websocket dialect: the same event model as
// the native socket, wrapped in JSON envelopes.
type WSTransport struct {
	config  *config.Config
	conn    *websocket.Conn
	events  chan models.Message
	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.Mutex
	writeMu sync.Mutex
	running bool
	log     *logger.Log
}

// NewWSTransport creates a transport for the configured websocket endpoint.
func NewWSTransport(cfg *config.Config) *WSTransport {
	return &WSTransport{
		config: cfg,
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
}

// Connect dials the websocket endpoint, announces the client id and starts
// the read and ping loops.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.running = true
	t.mu.Unlock()

	gw := t.config.Gateway
	log := t.log.WithComponent("ws_transport").WithFields(logger.Fields{"url": gw.URL})

	dialer := websocket.Dialer{HandshakeTimeout: gw.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, gw.URL, nil)
	if err != nil {
		t.setStopped()
		return fmt.Errorf("dial websocket: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.events = make(chan models.Message, t.config.Channels.EventBuffer)
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.mu.Unlock()

	start := wsRequest{Op: int(OpStartAPI), ClientID: gw.ClientID, Fields: []string{clientVersion}}
	if err := t.writeJSON(start); err != nil {
		t.Close()
		return fmt.Errorf("start api: %w", err)
	}

	t.wg.Add(2)
	go t.readLoop()
	go t.pingLoop()

	log.WithFields(logger.Fields{"client_id": gw.ClientID}).Info("gateway websocket connected")
	return nil
}

// Send writes one request envelope.
func (t *WSTransport) Send(ctx context.Context, req Request) error {
	t.mu.Lock()
	if !t.running || t.conn == nil {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.writeJSON(wsRequest{Op: int(req.Op), Fields: req.Fields}); err != nil {
		return err
	}
	logger.IncrementWireWrite(fieldsByteSize(req.Fields))
	return nil
}

func (t *WSTransport) writeJSON(v interface{}) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(v)
}

// Events returns the decoded inbound event stream.
func (t *WSTransport) Events() <-chan models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events
}

// Close terminates both loops and closes the connection and event stream.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	conn := t.conn
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	t.wg.Wait()
	t.log.WithComponent("ws_transport").Info("gateway websocket closed")
	return err
}

func (t *WSTransport) setStopped() {
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
}

// readLoop decodes event envelopes until the connection fails or Close is
// called, then closes the event stream.
func (t *WSTransport) readLoop() {
	defer t.wg.Done()
	defer close(t.events)

	log := t.log.WithComponent("ws_transport")

	for {
		var evt wsEvent
		if err := t.conn.ReadJSON(&evt); err != nil {
			if t.ctx.Err() == nil {
				log.WithError(err).Warn("websocket read failed")
			}
			t.setStopped()
			return
		}

		msg := decodeEvent(evt.Event, evt.Fields)
		logger.IncrementEventRead(fieldsByteSize(evt.Fields))

		select {
		case t.events <- msg:
		case <-t.ctx.Done():
			t.setStopped()
			return
		}
	}
}

// pingLoop keeps the connection alive. The gateway drops websocket sessions
// that stay silent longer than its idle window.
func (t *WSTransport) pingLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.Gateway.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := t.conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				t.log.WithComponent("ws_transport").WithError(err).Warn("websocket ping failed")
				return
			}
		}
	}
}
