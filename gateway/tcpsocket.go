package gateway

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"gateflow/config"
	"gateflow/logger"
	"gateflow/models"
)

const (
	apiPrefix     = "API\x00"
	clientVersion = "2"
)

// TCPTransport speaks the gateway's native socket protocol: an API prefix
// handshake followed by length-prefixed frames of NUL-terminated fields in
// both directions.
type TCPTransport struct {
	config  *config.Config
	conn    net.Conn
	reader  *bufio.Reader
	events  chan models.Message
	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.Mutex
	writeMu sync.Mutex
	running bool
	log     *logger.Log
}

// NewTCPTransport creates a transport for the configured gateway endpoint.
func NewTCPTransport(cfg *config.Config) *TCPTransport {
	return &TCPTransport{
		config: cfg,
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
}

// Connect dials the gateway, performs the version handshake, announces the
// client id and starts the read loop.
func (t *TCPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.running = true
	t.mu.Unlock()

	gw := t.config.Gateway
	addr := fmt.Sprintf("%s:%d", gw.Host, gw.Port)
	log := t.log.WithComponent("tcp_transport").WithFields(logger.Fields{"addr": addr})

	dialer := net.Dialer{Timeout: gw.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.setStopped()
		return fmt.Errorf("dial gateway: %w", err)
	}

	// One buffered reader for the lifetime of the connection. The handshake
	// must read through the same reader the read loop uses, or bytes the
	// gateway sends right after its greeting would be lost in a discarded
	// buffer.
	reader := bufio.NewReader(conn)
	if err := t.handshake(conn, reader); err != nil {
		conn.Close()
		t.setStopped()
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.reader = reader
	t.events = make(chan models.Message, t.config.Channels.EventBuffer)
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.mu.Unlock()

	start := newRequest(OpStartAPI, clientVersion, formatID(gw.ClientID), "")
	if err := t.writeFrame(start); err != nil {
		t.Close()
		return fmt.Errorf("start api: %w", err)
	}

	t.wg.Add(1)
	go t.readLoop()

	log.WithFields(logger.Fields{"client_id": gw.ClientID}).Info("gateway socket connected")
	return nil
}

// handshake sends the API prefix plus client version and reads the server's
// version and timestamp fields.
func (t *TCPTransport) handshake(conn net.Conn, r *bufio.Reader) error {
	if _, err := conn.Write([]byte(apiPrefix)); err != nil {
		return fmt.Errorf("write api prefix: %w", err)
	}
	if _, err := conn.Write(encodeRawField("v" + clientVersion)); err != nil {
		return fmt.Errorf("write client version: %w", err)
	}

	serverVersion, err := readNulField(r)
	if err != nil {
		return fmt.Errorf("read server version: %w", err)
	}
	serverTime, err := readNulField(r)
	if err != nil {
		return fmt.Errorf("read server time: %w", err)
	}

	t.log.WithComponent("tcp_transport").WithFields(logger.Fields{
		"server_version": serverVersion,
		"server_time":    serverTime,
	}).Info("gateway handshake complete")
	return nil
}

// Send frames and writes one request.
func (t *TCPTransport) Send(ctx context.Context, req Request) error {
	t.mu.Lock()
	if !t.running || t.conn == nil {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return t.writeFrame(req)
}

func (t *TCPTransport) writeFrame(req Request) error {
	frame, err := encodeFrame(req)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	logger.IncrementWireWrite(len(frame))
	return nil
}

// Events returns the decoded inbound event stream.
func (t *TCPTransport) Events() <-chan models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events
}

// Close terminates the read loop and closes the socket and event stream.
func (t *TCPTransport) Close() error {
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
	t.log.WithComponent("tcp_transport").Info("gateway socket closed")
	return err
}

func (t *TCPTransport) setStopped() {
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
}

// readLoop decodes frames until the socket fails or Close is called, then
// closes the event stream.
func (t *TCPTransport) readLoop() {
	defer t.wg.Done()
	defer close(t.events)

	log := t.log.WithComponent("tcp_transport")

	for {
		eventID, fields, err := readFrame(t.reader)
		if err != nil {
			if t.ctx.Err() == nil {
				log.WithError(err).Warn("gateway socket read failed")
			}
			t.setStopped()
			return
		}

		msg := decodeEvent(eventID, fields)
		logger.IncrementEventRead(fieldsByteSize(fields))

		select {
		case t.events <- msg:
		case <-t.ctx.Done():
			t.setStopped()
			return
		}
	}
}

// encodeRawField length-prefixes a bare handshake field the same way frames
// are prefixed.
func encodeRawField(s string) []byte {
	out := make([]byte, 4+len(s))
	out[0] = byte(len(s) >> 24)
	out[1] = byte(len(s) >> 16)
	out[2] = byte(len(s) >> 8)
	out[3] = byte(len(s))
	copy(out[4:], s)
	return out
}

func readNulField(r *bufio.Reader) (string, error) {
	s, err := r.ReadString(0)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(s, "\x00"), nil
}
