package gateway

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"gateflow/config"
	"gateflow/internal/dispatch"
	"gateflow/models"
)

// fakeTransport is an in-process transport. Tests script gateway behaviour
// through onSend, which runs synchronously inside Send, and push events into
// the stream directly.
type fakeTransport struct {
	mu        sync.Mutex
	events    chan models.Message
	sent      []Request
	onSend    func(Request)
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan models.Message, 64)}
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }

func (f *fakeTransport) Send(ctx context.Context, req Request) error {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	cb := f.onSend
	f.mu.Unlock()
	if cb != nil {
		cb(req)
	}
	return nil
}

func (f *fakeTransport) Events() <-chan models.Message { return f.events }

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeTransport) push(msg models.Message) {
	f.events <- msg
}

func (f *fakeTransport) sentOps(op Opcode) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, req := range f.sent {
		if req.Op == op {
			n++
		}
	}
	return n
}

func testConfig() *config.Config {
	return &config.Config{
		Gateway: config.GatewayConfig{
			Host:         "127.0.0.1",
			Port:         4002,
			Transport:    config.TransportTCP,
			StartOrderID: 1,
			RateLimit:    config.RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 100},
		},
		Channels: config.ChannelsConfig{EventBuffer: 64},
	}
}

func newTestConn(t *testing.T) (*Conn, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	c := NewConnWithTransport(testConfig(), ft)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c, ft
}

func reqID(t *testing.T, req Request) int64 {
	t.Helper()
	if len(req.Fields) < 2 {
		t.Fatalf("request %d has no id field", req.Op)
	}
	id, err := strconv.ParseInt(req.Fields[1], 10, 64)
	if err != nil {
		t.Fatalf("request id %q: %v", req.Fields[1], err)
	}
	return id
}

func TestRequestsRequireConnection(t *testing.T) {
	c := NewConnWithTransport(testConfig(), newFakeTransport())

	if _, err := c.ReqMarketData(models.Contract{Symbol: "AAPL"}, "", false, dispatch.Handlers{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ReqMarketData error = %v, want ErrNotConnected", err)
	}
	if _, err := c.PlaceOrder(models.Contract{}, models.Order{}, dispatch.Handlers{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PlaceOrder error = %v, want ErrNotConnected", err)
	}
	if err := c.ReqOpenOrders(dispatch.Handlers{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ReqOpenOrders error = %v, want ErrNotConnected", err)
	}
}

func TestConnectTwiceFails(t *testing.T) {
	c, _ := newTestConn(t)
	if err := c.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect error = %v, want ErrAlreadyConnected", err)
	}
}

// The dispatch interest must exist before the request reaches the wire, so
// an answer arriving immediately still finds its handler.
func TestInterestRegisteredBeforeSend(t *testing.T) {
	c, ft := newTestConn(t)

	ft.onSend = func(req Request) {
		if req.Op != OpReqContractDetails {
			return
		}
		id := reqID(t, req)
		if !c.table.Contains(dispatch.Key{Kind: models.KindContractDetails, ID: id}) {
			t.Error("handler not registered at send time")
		}
		data := models.NewMessage(models.KindContractDetails)
		data.RequestID = id
		data.Payload = models.ContractDetails{LongName: "APPLE INC"}
		ft.push(data)
		end := models.NewMessage(models.KindContractDetailsEnd)
		end.RequestID = id
		ft.push(end)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	details, err := c.ContractDetailsSync(ctx, models.Contract{Symbol: "AAPL"})
	if err != nil {
		t.Fatalf("ContractDetailsSync failed: %v", err)
	}
	if len(details) != 1 || details[0].LongName != "APPLE INC" {
		t.Errorf("unexpected details: %+v", details)
	}
}

func TestCurrentTimeReturnsSingleAnswer(t *testing.T) {
	c, ft := newTestConn(t)

	ft.onSend = func(req Request) {
		if req.Op != OpReqCurrentTime {
			return
		}
		msg := models.NewMessage(models.KindCurrentTime)
		msg.Payload = time.Unix(42, 0).UTC()
		ft.push(msg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := c.CurrentTime(ctx)
	if err != nil {
		t.Fatalf("CurrentTime failed: %v", err)
	}
	if got.Unix() != 42 {
		t.Errorf("CurrentTime = %v, want unix 42", got)
	}
}

func TestHistoricalDataCollectsAllBars(t *testing.T) {
	c, ft := newTestConn(t)

	ft.onSend = func(req Request) {
		if req.Op != OpReqHistoricalData {
			return
		}
		id := reqID(t, req)
		for i := 1; i <= 3; i++ {
			bar := models.NewMessage(models.KindHistoricalData)
			bar.RequestID = id
			bar.Payload = models.Bar{Close: float64(i)}
			ft.push(bar)
		}
		end := models.NewMessage(models.KindHistoricalDataEnd)
		end.RequestID = id
		ft.push(end)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	bars, err := c.HistoricalDataSync(ctx, models.Contract{Symbol: "ES"}, models.HistoricalQuery{Duration: "1 D", BarSize: "1 hour"})
	if err != nil {
		t.Fatalf("HistoricalDataSync failed: %v", err)
	}
	if len(bars) != 3 {
		t.Fatalf("got %d bars, want 3", len(bars))
	}
	for i, bar := range bars {
		if bar.Close != float64(i+1) {
			t.Errorf("bar %d close = %v, want %d", i, bar.Close, i+1)
		}
	}
}

func TestMarketDataSnapshotKeepsLastTick(t *testing.T) {
	c, ft := newTestConn(t)

	ft.onSend = func(req Request) {
		if req.Op != OpReqMarketData {
			return
		}
		id := reqID(t, req)
		for _, price := range []float64{150.1, 150.2} {
			tick := models.NewMessage(models.KindTickPrice)
			tick.TickerID = id
			tick.Payload = models.Tick{Type: 4, Price: price}
			ft.push(tick)
		}
		end := models.NewMessage(models.KindTickSnapshotEnd)
		end.TickerID = id
		ft.push(end)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tick, err := c.MarketDataSnapshot(ctx, models.Contract{Symbol: "AAPL"})
	if err != nil {
		t.Fatalf("MarketDataSnapshot failed: %v", err)
	}
	if tick.Price != 150.2 {
		t.Errorf("snapshot price = %v, want 150.2", tick.Price)
	}
}

func TestSyncRequestSurfacesGatewayError(t *testing.T) {
	c, ft := newTestConn(t)

	ft.onSend = func(req Request) {
		if req.Op != OpReqContractDetails {
			return
		}
		errMsg := models.NewMessage(models.KindError)
		errMsg.RequestID = reqID(t, req)
		errMsg.Code = 200
		errMsg.Text = "No security definition has been found"
		ft.push(errMsg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.ContractDetailsSync(ctx, models.Contract{Symbol: "NOPE"})
	var gerr *models.GatewayError
	if !errors.As(err, &gerr) {
		t.Fatalf("error = %v, want *models.GatewayError", err)
	}
	if gerr.Message.Code != 200 {
		t.Errorf("error code = %d, want 200", gerr.Message.Code)
	}
}

func TestSyncRequestHonoursContext(t *testing.T) {
	c, ft := newTestConn(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.HistoricalDataSync(ctx, models.Contract{Symbol: "ES"}, models.HistoricalQuery{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want context.DeadlineExceeded", err)
	}
	if got := ft.sentOps(OpCancelHistoricalData); got != 1 {
		t.Errorf("cancel frames sent = %d, want 1", got)
	}
}

func TestCancelMarketDataIsIdempotent(t *testing.T) {
	c, ft := newTestConn(t)

	id, err := c.ReqMarketData(models.Contract{Symbol: "AAPL"}, "", false, dispatch.Handlers{})
	if err != nil {
		t.Fatalf("ReqMarketData failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := c.CancelMarketData(id); err != nil {
			t.Fatalf("CancelMarketData call %d failed: %v", i+1, err)
		}
	}
	if got := ft.sentOps(OpCancelMarketData); got != 1 {
		t.Errorf("cancel frames sent = %d, want 1", got)
	}
}

// A snapshot terminates its price entry through the end marker, but the size
// and string entries share the ticker id without an end marker of their own.
// A cancel after self-termination must still clear them, without sending a
// cancel frame for a stream the gateway already ended.
func TestCancelAfterSnapshotEndDropsSiblings(t *testing.T) {
	c, ft := newTestConn(t)

	ft.onSend = func(req Request) {
		if req.Op != OpReqMarketData {
			return
		}
		end := models.NewMessage(models.KindTickSnapshotEnd)
		end.TickerID = reqID(t, req)
		ft.push(end)
	}

	ended := make(chan struct{}, 1)
	id, err := c.ReqMarketData(models.Contract{Symbol: "AAPL"}, "", true, dispatch.Handlers{
		End: func() { ended <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("ReqMarketData failed: %v", err)
	}
	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot end never fired")
	}

	if err := c.CancelMarketData(id); err != nil {
		t.Fatalf("CancelMarketData failed: %v", err)
	}
	for _, kind := range []models.Kind{models.KindTickPrice, models.KindTickSize, models.KindTickString} {
		if c.table.Contains(dispatch.Key{Kind: kind, ID: id}) {
			t.Errorf("%v entry still registered after snapshot end and cancel", kind)
		}
	}
	if got := ft.sentOps(OpCancelMarketData); got != 0 {
		t.Errorf("cancel frames sent = %d, want 0", got)
	}
}

// Ticks from leftover sibling entries must not touch the result a waiter is
// already reading.
func TestFutureIgnoresDataAfterResolve(t *testing.T) {
	f := newFuture()
	h := f.collectAll()

	first := models.NewMessage(models.KindTickPrice)
	h.Data(first)
	h.End()

	late := models.NewMessage(models.KindTickSize)
	h.Data(late)

	if len(f.msgs) != 1 {
		t.Errorf("collected %d messages after resolve, want 1", len(f.msgs))
	}

	f = newFuture()
	h = f.collectLast()
	h.Data(first)
	h.End()
	h.Data(late)
	if len(f.msgs) != 1 || f.msgs[0].Kind != models.KindTickPrice {
		t.Errorf("last collector changed after resolve: %+v", f.msgs)
	}
}

// AwaitAll wraps an arbitrary request function, not just the built-in
// wrappers.
func TestAwaitAllGenericRequest(t *testing.T) {
	c, ft := newTestConn(t)

	ft.onSend = func(req Request) {
		if req.Op != OpReqExecutions {
			return
		}
		id := reqID(t, req)
		for _, execID := range []string{"0001.01", "0001.02"} {
			ev := models.NewMessage(models.KindExecution)
			ev.RequestID = id
			ev.Payload = models.Execution{ExecID: execID}
			ft.push(ev)
		}
		end := models.NewMessage(models.KindExecutionEnd)
		end.RequestID = id
		ft.push(end)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msgs, err := c.AwaitAll(ctx, func(h dispatch.Handlers) (func(), error) {
		id, err := c.ReqExecutions(models.ExecutionFilter{}, h)
		if err != nil {
			return nil, err
		}
		return func() {
			c.table.Unregister(dispatch.Key{Kind: models.KindExecution, ID: id})
		}, nil
	})
	if err != nil {
		t.Fatalf("AwaitAll failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if ex, ok := msgs[1].Payload.(models.Execution); !ok || ex.ExecID != "0001.02" {
		t.Errorf("unexpected final message: %+v", msgs[1])
	}
}

func TestAwaitSingleSurfacesGatewayError(t *testing.T) {
	c, ft := newTestConn(t)

	ft.onSend = func(req Request) {
		if req.Op != OpReqContractDetails {
			return
		}
		errMsg := models.NewMessage(models.KindError)
		errMsg.RequestID = reqID(t, req)
		errMsg.Code = 200
		errMsg.Text = "No security definition has been found"
		ft.push(errMsg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.AwaitSingle(ctx, func(h dispatch.Handlers) (func(), error) {
		id, err := c.ReqContractDetails(models.Contract{Symbol: "NOPE"}, h)
		if err != nil {
			return nil, err
		}
		return func() {
			c.table.Unregister(dispatch.Key{Kind: models.KindContractDetails, ID: id})
		}, nil
	})
	var gerr *models.GatewayError
	if !errors.As(err, &gerr) {
		t.Fatalf("error = %v, want *models.GatewayError", err)
	}
	if gerr.Message.Code != 200 {
		t.Errorf("error code = %d, want 200", gerr.Message.Code)
	}
}

func TestCancelOrderWithoutSubscriptionIsNoop(t *testing.T) {
	c, ft := newTestConn(t)

	if err := c.CancelOrder(9999); err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}
	if got := ft.sentOps(OpCancelOrder); got != 0 {
		t.Errorf("cancel frames sent = %d, want 0", got)
	}
}

// The gateway's next-valid-id announcement raises the order id floor; ids
// handed out afterwards must respect it.
func TestOrderIDFloorFollowsGateway(t *testing.T) {
	c, ft := newTestConn(t)

	ft.onSend = func(req Request) {
		if req.Op != OpReqCurrentTime {
			return
		}
		msg := models.NewMessage(models.KindCurrentTime)
		msg.Payload = time.Unix(1, 0)
		ft.push(msg)
	}

	next := models.NewMessage(models.KindNextValidID)
	next.OrderID = 100
	ft.push(next)

	// A synchronous round trip drains the event queue, so the announcement
	// has been applied once it returns.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.CurrentTime(ctx); err != nil {
		t.Fatalf("CurrentTime failed: %v", err)
	}

	id, err := c.PlaceOrder(models.Contract{Symbol: "AAPL"}, models.Order{Action: "BUY", Quantity: 1}, dispatch.Handlers{})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if id < 100 {
		t.Errorf("order id = %d, want >= 100", id)
	}
}

func TestConnectionLossSynthesizesFatalError(t *testing.T) {
	c, ft := newTestConn(t)

	codes := make(chan int, 1)
	ended := make(chan struct{}, 1)
	_, err := c.PlaceOrder(models.Contract{Symbol: "AAPL"}, models.Order{Action: "BUY", Quantity: 1}, dispatch.Handlers{
		Error: func(m models.Message) { codes <- m.Code },
		End:   func() { ended <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}

	// Simulate the socket dropping out from under the session.
	ft.Close()

	select {
	case code := <-codes:
		if code != models.CodeSocketDropped {
			t.Errorf("error code = %d, want %d", code, models.CodeSocketDropped)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("order error handler never fired after connection loss")
	}
	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("order end handler never fired after connection loss")
	}

	if c.IsConnected() {
		t.Error("connection still reports connected after event stream closed")
	}
	if _, err := c.ReqPositions(dispatch.Handlers{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ReqPositions after loss = %v, want ErrNotConnected", err)
	}
}

func TestManagedAccountsTracked(t *testing.T) {
	c, ft := newTestConn(t)

	ft.onSend = func(req Request) {
		if req.Op != OpReqCurrentTime {
			return
		}
		msg := models.NewMessage(models.KindCurrentTime)
		msg.Payload = time.Unix(1, 0)
		ft.push(msg)
	}

	accts := models.NewMessage(models.KindManagedAccounts)
	accts.Text = "DU12345, DU67890"
	ft.push(accts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.CurrentTime(ctx); err != nil {
		t.Fatalf("CurrentTime failed: %v", err)
	}

	got := c.ManagedAccounts()
	if len(got) != 2 || got[0] != "DU12345" || got[1] != "DU67890" {
		t.Errorf("ManagedAccounts = %v", got)
	}
}

func TestSubscribeAllObservesEverything(t *testing.T) {
	c, ft := newTestConn(t)

	seen := make(chan models.Kind, 8)
	type obs struct{}
	c.SubscribeAll(obs{}, func(m models.Message) { seen <- m.Kind })

	ft.onSend = func(req Request) {
		if req.Op != OpReqCurrentTime {
			return
		}
		msg := models.NewMessage(models.KindCurrentTime)
		msg.Payload = time.Unix(1, 0)
		ft.push(msg)
	}

	unknown := models.NewMessage(models.KindUnknown)
	ft.push(unknown)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.CurrentTime(ctx); err != nil {
		t.Fatalf("CurrentTime failed: %v", err)
	}

	if kind := <-seen; kind != models.KindUnknown {
		t.Errorf("first observed kind = %v, want unknown", kind)
	}
	if kind := <-seen; kind != models.KindCurrentTime {
		t.Errorf("second observed kind = %v, want current_time", kind)
	}
}
