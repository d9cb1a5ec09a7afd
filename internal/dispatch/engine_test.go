package dispatch

import (
	"testing"

	"gateflow/models"
)

func histMsg(id int64) models.Message {
	msg := models.NewMessage(models.KindHistoricalData)
	msg.RequestID = id
	return msg
}

func histEnd(id int64) models.Message {
	msg := models.NewMessage(models.KindHistoricalDataEnd)
	msg.RequestID = id
	return msg
}

func errMsg(id int64, code int) models.Message {
	msg := models.NewMessage(models.KindError)
	msg.RequestID = id
	msg.Code = code
	msg.Text = "test error"
	return msg
}

func TestDataDeliveryKeepsEntryRegistered(t *testing.T) {
	tbl := NewTable()
	eng := NewEngine(tbl)
	key := Key{Kind: models.KindHistoricalData, ID: 1}

	var got []models.Message
	tbl.Register(key, nil, Handlers{Data: func(m models.Message) { got = append(got, m) }})

	eng.Dispatch(histMsg(1))
	eng.Dispatch(histMsg(1))

	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
	if !tbl.Contains(key) {
		t.Fatal("data delivery retired the entry")
	}
}

func TestMismatchedIDDoesNotFire(t *testing.T) {
	tbl := NewTable()
	eng := NewEngine(tbl)

	var fired int
	tbl.Register(Key{Kind: models.KindHistoricalData, ID: 1}, nil, Handlers{
		Data: func(models.Message) { fired++ },
	})

	eng.Dispatch(histMsg(2))
	if fired != 0 {
		t.Fatalf("entry fired for foreign id: %d", fired)
	}
}

func TestNormalTerminationAtMostOnce(t *testing.T) {
	tbl := NewTable()
	eng := NewEngine(tbl)
	key := Key{Kind: models.KindHistoricalData, ID: 1}

	var data, ends int
	tbl.Register(key, nil, Handlers{
		Data: func(models.Message) { data++ },
		End:  func() { ends++ },
	})

	eng.Dispatch(histMsg(1))
	eng.Dispatch(histEnd(1))
	// Anything after the end marker must be invisible to the entry.
	eng.Dispatch(histMsg(1))
	eng.Dispatch(histEnd(1))

	if data != 1 {
		t.Fatalf("data fired %d times, want 1", data)
	}
	if ends != 1 {
		t.Fatalf("end fired %d times, want 1", ends)
	}
	if tbl.Contains(key) {
		t.Fatal("entry still registered after normal termination")
	}
}

func TestErrorTerminationFiresErrorThenEnd(t *testing.T) {
	tbl := NewTable()
	eng := NewEngine(tbl)
	key := Key{Kind: models.KindHistoricalData, ID: 7}

	var order []string
	tbl.Register(key, nil, Handlers{
		Error: func(m models.Message) {
			if m.Code != 200 {
				t.Errorf("unexpected code %d", m.Code)
			}
			order = append(order, "error")
		},
		End: func() { order = append(order, "end") },
	})

	eng.Dispatch(errMsg(7, 200))

	if len(order) != 2 || order[0] != "error" || order[1] != "end" {
		t.Fatalf("unexpected handler order: %v", order)
	}
	if tbl.Contains(key) {
		t.Fatal("entry survived a terminating error")
	}
}

func TestWarningsNeverTerminate(t *testing.T) {
	tbl := NewTable()
	eng := NewEngine(tbl)
	key := Key{Kind: models.KindHistoricalData, ID: 3}

	var errFired bool
	tbl.Register(key, nil, Handlers{Error: func(models.Message) { errFired = true }})

	eng.Dispatch(errMsg(3, 2104)) // market data farm connected advisory

	if errFired {
		t.Fatal("warning invoked the error handler")
	}
	if !tbl.Contains(key) {
		t.Fatal("warning retired the entry")
	}
}

func TestConnectionFatalErrorBroadcasts(t *testing.T) {
	tbl := NewTable()
	eng := NewEngine(tbl)

	type counter struct{ errors, ends int }
	counters := make([]*counter, 3)
	keys := []Key{
		{Kind: models.KindHistoricalData, ID: 1},
		{Kind: models.KindTickPrice, ID: 2},
		{Kind: models.KindOpenOrder, ID: models.NoID},
	}
	for i, key := range keys {
		c := &counter{}
		counters[i] = c
		tbl.Register(key, nil, Handlers{
			Error: func(models.Message) { c.errors++ },
			End:   func() { c.ends++ },
		})
	}

	fatal := models.NewMessage(models.KindError)
	fatal.Code = models.CodeConnectivityLost
	fatal.Text = "Connectivity between IB and TWS has been lost"
	eng.Dispatch(fatal)
	eng.Dispatch(fatal) // second broadcast must find nothing left

	for i, c := range counters {
		if c.errors != 1 || c.ends != 1 {
			t.Fatalf("entry %d: errors=%d ends=%d, want exactly one each", i, c.errors, c.ends)
		}
		if tbl.Contains(keys[i]) {
			t.Fatalf("entry %d survived a connection-fatal error", i)
		}
	}
}

func TestUnmatchedErrorOnlyReachesCatchAll(t *testing.T) {
	tbl := NewTable()
	eng := NewEngine(tbl)

	var catchAll, scoped int
	tbl.RegisterCatchAll(nil, func(models.Message) { catchAll++ })
	tbl.Register(Key{Kind: models.KindHistoricalData, ID: 1}, nil, Handlers{
		Data:  func(models.Message) { scoped++ },
		Error: func(models.Message) { scoped++ },
	})

	eng.Dispatch(errMsg(99, 200)) // id held by nobody

	if catchAll != 1 {
		t.Fatalf("catch-all saw %d messages, want 1", catchAll)
	}
	if scoped != 0 {
		t.Fatalf("scoped entry fired %d times for an unmatched error", scoped)
	}
}

func TestCatchAllSeesEverything(t *testing.T) {
	tbl := NewTable()
	eng := NewEngine(tbl)

	var all, scoped []models.Kind
	tbl.RegisterCatchAll(nil, func(m models.Message) { all = append(all, m.Kind) })
	tbl.Register(Key{Kind: models.KindHistoricalData, ID: 1}, nil, Handlers{
		Data: func(m models.Message) { scoped = append(scoped, m.Kind) },
	})

	eng.Dispatch(histMsg(1))
	eng.Dispatch(histMsg(2))
	tick := models.NewMessage(models.KindTickPrice)
	tick.TickerID = 8
	eng.Dispatch(tick)

	if len(all) != 3 {
		t.Fatalf("catch-all saw %d of 3 messages", len(all))
	}
	if len(scoped) != 1 {
		t.Fatalf("scoped entry saw %d of 1 matching messages", len(scoped))
	}
}

func TestCatchAllOrderIsRegistrationOrder(t *testing.T) {
	tbl := NewTable()
	eng := NewEngine(tbl)

	var order []string
	tbl.RegisterCatchAll(nil, func(models.Message) { order = append(order, "first") })
	tbl.RegisterCatchAll(nil, func(models.Message) { order = append(order, "second") })

	eng.Dispatch(models.NewMessage(models.KindCurrentTime))

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected catch-all order: %v", order)
	}
}

func TestCatchAllNeverRetired(t *testing.T) {
	tbl := NewTable()
	eng := NewEngine(tbl)

	var seen int
	tbl.RegisterCatchAll(nil, func(models.Message) { seen++ })

	fatal := models.NewMessage(models.KindError)
	fatal.Code = models.CodeNotConnected
	eng.Dispatch(fatal)
	eng.Dispatch(models.NewMessage(models.KindCurrentTime))

	if seen != 2 {
		t.Fatalf("catch-all saw %d of 2 messages after a fatal error", seen)
	}
}

func TestEndMarkerWithoutIDTerminatesByKind(t *testing.T) {
	tbl := NewTable()
	eng := NewEngine(tbl)

	var ends int
	tbl.Register(Key{Kind: models.KindOpenOrder, ID: models.NoID}, nil, Handlers{
		End: func() { ends++ },
	})

	// The gateway sends open-order-end with no correlation id.
	eng.Dispatch(models.NewMessage(models.KindOpenOrderEnd))

	if ends != 1 {
		t.Fatalf("end fired %d times, want 1", ends)
	}
	if tbl.Contains(Key{Kind: models.KindOpenOrder, ID: models.NoID}) {
		t.Fatal("wildcard entry survived its end marker")
	}
}

func TestUnknownKindDoesNotCrash(t *testing.T) {
	tbl := NewTable()
	eng := NewEngine(tbl)

	var seen int
	tbl.RegisterCatchAll(nil, func(models.Message) { seen++ })
	tbl.Register(Key{Kind: models.KindTickPrice, ID: 1}, nil, Handlers{
		Data: func(models.Message) { t.Error("scoped entry fired for unknown kind") },
	})

	msg := models.NewMessage(models.Kind(9999))
	eng.Dispatch(msg)

	if seen != 1 {
		t.Fatalf("catch-all saw %d messages, want 1", seen)
	}
}

func TestPanickingHandlerDoesNotBlockOthers(t *testing.T) {
	tbl := NewTable()
	eng := NewEngine(tbl)

	var after int
	tbl.RegisterCatchAll(nil, func(models.Message) { panic("bad subscriber") })
	tbl.RegisterCatchAll(nil, func(models.Message) { after++ })

	eng.Dispatch(models.NewMessage(models.KindCurrentTime))

	if after != 1 {
		t.Fatalf("subscriber after the panicking one saw %d messages", after)
	}
}

func TestMissingHandlersAreSilentlyDropped(t *testing.T) {
	tbl := NewTable()
	eng := NewEngine(tbl)
	key := Key{Kind: models.KindHistoricalData, ID: 4}

	// Bundle with no handlers at all: events drop, nothing panics.
	tbl.Register(key, nil, Handlers{})

	eng.Dispatch(histMsg(4))
	eng.Dispatch(histEnd(4))

	if tbl.Contains(key) {
		t.Fatal("entry survived its end marker")
	}
}
