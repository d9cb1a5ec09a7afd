package models

import (
	"errors"
	"testing"
)

func TestCorrelationID(t *testing.T) {
	cases := []struct {
		name   string
		msg    Message
		wantID int64
		wantOK bool
	}{
		{"request id", Message{Kind: KindContractDetails, RequestID: 7, OrderID: NoID, TickerID: NoID}, 7, true},
		{"order id", Message{Kind: KindOrderStatus, RequestID: NoID, OrderID: 42, TickerID: NoID}, 42, true},
		{"ticker id", Message{Kind: KindTickPrice, RequestID: NoID, OrderID: NoID, TickerID: 3, Payload: Tick{Type: 4, Price: 1.5}}, 3, true},
		{"zero is a valid id", Message{Kind: KindOrderStatus, RequestID: NoID, OrderID: 0, TickerID: NoID}, 0, true},
		{"absent", NewMessage(KindManagedAccounts), NoID, false},
	}
	for _, c := range cases {
		id, ok := c.msg.CorrelationID()
		if id != c.wantID || ok != c.wantOK {
			t.Errorf("%s: CorrelationID() = (%d, %v), want (%d, %v)", c.name, id, ok, c.wantID, c.wantOK)
		}
	}
}

func TestEndOf(t *testing.T) {
	if data, ok := EndOf(KindHistoricalDataEnd); !ok || data != KindHistoricalData {
		t.Fatalf("EndOf(KindHistoricalDataEnd) = (%v, %v)", data, ok)
	}
	if data, ok := EndOf(KindOpenOrderEnd); !ok || data != KindOpenOrder {
		t.Fatalf("EndOf(KindOpenOrderEnd) = (%v, %v)", data, ok)
	}
	if _, ok := EndOf(KindTickPrice); ok {
		t.Fatal("tick price is not an end-of-series kind")
	}
	if _, ok := EndOf(KindError); ok {
		t.Fatal("error is not an end-of-series kind")
	}
}

func TestErrorCodeTaxonomy(t *testing.T) {
	for _, code := range []int{2100, 2104, 2199, 1101, 1102} {
		if !IsWarningCode(code) {
			t.Errorf("code %d should be a warning", code)
		}
	}
	for _, code := range []int{200, 2200, 321, 1100, 504} {
		if IsWarningCode(code) {
			t.Errorf("code %d should not be a warning", code)
		}
	}
	for _, code := range []int{502, 504, 1100, 1300} {
		if !IsConnectionFatalCode(code) {
			t.Errorf("code %d should be connection fatal", code)
		}
	}
	if IsConnectionFatalCode(200) {
		t.Error("code 200 is request scoped, not connection fatal")
	}
}

func TestGatewayError(t *testing.T) {
	msg := NewMessage(KindError)
	msg.RequestID = 9
	msg.Code = 200
	msg.Text = "No security definition has been found"

	var err error = &GatewayError{Message: msg}
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatal("errors.As failed to unwrap GatewayError")
	}
	if gwErr.Message.Code != 200 {
		t.Fatalf("unexpected code: %d", gwErr.Message.Code)
	}
	if got := err.Error(); got == "" {
		t.Fatal("empty error string")
	}
}

func TestKindString(t *testing.T) {
	if KindTickPrice.String() != "tick_price" {
		t.Errorf("unexpected name: %s", KindTickPrice)
	}
	if Kind(9999).String() != "unknown" {
		t.Errorf("out-of-range kind should stringify as unknown")
	}
}
