package models

import "time"

// NoID marks an absent correlation identifier. Zero is a valid gateway id,
// so absence needs its own sentinel.
const NoID int64 = -1

// Kind tags every inbound gateway event. The set is closed: the decoder maps
// each wire event to exactly one Kind, and anything it does not recognise
// becomes KindUnknown, which only catch-all subscribers observe.
type Kind int

const (
	KindUnknown Kind = iota

	// Market data stream events, keyed by ticker id.
	KindTickPrice
	KindTickSize
	KindTickString
	KindTickSnapshotEnd
	KindMarketDataType
	KindRealTimeBar

	// Order lifecycle events, keyed by order id.
	KindOrderStatus
	KindOpenOrder
	KindOpenOrderEnd
	KindNextValidID

	// Request/response events, keyed by request id.
	KindContractDetails
	KindContractDetailsEnd
	KindHistoricalData
	KindHistoricalDataEnd
	KindExecution
	KindExecutionEnd
	KindPosition
	KindPositionEnd
	KindAccountSummary
	KindAccountSummaryEnd

	// Account update subscription events. The gateway keys these by account
	// code rather than a numeric id.
	KindAccountValue
	KindAccountTime
	KindAccountDownloadEnd

	// Session-level events with no correlation id.
	KindError
	KindManagedAccounts
	KindCurrentTime
	KindConnectionClosed
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindTickPrice:          "tick_price",
	KindTickSize:           "tick_size",
	KindTickString:         "tick_string",
	KindTickSnapshotEnd:    "tick_snapshot_end",
	KindMarketDataType:     "market_data_type",
	KindRealTimeBar:        "real_time_bar",
	KindOrderStatus:        "order_status",
	KindOpenOrder:          "open_order",
	KindOpenOrderEnd:       "open_order_end",
	KindNextValidID:        "next_valid_id",
	KindContractDetails:    "contract_details",
	KindContractDetailsEnd: "contract_details_end",
	KindHistoricalData:     "historical_data",
	KindHistoricalDataEnd:  "historical_data_end",
	KindExecution:          "execution",
	KindExecutionEnd:       "execution_end",
	KindPosition:           "position",
	KindPositionEnd:        "position_end",
	KindAccountSummary:     "account_summary",
	KindAccountSummaryEnd:  "account_summary_end",
	KindAccountValue:       "account_value",
	KindAccountTime:        "account_time",
	KindAccountDownloadEnd: "account_download_end",
	KindError:              "error",
	KindManagedAccounts:    "managed_accounts",
	KindCurrentTime:        "current_time",
	KindConnectionClosed:   "connection_closed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// endKinds maps each end-of-series marker to the data kind whose stream it
// terminates. The pairing is fixed by the gateway protocol.
var endKinds = map[Kind]Kind{
	KindTickSnapshotEnd:    KindTickPrice,
	KindOpenOrderEnd:       KindOpenOrder,
	KindContractDetailsEnd: KindContractDetails,
	KindHistoricalDataEnd:  KindHistoricalData,
	KindExecutionEnd:       KindExecution,
	KindPositionEnd:        KindPosition,
	KindAccountSummaryEnd:  KindAccountSummary,
	KindAccountDownloadEnd: KindAccountValue,
}

// EndOf returns the data kind a given end-of-series kind terminates and
// whether k is an end-of-series kind at all.
func EndOf(k Kind) (Kind, bool) {
	data, ok := endKinds[k]
	return data, ok
}

// Message is the uniform tagged record for one inbound gateway event. It is
// a value type and never mutated after the decoder builds it. At most one of
// the three correlation ids is set; the others hold NoID because the gateway
// keeps the order, request and ticker id spaces disjoint.
type Message struct {
	Kind      Kind      `json:"kind"`
	RequestID int64     `json:"request_id"`
	OrderID   int64     `json:"order_id"`
	TickerID  int64     `json:"ticker_id"`
	Code      int       `json:"code,omitempty"`
	Text      string    `json:"text,omitempty"`
	Account   string    `json:"account,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Received  time.Time `json:"received"`
}

// CorrelationID returns whichever id the message carries. The second return
// is false when the gateway sent the event without one.
func (m Message) CorrelationID() (int64, bool) {
	switch {
	case m.RequestID != NoID:
		return m.RequestID, true
	case m.OrderID != NoID:
		return m.OrderID, true
	case m.TickerID != NoID:
		return m.TickerID, true
	}
	return NoID, false
}

// NewMessage builds a message of the given kind with all correlation ids
// absent. Decoders fill in the one id the kind calls for.
func NewMessage(kind Kind) Message {
	return Message{
		Kind:      kind,
		RequestID: NoID,
		OrderID:   NoID,
		TickerID:  NoID,
		Received:  time.Now(),
	}
}
