package models

import "time"

/////////////////////////////////////////////////////////////////////////////
//////////////////////////// REQUEST PARAMETERS /////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Contract describes the instrument a request targets. Only the fields the
// gateway needs to resolve the instrument are carried; resolution itself is
// the gateway's job.
type Contract struct {
	ConID       int64   `json:"con_id,omitempty"`
	Symbol      string  `json:"symbol"`
	SecType     string  `json:"sec_type"`
	Expiry      string  `json:"expiry,omitempty"`
	Strike      float64 `json:"strike,omitempty"`
	Right       string  `json:"right,omitempty"`
	Exchange    string  `json:"exchange"`
	Currency    string  `json:"currency"`
	LocalSymbol string  `json:"local_symbol,omitempty"`
}

// Order holds the caller-controlled order fields. The order id is assigned
// by the connection, never by the caller.
type Order struct {
	Action      string  `json:"action"`
	Quantity    float64 `json:"quantity"`
	OrderType   string  `json:"order_type"`
	LimitPrice  float64 `json:"limit_price,omitempty"`
	AuxPrice    float64 `json:"aux_price,omitempty"`
	TimeInForce string  `json:"time_in_force,omitempty"`
	Account     string  `json:"account,omitempty"`
	Transmit    bool    `json:"transmit"`
}

// HistoricalQuery bounds a historical bar request.
type HistoricalQuery struct {
	EndTime    time.Time `json:"end_time"`
	Duration   string    `json:"duration"`
	BarSize    string    `json:"bar_size"`
	WhatToShow string    `json:"what_to_show"`
	UseRTH     bool      `json:"use_rth"`
}

// ExecutionFilter narrows an executions request. Zero values mean no filter.
type ExecutionFilter struct {
	ClientID int64  `json:"client_id,omitempty"`
	Account  string `json:"account,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
	SecType  string `json:"sec_type,omitempty"`
	Side     string `json:"side,omitempty"`
}

/////////////////////////////////////////////////////////////////////////////
//////////////////////////// EVENT PAYLOADS /////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Tick is the payload of tick price/size/string events.
type Tick struct {
	Type  int     `json:"type"`
	Price float64 `json:"price,omitempty"`
	Size  float64 `json:"size,omitempty"`
	Value string  `json:"value,omitempty"`
}

// Bar is one historical or real-time bar.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
	WAP    float64   `json:"wap,omitempty"`
	Count  int64     `json:"count,omitempty"`
}

// OrderState is the payload of order status events.
type OrderState struct {
	Status        string  `json:"status"`
	Filled        float64 `json:"filled"`
	Remaining     float64 `json:"remaining"`
	AvgFillPrice  float64 `json:"avg_fill_price"`
	LastFillPrice float64 `json:"last_fill_price"`
	PermID        int64   `json:"perm_id,omitempty"`
	ParentID      int64   `json:"parent_id,omitempty"`
	WhyHeld       string  `json:"why_held,omitempty"`
}

// OpenOrder is the payload of open order snapshots.
type OpenOrder struct {
	Contract Contract `json:"contract"`
	Order    Order    `json:"order"`
	Status   string   `json:"status"`
}

// ContractDetails is the payload of contract detail events.
type ContractDetails struct {
	Contract       Contract `json:"contract"`
	MarketName     string   `json:"market_name"`
	MinTick        float64  `json:"min_tick"`
	OrderTypes     string   `json:"order_types"`
	ValidExchanges string   `json:"valid_exchanges"`
	LongName       string   `json:"long_name"`
	ContractMonth  string   `json:"contract_month,omitempty"`
}

// Execution is the payload of execution detail events.
type Execution struct {
	ExecID   string    `json:"exec_id"`
	OrderID  int64     `json:"order_id"`
	Contract Contract  `json:"contract"`
	Time     time.Time `json:"time"`
	Side     string    `json:"side"`
	Shares   float64   `json:"shares"`
	Price    float64   `json:"price"`
	CumQty   float64   `json:"cum_qty"`
	AvgPrice float64   `json:"avg_price"`
}

// AccountValue is one key/value pair of the account update stream.
type AccountValue struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Currency string `json:"currency,omitempty"`
}

// Position is the payload of position events.
type Position struct {
	Contract Contract `json:"contract"`
	Quantity float64  `json:"quantity"`
	AvgCost  float64  `json:"avg_cost"`
}

// AccountSummaryValue is one tag of an account summary response.
type AccountSummaryValue struct {
	Tag      string `json:"tag"`
	Value    string `json:"value"`
	Currency string `json:"currency,omitempty"`
}
