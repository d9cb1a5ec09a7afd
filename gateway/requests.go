package gateway

import (
	"gateflow/internal/dispatch"
	"gateflow/internal/ids"
	"gateflow/models"
)

// Every request method follows the same discipline: verify the session is
// live, allocate the identifier, register the dispatch interest and only then
// write to the wire. Registering first means an answer that arrives before
// the method returns still finds its handler. A failed write rolls the
// registration back so no orphan entry lingers.

const requestVersion = "1"

// ReqMarketData subscribes to the tick stream for a contract and returns the
// ticker id labelling it. Price, size and string ticks all route to the
// handler bundle; with snapshot set, the stream ends itself after the
// snapshot-end marker.
func (c *Conn) ReqMarketData(contract models.Contract, genericTicks string, snapshot bool, h dispatch.Handlers) (int64, error) {
	if err := c.ready(); err != nil {
		return models.NoID, err
	}
	id := c.ids.Next(ids.Ticker)

	c.table.Register(dispatch.Key{Kind: models.KindTickPrice, ID: id}, c.owner, h)
	c.table.Register(dispatch.Key{Kind: models.KindTickSize, ID: id}, c.owner, dispatch.Handlers{Data: h.Data})
	c.table.Register(dispatch.Key{Kind: models.KindTickString, ID: id}, c.owner, dispatch.Handlers{Data: h.Data})

	req := newRequest(OpReqMarketData, requestVersion, formatID(id),
		contract.Symbol, contract.SecType, contract.Expiry,
		formatFloat(contract.Strike), contract.Right,
		contract.Exchange, contract.Currency, contract.LocalSymbol,
		genericTicks, formatBool(snapshot))
	if err := c.send(req); err != nil {
		c.dropMarketData(id)
		return models.NoID, err
	}
	return id, nil
}

// CancelMarketData stops the tick stream. The size and string entries share
// the ticker id but have no end marker of their own, so they are dropped
// unconditionally; the wire cancel only goes out while the price entry is
// still live. Cancelling an unknown or already cancelled ticker id is a
// no-op.
func (c *Conn) CancelMarketData(tickerID int64) error {
	if err := c.ready(); err != nil {
		return err
	}
	live := c.table.Contains(dispatch.Key{Kind: models.KindTickPrice, ID: tickerID})
	c.dropMarketData(tickerID)
	if !live {
		return nil
	}
	return c.send(newRequest(OpCancelMarketData, requestVersion, formatID(tickerID)))
}

func (c *Conn) dropMarketData(tickerID int64) {
	c.table.Unregister(dispatch.Key{Kind: models.KindTickPrice, ID: tickerID})
	c.table.Unregister(dispatch.Key{Kind: models.KindTickSize, ID: tickerID})
	c.table.Unregister(dispatch.Key{Kind: models.KindTickString, ID: tickerID})
}

// ReqRealTimeBars subscribes to five second bars for a contract.
func (c *Conn) ReqRealTimeBars(contract models.Contract, whatToShow string, useRTH bool, h dispatch.Handlers) (int64, error) {
	if err := c.ready(); err != nil {
		return models.NoID, err
	}
	id := c.ids.Next(ids.Ticker)
	c.table.Register(dispatch.Key{Kind: models.KindRealTimeBar, ID: id}, c.owner, h)

	req := newRequest(OpReqRealTimeBars, requestVersion, formatID(id),
		contract.Symbol, contract.SecType, contract.Exchange, contract.Currency,
		"5", whatToShow, formatBool(useRTH))
	if err := c.send(req); err != nil {
		c.table.Unregister(dispatch.Key{Kind: models.KindRealTimeBar, ID: id})
		return models.NoID, err
	}
	return id, nil
}

// CancelRealTimeBars stops a bar stream. Unknown ids are a no-op.
func (c *Conn) CancelRealTimeBars(tickerID int64) error {
	if err := c.ready(); err != nil {
		return err
	}
	key := dispatch.Key{Kind: models.KindRealTimeBar, ID: tickerID}
	if !c.table.Contains(key) {
		return nil
	}
	c.table.Unregister(key)
	return c.send(newRequest(OpCancelRealTimeBars, requestVersion, formatID(tickerID)))
}

// ReqHistoricalData requests a bounded bar series. The handler's End fires
// after the final bar.
func (c *Conn) ReqHistoricalData(contract models.Contract, query models.HistoricalQuery, h dispatch.Handlers) (int64, error) {
	if err := c.ready(); err != nil {
		return models.NoID, err
	}
	id := c.ids.Next(ids.Request)
	c.table.Register(dispatch.Key{Kind: models.KindHistoricalData, ID: id}, c.owner, h)

	req := newRequest(OpReqHistoricalData, requestVersion, formatID(id),
		contract.Symbol, contract.SecType, contract.Exchange, contract.Currency,
		query.EndTime.UTC().Format("20060102 15:04:05"),
		query.Duration, query.BarSize, query.WhatToShow, formatBool(query.UseRTH))
	if err := c.send(req); err != nil {
		c.table.Unregister(dispatch.Key{Kind: models.KindHistoricalData, ID: id})
		return models.NoID, err
	}
	return id, nil
}

// CancelHistoricalData abandons an in-flight bar request. Unknown ids are a
// no-op.
func (c *Conn) CancelHistoricalData(requestID int64) error {
	if err := c.ready(); err != nil {
		return err
	}
	key := dispatch.Key{Kind: models.KindHistoricalData, ID: requestID}
	if !c.table.Contains(key) {
		return nil
	}
	c.table.Unregister(key)
	return c.send(newRequest(OpCancelHistoricalData, requestVersion, formatID(requestID)))
}

// ReqContractDetails resolves a contract description into full details. The
// gateway may answer with several matches before the end marker.
func (c *Conn) ReqContractDetails(contract models.Contract, h dispatch.Handlers) (int64, error) {
	if err := c.ready(); err != nil {
		return models.NoID, err
	}
	id := c.ids.Next(ids.Request)
	c.table.Register(dispatch.Key{Kind: models.KindContractDetails, ID: id}, c.owner, h)

	req := newRequest(OpReqContractDetails, requestVersion, formatID(id),
		formatID(contract.ConID), contract.Symbol, contract.SecType,
		contract.Expiry, formatFloat(contract.Strike), contract.Right,
		contract.Exchange, contract.Currency, contract.LocalSymbol)
	if err := c.send(req); err != nil {
		c.table.Unregister(dispatch.Key{Kind: models.KindContractDetails, ID: id})
		return models.NoID, err
	}
	return id, nil
}

// ReqExecutions requests execution reports matching the filter.
func (c *Conn) ReqExecutions(filter models.ExecutionFilter, h dispatch.Handlers) (int64, error) {
	if err := c.ready(); err != nil {
		return models.NoID, err
	}
	id := c.ids.Next(ids.Request)
	c.table.Register(dispatch.Key{Kind: models.KindExecution, ID: id}, c.owner, h)

	req := newRequest(OpReqExecutions, requestVersion, formatID(id),
		formatID(filter.ClientID), filter.Account, filter.Symbol,
		filter.SecType, filter.Side)
	if err := c.send(req); err != nil {
		c.table.Unregister(dispatch.Key{Kind: models.KindExecution, ID: id})
		return models.NoID, err
	}
	return id, nil
}

// ReqPositions subscribes to the position stream for all accounts.
func (c *Conn) ReqPositions(h dispatch.Handlers) (int64, error) {
	if err := c.ready(); err != nil {
		return models.NoID, err
	}
	id := c.ids.Next(ids.Request)
	c.table.Register(dispatch.Key{Kind: models.KindPosition, ID: id}, c.owner, h)

	if err := c.send(newRequest(OpReqPositions, requestVersion, formatID(id))); err != nil {
		c.table.Unregister(dispatch.Key{Kind: models.KindPosition, ID: id})
		return models.NoID, err
	}
	return id, nil
}

// CancelPositions stops the position stream. Unknown ids are a no-op.
func (c *Conn) CancelPositions(requestID int64) error {
	if err := c.ready(); err != nil {
		return err
	}
	key := dispatch.Key{Kind: models.KindPosition, ID: requestID}
	if !c.table.Contains(key) {
		return nil
	}
	c.table.Unregister(key)
	return c.send(newRequest(OpCancelPositions, requestVersion, formatID(requestID)))
}

// ReqAccountSummary requests summary tags for an account group.
func (c *Conn) ReqAccountSummary(group, tags string, h dispatch.Handlers) (int64, error) {
	if err := c.ready(); err != nil {
		return models.NoID, err
	}
	id := c.ids.Next(ids.Request)
	c.table.Register(dispatch.Key{Kind: models.KindAccountSummary, ID: id}, c.owner, h)

	req := newRequest(OpReqAccountSummary, requestVersion, formatID(id), group, tags)
	if err := c.send(req); err != nil {
		c.table.Unregister(dispatch.Key{Kind: models.KindAccountSummary, ID: id})
		return models.NoID, err
	}
	return id, nil
}

// CancelAccountSummary stops a summary subscription. Unknown ids are a no-op.
func (c *Conn) CancelAccountSummary(requestID int64) error {
	if err := c.ready(); err != nil {
		return err
	}
	key := dispatch.Key{Kind: models.KindAccountSummary, ID: requestID}
	if !c.table.Contains(key) {
		return nil
	}
	c.table.Unregister(key)
	return c.send(newRequest(OpCancelAccountSummary, requestVersion, formatID(requestID)))
}

// ReqAccountUpdates toggles the account value stream for one account. The
// gateway keys these events by account code rather than a numeric id, so the
// subscription is a per-kind one; the download-end marker terminates it.
func (c *Conn) ReqAccountUpdates(subscribe bool, account string, h dispatch.Handlers) error {
	if err := c.ready(); err != nil {
		return err
	}
	key := dispatch.Key{Kind: models.KindAccountValue, ID: models.NoID}
	if subscribe {
		c.table.Register(key, c.owner, h)
	} else {
		c.table.Unregister(key)
	}

	req := newRequest(OpReqAccountUpdates, requestVersion, formatBool(subscribe), account)
	if err := c.send(req); err != nil {
		if subscribe {
			c.table.Unregister(key)
		}
		return err
	}
	return nil
}

// ReqOpenOrders requests the open order snapshot. Open order events carry
// order ids but the end marker does not, so the subscription is keyed by
// kind alone.
func (c *Conn) ReqOpenOrders(h dispatch.Handlers) error {
	if err := c.ready(); err != nil {
		return err
	}
	key := dispatch.Key{Kind: models.KindOpenOrder, ID: models.NoID}
	c.table.Register(key, c.owner, h)

	if err := c.send(newRequest(OpReqOpenOrders, requestVersion)); err != nil {
		c.table.Unregister(key)
		return err
	}
	return nil
}

// PlaceOrder transmits an order and returns the order id assigned to it. The
// handler receives every status transition; a rejection arrives through the
// Error handler and ends the subscription.
func (c *Conn) PlaceOrder(contract models.Contract, order models.Order, h dispatch.Handlers) (int64, error) {
	if err := c.ready(); err != nil {
		return models.NoID, err
	}
	id := c.ids.Next(ids.Order)
	c.table.Register(dispatch.Key{Kind: models.KindOrderStatus, ID: id}, c.owner, h)

	req := newRequest(OpPlaceOrder, requestVersion, formatID(id),
		contract.Symbol, contract.SecType, contract.Expiry,
		formatFloat(contract.Strike), contract.Right,
		contract.Exchange, contract.Currency, contract.LocalSymbol,
		order.Account, order.Action, formatFloat(order.Quantity),
		order.OrderType, formatFloat(order.LimitPrice), formatFloat(order.AuxPrice),
		order.TimeInForce, formatBool(order.Transmit))
	if err := c.send(req); err != nil {
		c.table.Unregister(dispatch.Key{Kind: models.KindOrderStatus, ID: id})
		return models.NoID, err
	}
	return id, nil
}

// CancelOrder asks the gateway to cancel a working order. The status
// subscription stays registered so the caller observes the terminal
// cancelled status. Cancelling an id with no live subscription is a no-op.
func (c *Conn) CancelOrder(orderID int64) error {
	if err := c.ready(); err != nil {
		return err
	}
	if !c.table.Contains(dispatch.Key{Kind: models.KindOrderStatus, ID: orderID}) {
		return nil
	}
	return c.send(newRequest(OpCancelOrder, requestVersion, formatID(orderID)))
}

// ReqCurrentTime asks for the gateway's clock. The answer carries no
// correlation id, so the subscription is keyed by kind.
func (c *Conn) ReqCurrentTime(h dispatch.Handlers) error {
	if err := c.ready(); err != nil {
		return err
	}
	key := dispatch.Key{Kind: models.KindCurrentTime, ID: models.NoID}
	c.table.Register(key, c.owner, h)

	if err := c.send(newRequest(OpReqCurrentTime, requestVersion)); err != nil {
		c.table.Unregister(key)
		return err
	}
	return nil
}

// ReqIDs asks the gateway to re-announce its order id floor. The session
// tracker applies the answer to the allocator.
func (c *Conn) ReqIDs() error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.send(newRequest(OpReqIDs, requestVersion, "1"))
}
