// Package models defines the entities shared by the store and the
// matching engine: accounts, positions, orders and executions.
package models

import "github.com/shopspring/decimal"

// OrderStatus is the lifecycle state of an order. Partially-filled orders
// stay OPEN; there is no separate status for them (remaining shares are
// always derived from executions, never stored).
type OrderStatus string

const (
	OrderOpen     OrderStatus = "OPEN"
	OrderExecuted OrderStatus = "EXECUTED"
	OrderCanceled OrderStatus = "CANCELED"
)

// Side is derived from the sign of an order's amount; it is never stored
// on its own.
type Side int

const (
	Buy Side = iota
	Sell
)

// Account holds a cash balance. Balance must never go negative; the
// engine enforces that at reservation time, not here.
type Account struct {
	ID      string
	Balance decimal.Decimal
}

// Position is the (account, symbol) share balance. Quantity is never
// negative; short positions are forbidden.
type Position struct {
	AccountID string
	Symbol    string
	Quantity  decimal.Decimal
}

// Order is a resting or historical limit order. Amount is signed: positive
// is BUY, negative is SELL, and its magnitude is the original share count.
// Amount is never mutated after insert; remaining shares are always
// |Amount| minus the sum of the order's executions.
type Order struct {
	ID           int64
	AccountID    string
	Symbol       string
	Amount       decimal.Decimal
	LimitPrice   decimal.Decimal
	Status       OrderStatus
	CreationTime int64 // seconds since epoch
	CanceledTime int64 // seconds since epoch; 0 if the order was never canceled
}

// Side reports BUY or SELL from the sign of Amount.
func (o *Order) Side() Side {
	if o.Amount.IsPositive() {
		return Buy
	}
	return Sell
}

// OriginalShares is the unsigned original order size.
func (o *Order) OriginalShares() decimal.Decimal {
	return o.Amount.Abs()
}

// Execution is one matched fill against a single order. Two Execution rows
// are written per trade, one for each side, sharing shares/price/time.
type Execution struct {
	ID       int64
	OrderID  int64
	Shares   decimal.Decimal
	Price    decimal.Decimal
	ExecTime int64
}

// Filled sums an order's executions.
func Filled(executions []Execution) decimal.Decimal {
	total := decimal.Zero
	for _, e := range executions {
		total = total.Add(e.Shares)
	}
	return total
}

// Open returns the remaining open shares for an order given its executions.
func Open(o *Order, executions []Execution) decimal.Decimal {
	return o.OriginalShares().Sub(Filled(executions))
}

// RoundMoney rounds an intermediate monetary computation to 2 decimals,
// half-up. This is the only place rounding happens; every intermediate
// product upstream of a balance write keeps full precision.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
