// Package store defines the transactional contract the matching engine
// requires of a durable backing store (§4.4): row-locked reads, CRUD for
// the four entities, a server-assigned monotonic order id, and the
// indexed "best opposite order" query the matching loop walks.
//
// The engine depends only on this interface, never on database/sql
// directly, so the matching algorithm is testable against an in-memory
// fake (see internal/engine's test files) without a live MySQL instance.
package store

import (
	"context"
	"errors"

	"matchbook/internal/models"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by any row-locked lookup when the row does not
// exist. Engine code maps this to the appropriate apperr.Kind.
var ErrNotFound = errors.New("store: not found")

// ErrAlreadyExists is returned by CreateAccount for a duplicate id.
var ErrAlreadyExists = errors.New("store: already exists")

// Store opens transactions. Implementations must provide isolation
// sufficient to make row-level exclusive locks visible between
// concurrent transactions (read-committed or stronger).
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is a single transactional scope. Every method call happens within
// the same underlying database transaction; Commit or Rollback must be
// called exactly once to release it.
type Tx interface {
	Commit() error
	Rollback() error

	// CreateAccount inserts a new account row. Returns ErrAlreadyExists
	// on a duplicate id.
	CreateAccount(id string, balance decimal.Decimal) error

	// GetAccountForUpdate row-locks and returns the account, or
	// ErrNotFound.
	GetAccountForUpdate(id string) (*models.Account, error)

	// SetAccountBalance writes a new balance for an already-locked
	// account row.
	SetAccountBalance(id string, balance decimal.Decimal) error

	// GetPositionForUpdate row-locks and returns the (account, symbol)
	// position, or ErrNotFound if the row does not exist.
	GetPositionForUpdate(accountID, symbol string) (*models.Position, error)

	// UpsertPosition sets the absolute quantity for (account, symbol),
	// creating the row if it is absent.
	UpsertPosition(accountID, symbol string, quantity decimal.Decimal) error

	// InsertOrder persists a new OPEN order and assigns its monotonic id.
	InsertOrder(o *models.Order) (int64, error)

	// GetOrderForUpdate row-locks and returns an order by id, or
	// ErrNotFound.
	GetOrderForUpdate(id int64) (*models.Order, error)

	// GetOrder returns an order by id without taking a row lock, for the
	// read-only query path. Returns ErrNotFound if absent.
	GetOrder(id int64) (*models.Order, error)

	// UpdateOrderStatus persists a status transition for an
	// already-locked order row. Must not be used for the CANCELED
	// transition; use MarkCanceled so the cancellation time is recorded.
	UpdateOrderStatus(id int64, status models.OrderStatus) error

	// MarkCanceled transitions an already-locked order row to CANCELED
	// and records the cancellation time, which the query response needs
	// to render a <canceled shares time/> child (§6).
	MarkCanceled(id int64, canceledAt int64) error

	// BestOpposite row-locks and returns the best resting order on
	// wantSide for symbol, ordered by price priority then time priority
	// then order id (§4.1.4 step 1). Returns ErrNotFound if the book side
	// is empty.
	BestOpposite(symbol string, wantSide models.Side) (*models.Order, error)

	// InsertExecution appends one execution row for an order.
	InsertExecution(orderID int64, shares, price decimal.Decimal, execTime int64) error

	// ListExecutions returns an order's executions in ascending exec_time,
	// then ascending id on a time tie.
	ListExecutions(orderID int64) ([]models.Execution, error)

	// SumShares aggregates Σ executions(order).shares.
	SumShares(orderID int64) (decimal.Decimal, error)

	// OpenOrders returns every OPEN order on the given side of symbol, in
	// the same priority order as BestOpposite, without taking row locks.
	// Used only for the transient order-book snapshot (§3 "no in-memory
	// book is kept"; this is a fresh read per call, never cached).
	OpenOrders(symbol string, side models.Side) ([]models.Order, error)

	// ListSymbolsWithOpenOrders returns the distinct set of symbols that
	// currently have at least one OPEN order, for the startup recovery
	// log (no symbol registry exists independently of orders).
	ListSymbolsWithOpenOrders() ([]string, error)
}
