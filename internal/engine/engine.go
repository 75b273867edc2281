// Package engine implements the matching engine: order admission and
// reservation, the price-time-priority matching loop, cancellation and
// query semantics. Every operation executes inside a single store
// transaction that the engine itself owns (§4.1); callers never see a
// transaction handle.
package engine

import (
	"context"
	"errors"
	"time"

	"matchbook/internal/apperr"
	"matchbook/internal/models"
	"matchbook/internal/store"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// defaultMaxRetries bounds the number of times the engine retries a
// transaction after a storage serialization conflict before surfacing a
// StorageError to the caller (§4.1.5).
const defaultMaxRetries = 3

// Engine is the matching engine. It holds no order-book state of its own;
// every state transition reads and writes through store.Store.
type Engine struct {
	store      store.Store
	maxRetries int
	log        zerolog.Logger
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger attaches a zerolog.Logger the engine uses for retry
// diagnostics. Defaults to a disabled logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMaxRetries overrides the bounded storage-retry count.
func WithMaxRetries(n int) Option {
	return func(e *Engine) { e.maxRetries = n }
}

// New constructs an Engine over the given store.
func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:      st,
		maxRetries: defaultMaxRetries,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// withTx runs fn inside a store transaction, committing on success and
// rolling back on any error or panic. A storage-layer serialization
// conflict (deadlock / lock-wait-timeout) is retried up to maxRetries
// times before the wrapped error is returned to the caller.
func (e *Engine) withTx(ctx context.Context, fn func(tx store.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		tx, err := e.store.Begin(ctx)
		if err != nil {
			return apperr.Wrap(apperr.StorageError, err, "begin transaction")
		}

		committed := false
		runErr := func() (runErr error) {
			defer func() {
				if r := recover(); r != nil {
					tx.Rollback()
					panic(r)
				}
				if !committed {
					tx.Rollback()
				}
			}()
			if err := fn(tx); err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return apperr.Wrap(apperr.StorageError, err, "commit transaction")
			}
			committed = true
			return nil
		}()

		if runErr == nil {
			return nil
		}
		lastErr = runErr

		var appErr *apperr.Error
		retryable := apperr.As(runErr, &appErr) && appErr.Kind == apperr.StorageError &&
			appErr.Cause != nil && store.IsRetryable(appErr.Cause)
		if retryable && attempt < e.maxRetries {
			e.log.Warn().Int("attempt", attempt+1).Err(runErr).Msg("retrying after storage conflict")
			continue
		}
		return runErr
	}
	return lastErr
}

// PlaceOrder admits a new order, reserves the required cash or shares,
// inserts it OPEN, walks the matching loop against it, and finalizes its
// status (§4.1.1).
func (e *Engine) PlaceOrder(ctx context.Context, accountID, symbol string, amount, limitPrice decimal.Decimal) (*models.Order, []models.Execution, error) {
	if amount.IsZero() {
		return nil, nil, apperr.New(apperr.InvalidRequest, "amount must be nonzero")
	}
	if !limitPrice.IsPositive() {
		return nil, nil, apperr.New(apperr.InvalidRequest, "limit price must be positive")
	}

	var result *models.Order
	var execs []models.Execution

	err := e.withTx(ctx, func(tx store.Tx) error {
		side := models.Buy
		if amount.IsNegative() {
			side = models.Sell
		}
		shares := amount.Abs()

		acct, err := tx.GetAccountForUpdate(accountID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.New(apperr.UnknownAccount, "account %s not found", accountID)
			}
			return apperr.Wrap(apperr.StorageError, err, "lookup account %s", accountID)
		}

		if side == models.Buy {
			required := models.RoundMoney(shares.Mul(limitPrice))
			if acct.Balance.LessThan(required) {
				return apperr.New(apperr.InsufficientFunds, "account %s balance %s below required %s", accountID, acct.Balance, required)
			}
			if err := tx.SetAccountBalance(accountID, acct.Balance.Sub(required)); err != nil {
				return apperr.Wrap(apperr.StorageError, err, "debit account %s", accountID)
			}
		} else {
			pos, err := tx.GetPositionForUpdate(accountID, symbol)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return apperr.New(apperr.InsufficientShares, "account %s holds no %s position", accountID, symbol)
				}
				return apperr.Wrap(apperr.StorageError, err, "lookup position %s/%s", accountID, symbol)
			}
			if pos.Quantity.LessThan(shares) {
				return apperr.New(apperr.InsufficientShares, "account %s holds %s %s, needs %s", accountID, pos.Quantity, symbol, shares)
			}
			if err := tx.UpsertPosition(accountID, symbol, pos.Quantity.Sub(shares)); err != nil {
				return apperr.Wrap(apperr.StorageError, err, "debit position %s/%s", accountID, symbol)
			}
		}

		order := &models.Order{
			AccountID:    accountID,
			Symbol:       symbol,
			Amount:       amount,
			LimitPrice:   limitPrice,
			Status:       models.OrderOpen,
			CreationTime: time.Now().Unix(),
		}
		id, err := tx.InsertOrder(order)
		if err != nil {
			return apperr.Wrap(apperr.StorageError, err, "insert order")
		}
		order.ID = id

		if err := e.match(tx, order); err != nil {
			return err
		}

		executions, err := tx.ListExecutions(order.ID)
		if err != nil {
			return apperr.Wrap(apperr.StorageError, err, "list executions for order %d", order.ID)
		}
		if models.Filled(executions).Equal(order.OriginalShares()) {
			if err := tx.UpdateOrderStatus(order.ID, models.OrderExecuted); err != nil {
				return apperr.Wrap(apperr.StorageError, err, "finalize order %d", order.ID)
			}
			order.Status = models.OrderExecuted
		}

		result = order
		execs = executions
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return result, execs, nil
}

// CancelOrder transitions an OPEN order to CANCELED and refunds the
// reservation for its unfilled leftover only (§4.1.2). Already-filled
// shares are never reversed.
func (e *Engine) CancelOrder(ctx context.Context, orderID int64) (*models.Order, []models.Execution, error) {
	var result *models.Order
	var execs []models.Execution

	err := e.withTx(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrderForUpdate(orderID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.New(apperr.UnknownOrder, "order %d not found", orderID)
			}
			return apperr.Wrap(apperr.StorageError, err, "lookup order %d", orderID)
		}
		if order.Status != models.OrderOpen {
			return apperr.New(apperr.NotCancellable, "order %d is %s, not OPEN", orderID, order.Status)
		}

		executions, err := tx.ListExecutions(orderID)
		if err != nil {
			return apperr.Wrap(apperr.StorageError, err, "list executions for order %d", orderID)
		}
		leftover := models.Open(order, executions)

		if leftover.IsPositive() {
			if order.Side() == models.Buy {
				acct, err := tx.GetAccountForUpdate(order.AccountID)
				if err != nil {
					return apperr.Wrap(apperr.StorageError, err, "lookup account %s", order.AccountID)
				}
				refund := models.RoundMoney(leftover.Mul(order.LimitPrice))
				if err := tx.SetAccountBalance(order.AccountID, acct.Balance.Add(refund)); err != nil {
					return apperr.Wrap(apperr.StorageError, err, "credit account %s", order.AccountID)
				}
			} else {
				pos, err := tx.GetPositionForUpdate(order.AccountID, order.Symbol)
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					return apperr.Wrap(apperr.StorageError, err, "lookup position %s/%s", order.AccountID, order.Symbol)
				}
				current := decimal.Zero
				if pos != nil {
					current = pos.Quantity
				}
				if err := tx.UpsertPosition(order.AccountID, order.Symbol, current.Add(leftover)); err != nil {
					return apperr.Wrap(apperr.StorageError, err, "credit position %s/%s", order.AccountID, order.Symbol)
				}
			}
		}

		now := time.Now().Unix()
		if err := tx.MarkCanceled(orderID, now); err != nil {
			return apperr.Wrap(apperr.StorageError, err, "cancel order %d", orderID)
		}
		order.Status = models.OrderCanceled
		order.CanceledTime = now

		result = order
		execs = executions
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return result, execs, nil
}

// QueryOrder returns an order's status, open shares and executions
// without mutating anything (§4.1.3).
func (e *Engine) QueryOrder(ctx context.Context, orderID int64) (*models.Order, []models.Execution, error) {
	var result *models.Order
	var execs []models.Execution

	err := e.withTx(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrder(orderID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.New(apperr.UnknownOrder, "order %d not found", orderID)
			}
			return apperr.Wrap(apperr.StorageError, err, "lookup order %d", orderID)
		}
		executions, err := tx.ListExecutions(orderID)
		if err != nil {
			return apperr.Wrap(apperr.StorageError, err, "list executions for order %d", orderID)
		}
		result = order
		execs = executions
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return result, execs, nil
}

// CreateAccount provisions a new account with an initial balance.
func (e *Engine) CreateAccount(ctx context.Context, id string, balance decimal.Decimal) error {
	return e.withTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateAccount(id, balance); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				return apperr.New(apperr.InvalidRequest, "account %s already exists", id)
			}
			return apperr.Wrap(apperr.StorageError, err, "create account %s", id)
		}
		return nil
	})
}

// Symbols returns the distinct symbols with at least one OPEN order, for
// the startup recovery log (§3's "supplemented features"; this is a
// one-shot read, not a cached book).
func (e *Engine) Symbols(ctx context.Context) ([]string, error) {
	var symbols []string
	err := e.withTx(ctx, func(tx store.Tx) error {
		s, err := tx.ListSymbolsWithOpenOrders()
		if err != nil {
			return apperr.Wrap(apperr.StorageError, err, "list symbols")
		}
		symbols = s
		return nil
	})
	return symbols, err
}

// AccountExists reports whether an account row exists. It reads the row in
// its own short transaction through GetAccountForUpdate, so the row lock is
// held only until that transaction commits. The router uses this to short-circuit an entire transactions batch when
// its id attribute names an unknown account (§4.2).
func (e *Engine) AccountExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := e.withTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetAccountForUpdate(id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				exists = false
				return nil
			}
			return apperr.Wrap(apperr.StorageError, err, "lookup account %s", id)
		}
		exists = true
		return nil
	})
	return exists, err
}

// CreditPosition credits shares of symbol to an existing account,
// creating the position row if it is absent (§6 <symbol> provisioning).
func (e *Engine) CreditPosition(ctx context.Context, accountID, symbol string, quantity decimal.Decimal) error {
	return e.withTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetAccountForUpdate(accountID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.New(apperr.UnknownAccount, "account %s not found", accountID)
			}
			return apperr.Wrap(apperr.StorageError, err, "lookup account %s", accountID)
		}
		pos, err := tx.GetPositionForUpdate(accountID, symbol)
		current := decimal.Zero
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return apperr.Wrap(apperr.StorageError, err, "lookup position %s/%s", accountID, symbol)
			}
		} else {
			current = pos.Quantity
		}
		if err := tx.UpsertPosition(accountID, symbol, current.Add(quantity)); err != nil {
			return apperr.Wrap(apperr.StorageError, err, "credit position %s/%s", accountID, symbol)
		}
		return nil
	})
}
