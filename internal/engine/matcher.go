package engine

import (
	"errors"
	"time"

	"matchbook/internal/apperr"
	"matchbook/internal/models"
	"matchbook/internal/store"

	"github.com/shopspring/decimal"
)

// match walks the opposite side of incoming.Symbol's book, filling
// incoming against the best resting counterparty at each step, until
// incoming is fully filled or no more resting order crosses it (§4.1.4).
//
// incoming has already been inserted OPEN by the caller; this function
// only appends executions and settles balances/positions/counterparty
// status. It never sets incoming's own status; the caller finalizes
// that once after the loop, from the persisted executions, so there is
// exactly one settlement per fill per side (§9 design note: the source's
// double-payout-on-full-fill behavior is not reproduced).
func (e *Engine) match(tx store.Tx, incoming *models.Order) error {
	incomingSide := incoming.Side()
	oppositeSide := models.Sell
	if incomingSide == models.Sell {
		oppositeSide = models.Buy
	}

	remaining := incoming.OriginalShares()

	for remaining.IsPositive() {
		counter, err := tx.BestOpposite(incoming.Symbol, oppositeSide)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return apperr.Wrap(apperr.StorageError, err, "lookup best opposite order for %s", incoming.Symbol)
		}

		var buyLimit, sellLimit decimal.Decimal
		if incomingSide == models.Buy {
			buyLimit, sellLimit = incoming.LimitPrice, counter.LimitPrice
		} else {
			buyLimit, sellLimit = counter.LimitPrice, incoming.LimitPrice
		}
		if sellLimit.GreaterThan(buyLimit) {
			return nil // no crossing possible; no later resting order can cross either
		}

		// incoming was just inserted this transaction, so the counterparty
		// is always the earlier (resting) order and sets the price.
		execPrice := counter.LimitPrice

		counterExecs, err := tx.ListExecutions(counter.ID)
		if err != nil {
			return apperr.Wrap(apperr.StorageError, err, "list executions for order %d", counter.ID)
		}
		counterOpen := models.Open(counter, counterExecs)
		if !counterOpen.IsPositive() {
			return apperr.New(apperr.StorageError, "resting order %d is OPEN with no open shares", counter.ID)
		}

		quantity := remaining
		if counterOpen.LessThan(quantity) {
			quantity = counterOpen
		}
		now := time.Now().Unix()

		if err := tx.InsertExecution(incoming.ID, quantity, execPrice, now); err != nil {
			return apperr.Wrap(apperr.StorageError, err, "insert execution for order %d", incoming.ID)
		}
		if err := tx.InsertExecution(counter.ID, quantity, execPrice, now); err != nil {
			return apperr.Wrap(apperr.StorageError, err, "insert execution for order %d", counter.ID)
		}

		if err := e.settle(tx, incoming, counter, incomingSide, quantity, execPrice); err != nil {
			return err
		}

		if counterOpen.Sub(quantity).IsZero() {
			if err := tx.UpdateOrderStatus(counter.ID, models.OrderExecuted); err != nil {
				return apperr.Wrap(apperr.StorageError, err, "finalize order %d", counter.ID)
			}
		}

		remaining = remaining.Sub(quantity)
	}
	return nil
}

// settle applies the per-side post-fill settlement for one matched
// quantity at one price (§4.1.4 step 7): the buyer is credited shares and
// refunded the spread between their limit and the execution price; the
// seller is credited the proceeds. Exactly one of incoming/counter is the
// buyer.
func (e *Engine) settle(tx store.Tx, incoming, counter *models.Order, incomingSide models.Side, quantity, execPrice decimal.Decimal) error {
	var buyerAccount, sellerAccount, symbol string
	var buyerLimit decimal.Decimal

	if incomingSide == models.Buy {
		buyerAccount, buyerLimit = incoming.AccountID, incoming.LimitPrice
		sellerAccount = counter.AccountID
	} else {
		buyerAccount, buyerLimit = counter.AccountID, counter.LimitPrice
		sellerAccount = incoming.AccountID
	}
	symbol = incoming.Symbol

	buyerAcct, err := tx.GetAccountForUpdate(buyerAccount)
	if err != nil {
		return apperr.Wrap(apperr.StorageError, err, "lookup buyer account %s", buyerAccount)
	}
	refund := models.RoundMoney(quantity.Mul(buyerLimit.Sub(execPrice)))
	if refund.IsPositive() {
		if err := tx.SetAccountBalance(buyerAccount, buyerAcct.Balance.Add(refund)); err != nil {
			return apperr.Wrap(apperr.StorageError, err, "refund buyer account %s", buyerAccount)
		}
	}

	buyerPos, err := tx.GetPositionForUpdate(buyerAccount, symbol)
	current := decimal.Zero
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return apperr.Wrap(apperr.StorageError, err, "lookup buyer position %s/%s", buyerAccount, symbol)
		}
	} else {
		current = buyerPos.Quantity
	}
	if err := tx.UpsertPosition(buyerAccount, symbol, current.Add(quantity)); err != nil {
		return apperr.Wrap(apperr.StorageError, err, "credit buyer position %s/%s", buyerAccount, symbol)
	}

	sellerAcct, err := tx.GetAccountForUpdate(sellerAccount)
	if err != nil {
		return apperr.Wrap(apperr.StorageError, err, "lookup seller account %s", sellerAccount)
	}
	proceeds := models.RoundMoney(quantity.Mul(execPrice))
	if err := tx.SetAccountBalance(sellerAccount, sellerAcct.Balance.Add(proceeds)); err != nil {
		return apperr.Wrap(apperr.StorageError, err, "credit seller account %s", sellerAccount)
	}

	return nil
}
