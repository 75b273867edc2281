package engine

import (
	"context"
	"testing"

	"matchbook/internal/apperr"
	"matchbook/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return New(newFakeStore())
}

func seedAccount(t *testing.T, e *Engine, id, balance string) {
	t.Helper()
	require.NoError(t, e.CreateAccount(context.Background(), id, d(balance)))
}

func seedPosition(t *testing.T, e *Engine, id, symbol, qty string) {
	t.Helper()
	require.NoError(t, e.CreditPosition(context.Background(), id, symbol, d(qty)))
}

// S1: full fill, buyer crosses up.
func TestScenario_FullFillBuyerCrossesUp(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	seedAccount(t, e, "S", "5000")
	seedPosition(t, e, "S", "TEST", "200")
	seedAccount(t, e, "B", "10000")

	sellOrder, _, err := e.PlaceOrder(ctx, "S", "TEST", d("-100"), d("45"))
	require.NoError(t, err)

	buyOrder, buyExecs, err := e.PlaceOrder(ctx, "B", "TEST", d("100"), d("50"))
	require.NoError(t, err)

	require.Len(t, buyExecs, 1)
	require.True(t, buyExecs[0].Shares.Equal(d("100")))
	require.True(t, buyExecs[0].Price.Equal(d("45")))

	bAcct, err := beginAndGetAccount(e, "B")
	require.NoError(t, err)
	require.True(t, bAcct.Balance.Equal(d("5500")), "buyer balance: %s", bAcct.Balance)

	bPos, err := beginAndGetPosition(e, "B", "TEST")
	require.NoError(t, err)
	require.True(t, bPos.Quantity.Equal(d("100")))

	sAcct, err := beginAndGetAccount(e, "S")
	require.NoError(t, err)
	require.True(t, sAcct.Balance.Equal(d("9500")), "seller balance: %s", sAcct.Balance)

	sPos, err := beginAndGetPosition(e, "S", "TEST")
	require.NoError(t, err)
	require.True(t, sPos.Quantity.Equal(d("100")))

	require.Equal(t, "EXECUTED", string(buyOrder.Status))
	sellFinal, _, err := e.QueryOrder(ctx, sellOrder.ID)
	require.NoError(t, err)
	require.Equal(t, "EXECUTED", string(sellFinal.Status))
}

// S2: cancel a BUY with no fills refunds the full reservation.
func TestScenario_CancelBuyNoFills(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	seedAccount(t, e, "B", "8000")

	order, _, err := e.PlaceOrder(ctx, "B", "TEST", d("100"), d("60"))
	require.NoError(t, err)

	acct, err := beginAndGetAccount(e, "B")
	require.NoError(t, err)
	require.True(t, acct.Balance.Equal(d("2000")))

	canceled, _, err := e.CancelOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, "CANCELED", string(canceled.Status))
	require.NotZero(t, canceled.CanceledTime)

	acct, err = beginAndGetAccount(e, "B")
	require.NoError(t, err)
	require.True(t, acct.Balance.Equal(d("8000")))

	q, execs, err := e.QueryOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Empty(t, execs)
	require.True(t, models.Open(q, execs).Equal(d("100")))
}

// S3: cancel a SELL with no fills restores the reserved shares.
func TestScenario_CancelSellNoFills(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	seedAccount(t, e, "S", "0")
	seedPosition(t, e, "S", "TEST", "200")

	order, _, err := e.PlaceOrder(ctx, "S", "TEST", d("-100"), d("40"))
	require.NoError(t, err)

	pos, err := beginAndGetPosition(e, "S", "TEST")
	require.NoError(t, err)
	require.True(t, pos.Quantity.Equal(d("100")))

	_, _, err = e.CancelOrder(ctx, order.ID)
	require.NoError(t, err)

	pos, err = beginAndGetPosition(e, "S", "TEST")
	require.NoError(t, err)
	require.True(t, pos.Quantity.Equal(d("200")))
}

// S4: partial fill leaves the incoming buy OPEN with a partial refund.
func TestScenario_PartialFillIncomingStaysOpen(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	seedAccount(t, e, "S", "0")
	seedPosition(t, e, "S", "TEST", "50")
	seedAccount(t, e, "B", "10000")

	_, _, err := e.PlaceOrder(ctx, "S", "TEST", d("-50"), d("45"))
	require.NoError(t, err)

	buyOrder, execs, err := e.PlaceOrder(ctx, "B", "TEST", d("100"), d("50"))
	require.NoError(t, err)

	require.Len(t, execs, 1)
	require.True(t, execs[0].Shares.Equal(d("50")))
	require.True(t, execs[0].Price.Equal(d("45")))

	require.Equal(t, "OPEN", string(buyOrder.Status))

	_, fullExecs, err := e.QueryOrder(ctx, buyOrder.ID)
	require.NoError(t, err)
	require.True(t, models.Open(buyOrder, fullExecs).Equal(d("50")))

	acct, err := beginAndGetAccount(e, "B")
	require.NoError(t, err)
	require.True(t, acct.Balance.Equal(d("5250")), "buyer balance: %s", acct.Balance)
}

// S5: a buy sweeps three price levels in price priority order.
func TestScenario_MultiLevelWalk(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	seedAccount(t, e, "S1", "0")
	seedPosition(t, e, "S1", "TEST", "80")
	seedAccount(t, e, "S2", "0")
	seedPosition(t, e, "S2", "TEST", "100")
	seedAccount(t, e, "S3", "0")
	seedPosition(t, e, "S3", "TEST", "50")
	seedAccount(t, e, "B", "15000")

	_, _, err := e.PlaceOrder(ctx, "S1", "TEST", d("-80"), d("45"))
	require.NoError(t, err)
	_, _, err = e.PlaceOrder(ctx, "S2", "TEST", d("-100"), d("48"))
	require.NoError(t, err)
	_, _, err = e.PlaceOrder(ctx, "S3", "TEST", d("-50"), d("47"))
	require.NoError(t, err)

	buyOrder, execs, err := e.PlaceOrder(ctx, "B", "TEST", d("250"), d("50"))
	require.NoError(t, err)

	require.Len(t, execs, 3)
	require.True(t, execs[0].Shares.Equal(d("80")))
	require.True(t, execs[0].Price.Equal(d("45")))
	require.True(t, execs[1].Shares.Equal(d("50")))
	require.True(t, execs[1].Price.Equal(d("47")))
	require.True(t, execs[2].Shares.Equal(d("100")))
	require.True(t, execs[2].Price.Equal(d("48")))

	require.Equal(t, "OPEN", string(buyOrder.Status))
	require.True(t, models.Open(buyOrder, execs).Equal(d("20")))

	acct, err := beginAndGetAccount(e, "B")
	require.NoError(t, err)
	require.True(t, acct.Balance.Equal(d("3250")), "buyer balance: %s", acct.Balance)
}

// S6: non-crossing orders both stay OPEN with no executions.
func TestScenario_NonCrossing(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	seedAccount(t, e, "S", "0")
	seedPosition(t, e, "S", "TEST", "100")
	seedAccount(t, e, "B", "10000")

	sellOrder, _, err := e.PlaceOrder(ctx, "S", "TEST", d("-100"), d("45"))
	require.NoError(t, err)

	buyOrder, execs, err := e.PlaceOrder(ctx, "B", "TEST", d("100"), d("40"))
	require.NoError(t, err)

	require.Empty(t, execs)
	require.Equal(t, "OPEN", string(buyOrder.Status))
	require.Equal(t, "OPEN", string(sellOrder.Status))

	acct, err := beginAndGetAccount(e, "B")
	require.NoError(t, err)
	require.True(t, acct.Balance.Equal(d("6000")))
}

func TestPlaceOrder_UnknownAccount(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	_, _, err := e.PlaceOrder(ctx, "ghost", "TEST", d("10"), d("5"))
	require.Equal(t, apperr.UnknownAccount, apperr.KindOf(err))
}

func TestPlaceOrder_InsufficientFunds(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	seedAccount(t, e, "B", "10")
	_, _, err := e.PlaceOrder(ctx, "B", "TEST", d("10"), d("5"))
	require.Equal(t, apperr.InsufficientFunds, apperr.KindOf(err))
}

func TestPlaceOrder_InsufficientShares(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	seedAccount(t, e, "S", "0")
	_, _, err := e.PlaceOrder(ctx, "S", "TEST", d("-10"), d("5"))
	require.Equal(t, apperr.InsufficientShares, apperr.KindOf(err))
}

func TestPlaceOrder_InvalidRequest(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	seedAccount(t, e, "B", "1000")

	_, _, err := e.PlaceOrder(ctx, "B", "TEST", d("0"), d("5"))
	require.Equal(t, apperr.InvalidRequest, apperr.KindOf(err))

	_, _, err = e.PlaceOrder(ctx, "B", "TEST", d("10"), d("0"))
	require.Equal(t, apperr.InvalidRequest, apperr.KindOf(err))
}

func TestCancelOrder_NotCancellableAfterFill(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	seedAccount(t, e, "S", "0")
	seedPosition(t, e, "S", "TEST", "10")
	seedAccount(t, e, "B", "1000")

	sellOrder, _, err := e.PlaceOrder(ctx, "S", "TEST", d("-10"), d("50"))
	require.NoError(t, err)
	_, _, err = e.PlaceOrder(ctx, "B", "TEST", d("10"), d("50"))
	require.NoError(t, err)

	_, _, err = e.CancelOrder(ctx, sellOrder.ID)
	require.Equal(t, apperr.NotCancellable, apperr.KindOf(err))
}

func TestCancelOrder_Unknown(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	_, _, err := e.CancelOrder(ctx, 999)
	require.Equal(t, apperr.UnknownOrder, apperr.KindOf(err))
}

// Invariant 7: place -> query before any match reports open=|amount|,
// status OPEN, no executions.
func TestInvariant_RoundTripBeforeMatch(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	seedAccount(t, e, "B", "1000")

	order, _, err := e.PlaceOrder(ctx, "B", "TEST", d("10"), d("50"))
	require.NoError(t, err)

	queried, execs, err := e.QueryOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, "OPEN", string(queried.Status))
	require.Empty(t, execs)
	require.True(t, models.Open(queried, execs).Equal(d("10")))
}

// beginAndGetAccount/beginAndGetPosition are tiny read helpers over the
// engine's own store handle, used only so tests can assert on account and
// position state without duplicating the engine's transaction plumbing.
func beginAndGetAccount(e *Engine, id string) (*accountView, error) {
	tx, err := e.store.Begin(context.Background())
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	a, err := tx.GetAccountForUpdate(id)
	if err != nil {
		return nil, err
	}
	return &accountView{Balance: a.Balance}, nil
}

func beginAndGetPosition(e *Engine, id, symbol string) (*positionView, error) {
	tx, err := e.store.Begin(context.Background())
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	p, err := tx.GetPositionForUpdate(id, symbol)
	if err != nil {
		return nil, err
	}
	return &positionView{Quantity: p.Quantity}, nil
}

type accountView struct{ Balance decimal.Decimal }
type positionView struct{ Quantity decimal.Decimal }
