package engine

import (
	"context"

	"matchbook/internal/apperr"
	"matchbook/internal/models"
	"matchbook/internal/store"

	rbt "github.com/emirpasic/gods/v2/trees/redblacktree"
	"github.com/shopspring/decimal"
)

// Level is one aggregated price level in a book snapshot.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Snapshot is a point-in-time view of a symbol's book, built fresh from a
// single Store read and never cached; the engine keeps no in-memory book
// (§3 "Ownership"). Its only caller is the startup book-state log in
// cmd/server; it has no bearing on matching.
type Snapshot struct {
	Symbol string
	Bids   []Level // best (highest) first
	Asks   []Level // best (lowest) first
}

// centsKey converts a price to an integer cents key so it can sit in an
// ordered tree without float comparison surprises; monetary values are
// always 2-decimal exact, so this conversion is lossless.
func centsKey(price decimal.Decimal) int64 {
	return price.Shift(2).Round(0).IntPart()
}

// aggregate groups open orders by price into a gods/v2 red-black tree
// ordered by price, ascending or descending per the ascending flag, then
// flattens it to a Level slice,
// truncated to depth. The tree is built and discarded within this call ;
// nothing from it survives past the return.
func aggregate(orders []models.Order, ascending bool, depth int) []Level {
	cmp := func(a, b int64) int {
		switch {
		case a < b:
			if ascending {
				return -1
			}
			return 1
		case a > b:
			if ascending {
				return 1
			}
			return -1
		default:
			return 0
		}
	}
	tree := rbt.NewWith[int64, *Level](cmp)

	for _, o := range orders {
		key := centsKey(o.LimitPrice)
		lvl, found := tree.Get(key)
		if !found {
			lvl = &Level{Price: o.LimitPrice}
			tree.Put(key, lvl)
		}
		// Order's remaining shares aren't known without its executions;
		// the snapshot is best-effort and counts every order at its
		// original size, not its remaining open shares, which only
		// matters for operator diagnostics, never for matching.
		lvl.Quantity = lvl.Quantity.Add(o.OriginalShares())
	}

	keys := tree.Keys()
	levels := make([]Level, 0, len(keys))
	for _, k := range keys {
		lvl, _ := tree.Get(k)
		levels = append(levels, *lvl)
		if depth > 0 && len(levels) >= depth {
			break
		}
	}
	return levels
}

// Snapshot builds a transient aggregated view of symbol's open book, up
// to depth levels per side (0 = unlimited).
func (e *Engine) Snapshot(ctx context.Context, symbol string, depth int) (*Snapshot, error) {
	var snap *Snapshot
	err := e.withTx(ctx, func(tx store.Tx) error {
		bids, err := tx.OpenOrders(symbol, models.Buy)
		if err != nil {
			return apperr.Wrap(apperr.StorageError, err, "list open bids")
		}
		asks, err := tx.OpenOrders(symbol, models.Sell)
		if err != nil {
			return apperr.Wrap(apperr.StorageError, err, "list open asks")
		}
		snap = &Snapshot{
			Symbol: symbol,
			Bids:   aggregate(bids, false, depth),
			Asks:   aggregate(asks, true, depth),
		}
		return nil
	})
	return snap, err
}
