package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"matchbook/internal/models"
	"matchbook/internal/store"

	"github.com/shopspring/decimal"
)

// fakeStore is an in-memory store.Store used to unit-test the matching
// engine's semantics without a live MySQL instance. A single mutex stands
// in for row-level locking: since every engine operation runs inside one
// transaction end to end, holding the mutex for the transaction's whole
// lifetime reproduces the same serialization the real store's row locks
// give the engine, for single-goroutine test scenarios.
type fakeStore struct {
	mu sync.Mutex

	accounts    map[string]*models.Account
	positions   map[string]*models.Position
	orders      map[int64]*models.Order
	executions  map[int64][]models.Execution
	nextOrderID int64
	nextExecID  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts:   make(map[string]*models.Account),
		positions:  make(map[string]*models.Position),
		orders:     make(map[int64]*models.Order),
		executions: make(map[int64][]models.Execution),
	}
}

func posKey(accountID, symbol string) string { return accountID + "/" + symbol }

func (s *fakeStore) Begin(ctx context.Context) (store.Tx, error) {
	s.mu.Lock()
	return &fakeTx{s: s}, nil
}

func (s *fakeStore) Close() error { return nil }

type fakeTx struct {
	s    *fakeStore
	done bool
}

func (t *fakeTx) Commit() error {
	t.done = true
	t.s.mu.Unlock()
	return nil
}

func (t *fakeTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.mu.Unlock()
	return nil
}

func (t *fakeTx) CreateAccount(id string, balance decimal.Decimal) error {
	if _, ok := t.s.accounts[id]; ok {
		return store.ErrAlreadyExists
	}
	t.s.accounts[id] = &models.Account{ID: id, Balance: balance}
	return nil
}

func (t *fakeTx) GetAccountForUpdate(id string) (*models.Account, error) {
	a, ok := t.s.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (t *fakeTx) SetAccountBalance(id string, balance decimal.Decimal) error {
	a, ok := t.s.accounts[id]
	if !ok {
		return fmt.Errorf("no such account %s", id)
	}
	a.Balance = balance
	return nil
}

func (t *fakeTx) GetPositionForUpdate(accountID, symbol string) (*models.Position, error) {
	p, ok := t.s.positions[posKey(accountID, symbol)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (t *fakeTx) UpsertPosition(accountID, symbol string, quantity decimal.Decimal) error {
	t.s.positions[posKey(accountID, symbol)] = &models.Position{
		AccountID: accountID, Symbol: symbol, Quantity: quantity,
	}
	return nil
}

func (t *fakeTx) InsertOrder(o *models.Order) (int64, error) {
	t.s.nextOrderID++
	id := t.s.nextOrderID
	cp := *o
	cp.ID = id
	t.s.orders[id] = &cp
	return id, nil
}

func (t *fakeTx) GetOrderForUpdate(id int64) (*models.Order, error) {
	return t.GetOrder(id)
}

func (t *fakeTx) GetOrder(id int64) (*models.Order, error) {
	o, ok := t.s.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (t *fakeTx) UpdateOrderStatus(id int64, status models.OrderStatus) error {
	o, ok := t.s.orders[id]
	if !ok {
		return fmt.Errorf("no such order %d", id)
	}
	o.Status = status
	return nil
}

func (t *fakeTx) MarkCanceled(id int64, canceledAt int64) error {
	o, ok := t.s.orders[id]
	if !ok {
		return fmt.Errorf("no such order %d", id)
	}
	o.Status = models.OrderCanceled
	o.CanceledTime = canceledAt
	return nil
}

// candidates returns every OPEN order on symbol/side, sorted by price
// priority then time priority then id, matching the store's indexed query.
func (t *fakeTx) candidates(symbol string, side models.Side) []models.Order {
	var out []models.Order
	for _, o := range t.s.orders {
		if o.Symbol != symbol || o.Status != models.OrderOpen {
			continue
		}
		if o.Side() != side {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.LimitPrice.Equal(b.LimitPrice) {
			if side == models.Buy {
				return a.LimitPrice.GreaterThan(b.LimitPrice)
			}
			return a.LimitPrice.LessThan(b.LimitPrice)
		}
		if a.CreationTime != b.CreationTime {
			return a.CreationTime < b.CreationTime
		}
		return a.ID < b.ID
	})
	return out
}

func (t *fakeTx) BestOpposite(symbol string, wantSide models.Side) (*models.Order, error) {
	cands := t.candidates(symbol, wantSide)
	if len(cands) == 0 {
		return nil, store.ErrNotFound
	}
	best := cands[0]
	return &best, nil
}

func (t *fakeTx) OpenOrders(symbol string, side models.Side) ([]models.Order, error) {
	return t.candidates(symbol, side), nil
}

func (t *fakeTx) InsertExecution(orderID int64, shares, price decimal.Decimal, execTime int64) error {
	t.s.nextExecID++
	t.s.executions[orderID] = append(t.s.executions[orderID], models.Execution{
		ID: t.s.nextExecID, OrderID: orderID, Shares: shares, Price: price, ExecTime: execTime,
	})
	return nil
}

func (t *fakeTx) ListExecutions(orderID int64) ([]models.Execution, error) {
	execs := append([]models.Execution(nil), t.s.executions[orderID]...)
	sort.Slice(execs, func(i, j int) bool {
		if execs[i].ExecTime != execs[j].ExecTime {
			return execs[i].ExecTime < execs[j].ExecTime
		}
		return execs[i].ID < execs[j].ID
	})
	return execs, nil
}

func (t *fakeTx) ListSymbolsWithOpenOrders() ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, o := range t.s.orders {
		if o.Status != models.OrderOpen || seen[o.Symbol] {
			continue
		}
		seen[o.Symbol] = true
		out = append(out, o.Symbol)
	}
	sort.Strings(out)
	return out, nil
}

func (t *fakeTx) SumShares(orderID int64) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, e := range t.s.executions[orderID] {
		total = total.Add(e.Shares)
	}
	return total, nil
}
