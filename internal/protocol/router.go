package protocol

import (
	"context"
	"strconv"

	"matchbook/internal/models"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Engine is the subset of *engine.Engine the router dispatches to. Kept as
// an interface so router tests can run against a fake without a store.
type Engine interface {
	CreateAccount(ctx context.Context, id string, balance decimal.Decimal) error
	CreditPosition(ctx context.Context, accountID, symbol string, quantity decimal.Decimal) error
	PlaceOrder(ctx context.Context, accountID, symbol string, amount, limitPrice decimal.Decimal) (*models.Order, []models.Execution, error)
	CancelOrder(ctx context.Context, orderID int64) (*models.Order, []models.Execution, error)
	QueryOrder(ctx context.Context, orderID int64) (*models.Order, []models.Execution, error)
	AccountExists(ctx context.Context, id string) (bool, error)
}

// Router dispatches parsed request documents to an Engine and renders
// their results into one aggregated <results> document (§4.2, §9 Open
// Question: this specification standardizes on one <results> per frame).
type Router struct {
	engine Engine
	log    zerolog.Logger
}

func NewRouter(e Engine, log zerolog.Logger) *Router {
	return &Router{engine: e, log: log}
}

// Handle parses one request frame's payload and returns the rendered
// response document, without the trailing wire-framing newline (§6) ;
// the connection handler appends that.
func (r *Router) Handle(ctx context.Context, payload []byte) []byte {
	doc, err := ParseRequest(payload)
	if err != nil {
		r.log.Debug().Err(err).Msg("rejecting malformed request frame")
		top := NewElement("results")
		top.Append(NewElement("error").WithText(err.Error()))
		return Render(top)
	}

	switch doc.Kind {
	case "create":
		return Render(r.handleCreate(ctx, doc))
	case "transactions":
		return Render(r.handleTransactions(ctx, doc))
	default:
		r.log.Debug().Str("root", doc.Kind).Msg("rejecting unsupported request root")
		top := NewElement("results")
		top.Append(NewElement("error").WithText("unsupported request root"))
		return Render(top)
	}
}

func (r *Router) handleCreate(ctx context.Context, doc *Document) *Element {
	results := NewElement("results")

	for _, child := range doc.Children {
		switch child.Tag {
		case "account":
			spec := child.Account
			balance, perr := decimal.NewFromString(spec.Balance)
			if perr != nil {
				results.Append(errElement([]Attr{A("id", spec.ID)}, "malformed balance"))
				continue
			}
			if err := r.engine.CreateAccount(ctx, spec.ID, balance); err != nil {
				results.Append(errFromApp([]Attr{A("id", spec.ID)}, err))
				continue
			}
			results.Append(NewElement("created", A("id", spec.ID)))

		case "symbol":
			spec := child.Symbol
			// Each nested <account> credit becomes its own <created sym
			// id/> result; the response grammar's shape is per-account,
			// not per-<symbol> block.
			for _, credit := range spec.Credits {
				qty, perr := decimal.NewFromString(credit.Quantity)
				if perr != nil {
					results.Append(errElement([]Attr{A("sym", spec.Sym), A("id", credit.ID)}, "malformed quantity"))
					continue
				}
				if err := r.engine.CreditPosition(ctx, credit.ID, spec.Sym, qty); err != nil {
					results.Append(errFromApp([]Attr{A("sym", spec.Sym), A("id", credit.ID)}, err))
					continue
				}
				results.Append(NewElement("created", A("sym", spec.Sym), A("id", credit.ID)))
			}
		}
	}

	return results
}

func (r *Router) handleTransactions(ctx context.Context, doc *Document) *Element {
	results := NewElement("results")

	exists, err := r.engine.AccountExists(ctx, doc.AccountID)
	if err != nil || !exists {
		msg := "account " + doc.AccountID + " not found"
		if err != nil {
			msg = err.Error()
		}
		for _, child := range doc.Children {
			results.Append(unknownAccountError(child, msg))
		}
		return results
	}

	for _, child := range doc.Children {
		switch child.Tag {
		case "order":
			results.Append(r.handleOrder(ctx, doc.AccountID, child.Order))
		case "cancel":
			results.Append(r.handleCancel(ctx, child.Cancel))
		case "query":
			results.Append(r.handleQuery(ctx, child.Query))
		}
	}

	return results
}

func unknownAccountError(child Child, msg string) *Element {
	switch child.Tag {
	case "order":
		return errElement([]Attr{A("sym", child.Order.Sym), A("amount", child.Order.Amount), A("limit", child.Order.Limit)}, msg)
	case "cancel":
		return errElement([]Attr{A("id", child.Cancel.ID)}, msg)
	case "query":
		return errElement([]Attr{A("id", child.Query.ID)}, msg)
	}
	return errElement(nil, msg)
}

func (r *Router) handleOrder(ctx context.Context, accountID string, spec *OrderSpec) *Element {
	attrs := []Attr{A("sym", spec.Sym), A("amount", spec.Amount), A("limit", spec.Limit)}

	amount, aerr := decimal.NewFromString(spec.Amount)
	limit, lerr := decimal.NewFromString(spec.Limit)
	if aerr != nil || lerr != nil {
		return errElement(attrs, "malformed number")
	}

	order, _, err := r.engine.PlaceOrder(ctx, accountID, spec.Sym, amount, limit)
	if err != nil {
		return errFromApp(attrs, err)
	}
	return NewElement("opened",
		A("sym", spec.Sym), A("amount", formatQty(amount)), A("limit", formatMoney(limit)), A("id", formatInt(order.ID)))
}

func (r *Router) handleCancel(ctx context.Context, spec *CancelSpec) *Element {
	attrs := []Attr{A("id", spec.ID)}

	id, perr := strconv.ParseInt(spec.ID, 10, 64)
	if perr != nil {
		return errElement(attrs, "malformed order id")
	}

	order, execs, err := r.engine.CancelOrder(ctx, id)
	if err != nil {
		return errFromApp(attrs, err)
	}

	result := NewElement("canceled", A("id", formatInt(order.ID)))
	for _, e := range execs {
		result.Append(executionElement(e))
	}
	if leftover := models.Open(order, execs); leftover.IsPositive() {
		result.Append(NewElement("canceled", A("shares", formatQty(leftover)), A("time", formatInt(order.CanceledTime))))
	}
	return result
}

func (r *Router) handleQuery(ctx context.Context, spec *QuerySpec) *Element {
	attrs := []Attr{A("id", spec.ID)}

	id, perr := strconv.ParseInt(spec.ID, 10, 64)
	if perr != nil {
		return errElement(attrs, "malformed order id")
	}

	order, execs, err := r.engine.QueryOrder(ctx, id)
	if err != nil {
		return errFromApp(attrs, err)
	}

	result := NewElement("status", A("id", formatInt(order.ID)))
	open := models.Open(order, execs)
	switch {
	case order.Status == models.OrderOpen && open.IsPositive():
		result.Append(NewElement("open", A("shares", formatQty(open))))
	case order.Status == models.OrderCanceled && open.IsPositive():
		result.Append(NewElement("canceled", A("shares", formatQty(open)), A("time", formatInt(order.CanceledTime))))
	}
	for _, e := range execs {
		result.Append(executionElement(e))
	}
	return result
}

func executionElement(e models.Execution) *Element {
	return NewElement("executed",
		A("shares", formatQty(e.Shares)), A("price", formatMoney(e.Price)), A("time", formatInt(e.ExecTime)))
}

func errElement(attrs []Attr, message string) *Element {
	return NewElement("error", attrs...).WithText(message)
}

func errFromApp(attrs []Attr, err error) *Element {
	return errElement(attrs, err.Error())
}
