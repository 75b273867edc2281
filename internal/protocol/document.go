// Package protocol implements the exchange's XML wire documents (§6):
// parsing request frames into ordered child lists, dispatching each child
// to the matching engine, and rendering the aggregated response.
package protocol

// Document is a parsed request frame. Kind is either "create" or
// "transactions"; AccountID is only set for "transactions" (the root's id
// attribute, §6). Children preserves document order.
type Document struct {
	Kind      string
	AccountID string
	Children  []Child
}

// Child is one request-document child element. Exactly one of the typed
// fields is non-nil, selected by Tag.
type Child struct {
	Tag     string // "account", "symbol", "order", "cancel", "query"
	Account *AccountSpec
	Symbol  *SymbolSpec
	Order   *OrderSpec
	Cancel  *CancelSpec
	Query   *QuerySpec
}

// AccountSpec is a <create> child: <account id="..." balance="..."/>.
type AccountSpec struct {
	ID      string
	Balance string
}

// SymbolSpec is a <create> child: <symbol sym="..."> one or more
// <account id="...">QUANTITY</account> credits.
type SymbolSpec struct {
	Sym     string
	Credits []AccountCredit
}

// AccountCredit is one nested <account> credit inside a <symbol> block.
type AccountCredit struct {
	ID       string
	Quantity string
}

// OrderSpec is a <transactions> child: <order sym="..." amount="..." limit="..."/>.
type OrderSpec struct {
	Sym    string
	Amount string
	Limit  string
}

// CancelSpec is a <transactions> child: <cancel id="ORDERID"/>.
type CancelSpec struct {
	ID string
}

// QuerySpec is a <transactions> child: <query id="ORDERID"/>.
type QuerySpec struct {
	ID string
}
