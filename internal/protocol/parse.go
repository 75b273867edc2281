package protocol

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
)

// ParseError is a connection-scope framing/parse failure (§7): the whole
// frame is rejected before any child is dispatched.
type ParseError struct {
	msg string
}

func (e *ParseError) Error() string { return e.msg }

func parseErrorf(format string, args ...any) error {
	return &ParseError{msg: fmt.Sprintf(format, args...)}
}

type xmlAccount struct {
	ID      string `xml:"id,attr"`
	Balance string `xml:"balance,attr"`
}

type xmlSymbolAccount struct {
	ID       string `xml:"id,attr"`
	Quantity string `xml:",chardata"`
}

type xmlSymbol struct {
	Sym      string             `xml:"sym,attr"`
	Accounts []xmlSymbolAccount `xml:"account"`
}

type xmlOrder struct {
	Sym    string `xml:"sym,attr"`
	Amount string `xml:"amount,attr"`
	Limit  string `xml:"limit,attr"`
}

type xmlCancel struct {
	ID string `xml:"id,attr"`
}

type xmlQuery struct {
	ID string `xml:"id,attr"`
}

// ParseRequest decodes one request frame's payload into a Document,
// preserving child order across heterogeneous sibling element types. A
// struct-tag unmarshal into separate typed slices cannot do this; an
// <account> and a <symbol> interleaved under <create> would lose their
// relative order; so children are walked token by token instead.
func ParseRequest(payload []byte) (*Document, error) {
	dec := xml.NewDecoder(bytes.NewReader(payload))

	root, err := nextStart(dec)
	if err != nil {
		return nil, parseErrorf("malformed request: %v", err)
	}

	doc := &Document{Kind: root.Name.Local}
	switch root.Name.Local {
	case "create":
	case "transactions":
		doc.AccountID = attrOf(root, "id")
	default:
		return nil, parseErrorf("unknown request root <%s>", root.Name.Local)
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, parseErrorf("malformed request: %v", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		child, err := decodeChild(dec, doc.Kind, se)
		if err != nil {
			return nil, parseErrorf("malformed request child <%s>: %v", se.Name.Local, err)
		}
		doc.Children = append(doc.Children, child)
	}

	return doc, nil
}

func decodeChild(dec *xml.Decoder, docKind string, se xml.StartElement) (Child, error) {
	switch se.Name.Local {
	case "account":
		if docKind == "create" {
			var v xmlAccount
			if err := dec.DecodeElement(&v, &se); err != nil {
				return Child{}, err
			}
			return Child{Tag: "account", Account: &AccountSpec{ID: v.ID, Balance: v.Balance}}, nil
		}
	case "symbol":
		var v xmlSymbol
		if err := dec.DecodeElement(&v, &se); err != nil {
			return Child{}, err
		}
		spec := &SymbolSpec{Sym: v.Sym}
		for _, a := range v.Accounts {
			spec.Credits = append(spec.Credits, AccountCredit{ID: a.ID, Quantity: a.Quantity})
		}
		return Child{Tag: "symbol", Symbol: spec}, nil
	case "order":
		var v xmlOrder
		if err := dec.DecodeElement(&v, &se); err != nil {
			return Child{}, err
		}
		return Child{Tag: "order", Order: &OrderSpec{Sym: v.Sym, Amount: v.Amount, Limit: v.Limit}}, nil
	case "cancel":
		var v xmlCancel
		if err := dec.DecodeElement(&v, &se); err != nil {
			return Child{}, err
		}
		return Child{Tag: "cancel", Cancel: &CancelSpec{ID: v.ID}}, nil
	case "query":
		var v xmlQuery
		if err := dec.DecodeElement(&v, &se); err != nil {
			return Child{}, err
		}
		return Child{Tag: "query", Query: &QuerySpec{ID: v.ID}}, nil
	}
	return Child{}, fmt.Errorf("unexpected element <%s> under <%s>", se.Name.Local, docKind)
}

func nextStart(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se, nil
		}
	}
}

func attrOf(se xml.StartElement, name string) string {
	for _, a := range se.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}
