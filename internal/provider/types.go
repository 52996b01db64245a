package provider

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Shift is the provider's grouping of cash documents for an operating period.
type Shift struct {
	ID       string `json:"id"`
	OpenDate string `json:"openDate"`
}

// CashDocRef is a cash document listed under a shift.
type CashDocRef struct {
	ID string `json:"id"`
}

// CashDoc is the full detail of one cash-register settlement event.
type CashDoc struct {
	ID            string     `json:"id"`
	ShiftDocID    string     `json:"shiftDocId"`
	BeginDateTime string     `json:"beginDateTime"`
	CashierName   string     `json:"cashierName"`
	Positions     []Position `json:"positions"`
}

// Position is one raw product line of a cash document. The provider is
// known to ship numbers both as JSON numbers and as quoted strings.
type Position struct {
	Name     string `json:"name"`
	Quantity Number `json:"quantity"`
	Sum      Number `json:"sum"`
	Discount Number `json:"discountSum"`
}

// Number coerces loosely typed provider values to float64. Unparsable or
// absent values become 0 so one bad position cannot discard a whole
// document's aggregation.
type Number float64

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			*n = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			*n = 0
			return nil
		}
		*n = Number(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		*n = 0
		return nil
	}
	*n = Number(v)
	return nil
}
