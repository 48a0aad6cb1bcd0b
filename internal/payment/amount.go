package payment

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is a gateway-reported amount in minor units. Gateways send it as
// an integer (2100), a decimal in major units (21.00) or either one as a
// string. Anything unparsable decodes to zero, which callers treat as
// "not reported".
type Amount int64

func (a *Amount) UnmarshalJSON(b []byte) error {
	*a = 0
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return nil
	}
	if strings.ContainsAny(s, ".eE") {
		d = d.Shift(2).Round(0)
	}
	*a = Amount(d.IntPart())
	return nil
}

func (a Amount) Cents() int64 { return int64(a) }
