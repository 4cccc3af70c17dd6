package record

import (
	"bytes"
	"encoding/json"
	"math/big"
	"strings"
)

// NormalizeName folds case and surrounding whitespace.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NormalizeAccountType folds an account type label ("Cash", " cash ") to one key.
func NormalizeAccountType(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

// NormalizeVIN upper-cases a VIN and drops surrounding whitespace.
func NormalizeVIN(vin string) string {
	return strings.ToUpper(strings.TrimSpace(vin))
}

// NormalizePhone trims a phone number. Formatting inside the number is kept
// as entered.
func NormalizePhone(phone string) string {
	return strings.TrimSpace(phone)
}

// Decimal is a money amount carried as its decimal string. The empty value
// means "no amount" and encodes as null.
type Decimal string

// UnmarshalJSON accepts a JSON string, a JSON number or null.
func (d *Decimal) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*d = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*d = Decimal(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*d = Decimal(n.String())
	return nil
}

// MarshalJSON writes the amount as a string.
func (d Decimal) MarshalJSON() ([]byte, error) {
	if d == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(d))
}

// IsZero reports whether the amount is absent, unparsable or equal to zero.
func (d Decimal) IsZero() bool {
	r, ok := new(big.Rat).SetString(string(d))
	if !ok {
		return true
	}
	return r.Sign() == 0
}
