package entities

import (
	"encoding/json"
	"fmt"
	"strings"

	sdkmath "cosmossdk.io/math"
	"github.com/pkg/errors"
)

const AmountDecimals = 6

const microUnitsPerToken = 1_000_000

// Amount is a token amount counted in micro-units (1e-6 of the payment token).
type Amount uint64

func ParseAmount(value string) (Amount, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, errors.Wrap(ErrMalformedRecord, "empty amount")
	}
	dec, err := sdkmath.LegacyNewDecFromStr(value)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformedRecord, "parsing amount [%s]: %v", value, err)
	}
	if dec.IsNegative() {
		return 0, errors.Wrapf(ErrMalformedRecord, "negative amount [%s]", value)
	}
	micro := dec.MulInt64(microUnitsPerToken)
	if !micro.IsInteger() {
		return 0, errors.Wrapf(ErrMalformedRecord, "amount [%s] has more than %d decimals", value, AmountDecimals)
	}
	units := micro.TruncateInt()
	if !units.IsUint64() {
		return 0, errors.Wrapf(ErrMalformedRecord, "amount [%s] out of range", value)
	}
	return Amount(units.Uint64()), nil
}

func (a Amount) String() string {
	return fmt.Sprintf("%d.%06d", uint64(a)/microUnitsPerToken, uint64(a)%microUnitsPerToken)
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	value := string(data)
	if strings.HasPrefix(value, `"`) {
		if err := json.Unmarshal(data, &value); err != nil {
			return errors.Wrap(err, "unmarshalling amount")
		}
	}
	parsed, err := ParseAmount(value)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func SumAmounts(amounts map[string]Amount) Amount {
	var total Amount
	for _, amount := range amounts {
		total += amount
	}
	return total
}
