package repository

import (
	"fmt"
	"math"
	"strconv"

	"github.com/shopspring/decimal"
)

// decimalString scans aggregate results, which drivers return as text,
// integers or floats depending on dialect.
type decimalString struct {
	decimal.Decimal
}

func (d *decimalString) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		d.Decimal = decimal.Zero
	case float64:
		return d.scanFloat(v, 64)
	case float32:
		return d.scanFloat(float64(v), 32)
	default:
		if err := d.Decimal.Scan(v); err != nil {
			return fmt.Errorf("scan aggregate sum: %w", err)
		}
	}
	return nil
}

func (d *decimalString) scanFloat(v float64, bitSize int) error {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return fmt.Errorf("scan aggregate sum: non-finite value %v", v)
	}
	parsed, err := decimal.NewFromString(strconv.FormatFloat(v, 'f', -1, bitSize))
	if err != nil {
		return fmt.Errorf("scan aggregate sum: %w", err)
	}
	d.Decimal = parsed
	return nil
}
