package ingest

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

var (
	errEmptyValue    = errors.New("empty value")
	errInvalidAmount = errors.New("invalid amount")
	errInvalidDate   = errors.New("invalid date")
)

var currencyTokens = []string{"COP", "USD", "EUR", "$", "€", "£"}

// ParseAmount parses a monetary cell. It accepts currency symbols, spaces,
// thousands separators in either convention and accounting negatives.
func ParseAmount(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, errEmptyValue
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}

	upper := strings.ToUpper(s)
	for _, token := range currencyTokens {
		upper = strings.ReplaceAll(upper, token, "")
	}
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\t', '\'':
			return -1
		}
		return r
	}, upper)

	if strings.HasSuffix(s, "-") {
		negative = !negative
		s = strings.TrimSuffix(s, "-")
	}
	if strings.HasPrefix(s, "-") {
		negative = !negative
		s = strings.TrimPrefix(s, "-")
	}
	s = strings.TrimPrefix(s, "+")
	if s == "" {
		return decimal.Zero, errInvalidAmount
	}

	s = normalizeSeparators(s)
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' && r != 'E' && r != '-' && r != '+' {
			return decimal.Zero, errInvalidAmount
		}
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errInvalidAmount
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// normalizeSeparators rewrites s so '.' is the only decimal mark and no
// grouping separators remain. When both marks appear the right-most one is
// the decimal mark. A repeated mark is always grouping. A single mark is
// grouping when it splits one to three leading digits from exactly three
// trailing digits, so "15.000" and "1,234" are thousands while "0.125" and
// "1234.567" keep their fraction.
func normalizeSeparators(s string) string {
	dots := strings.Count(s, ".")
	commas := strings.Count(s, ",")

	switch {
	case dots > 0 && commas > 0:
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
			return strings.Replace(s, ",", ".", 1)
		}
		return strings.ReplaceAll(s, ",", "")
	case commas > 1:
		return strings.ReplaceAll(s, ",", "")
	case dots > 1:
		return strings.ReplaceAll(s, ".", "")
	case commas == 1:
		if isThousandsGroup(s, ",") {
			return strings.Replace(s, ",", "", 1)
		}
		return strings.Replace(s, ",", ".", 1)
	case dots == 1:
		if isThousandsGroup(s, ".") {
			return strings.Replace(s, ".", "", 1)
		}
	}
	return s
}

func isThousandsGroup(s, sep string) bool {
	head, tail, ok := strings.Cut(s, sep)
	if !ok || len(head) == 0 || len(head) > 3 || head[0] == '0' || len(tail) != 3 {
		return false
	}
	return allDigits(head) && allDigits(tail)
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"2006/01/02",
	"02-01-2006",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// ParseDate accepts ISO, day-first and Excel serial dates.
func ParseDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, errEmptyValue
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if serial, err := strconv.ParseFloat(s, 64); err == nil && serial >= 1 && serial < 2958466 {
		t, err := excelize.ExcelDateToTime(serial, false)
		if err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errInvalidDate
}
