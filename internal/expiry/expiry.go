// Package expiry holds the card validity rules: how long a product is valid,
// what "today" is for the issuer, and when a validity period has passed.
//
// Validity periods are civil dates. They are represented as time.Time at
// midnight UTC so they compare and serialize without zone drift.
package expiry

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the wire and storage form of a validity period.
const DateLayout = "2006-01-02"

var (
	defaultLoc   = time.UTC
	productYears = map[string]int{"credit": 3, "debit": 5}
)

// SetDefaultExpiryLocation sets the issuer time zone used to decide "today" (fallback UTC).
func SetDefaultExpiryLocation(loc *time.Location) {
	if loc != nil {
		defaultLoc = loc
	}
}

// Location returns the issuer time zone.
func Location() *time.Location {
	return defaultLoc
}

// SetProductYears replaces default product→years mapping used by YearsForProduct.
func SetProductYears(m map[string]int) {
	if m == nil {
		return
	}
	productYears = m
}

// YearsForProduct returns validity years for product unless override>0.
func YearsForProduct(product string, override int) int {
	if override > 0 {
		return override
	}
	if y, ok := productYears[strings.ToLower(product)]; ok {
		return y
	}
	return 5
}

// Date truncates t to its calendar date, keeping the date as seen in t's own location.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Today is the civil date of 'at' in the issuer time zone.
func Today(at time.Time) time.Time {
	return Date(at.In(defaultLoc))
}

// EndOfMonth returns the last day of the given month.
func EndOfMonth(year int, month time.Month) time.Time {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC)
}

// ValidUntil returns the validity period of a card issued at 'issue':
// the last day of the issue month, 'years' later.
func ValidUntil(issue time.Time, years int) time.Time {
	t := issue.In(defaultLoc)
	return EndOfMonth(t.Year()+years, t.Month())
}

// IsPast reports whether the validity period ended before today.
// A card is still valid on its last day.
func IsPast(validity, today time.Time) bool {
	return Date(validity).Before(Date(today))
}

// ParseValidity accepts "YYYY-MM-DD", "MM/YY" or "MMYY". Card face forms
// resolve to the last day of the month.
func ParseValidity(in string) (time.Time, error) {
	s := strings.TrimSpace(in)
	if len(s) == len(DateLayout) {
		t, err := time.Parse(DateLayout, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("validity must be YYYY-MM-DD: %w", err)
		}
		return t, nil
	}
	yymm, err := ParseCardFace(s)
	if err != nil {
		return time.Time{}, err
	}
	return ParseYYMMEndOfMonth(yymm)
}

// FormatDate renders a validity period as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return Date(t).Format(DateLayout)
}

// ParseYYMMEndOfMonth parses YYMM into the last day of that month.
func ParseYYMMEndOfMonth(yymm string) (time.Time, error) {
	if err := ValidateYYMM(yymm); err != nil {
		return time.Time{}, err
	}
	yy, _ := strconv.Atoi(yymm[:2])
	mm, _ := strconv.Atoi(yymm[2:])
	return EndOfMonth(2000+yy, time.Month(mm)), nil
}

// ParseCardFace accepts "MM/YY" or "MMYY" and returns YYMM.
func ParseCardFace(in string) (string, error) {
	s := strings.ReplaceAll(strings.TrimSpace(in), "/", "")
	if len(s) != 4 {
		return "", fmt.Errorf("card face must be MM/YY or MMYY")
	}
	for i := 0; i < 4; i++ {
		if s[i] < '0' || s[i] > '9' {
			return "", fmt.Errorf("card face must be digits")
		}
	}
	mm, _ := strconv.Atoi(s[:2])
	if mm < 1 || mm > 12 {
		return "", fmt.Errorf("month must be 01..12")
	}
	return s[2:] + s[:2], nil
}

// ValidateYYMM 校验格式为 YYMM，月份 01..12。
func ValidateYYMM(yymm string) error {
	if len(yymm) != 4 {
		return fmt.Errorf("expiry must be YYMM (4 digits)")
	}
	for i := 0; i < 4; i++ {
		if yymm[i] < '0' || yymm[i] > '9' {
			return fmt.Errorf("expiry must be digits: YYMM")
		}
	}
	mm := int(yymm[2]-'0')*10 + int(yymm[3]-'0')
	if mm < 1 || mm > 12 {
		return fmt.Errorf("expiry month must be 01..12")
	}
	return nil
}
