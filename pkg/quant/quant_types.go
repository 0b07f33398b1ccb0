package quant

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TimeStamp represents Unix milliseconds.
// Zero means "never".
type TimeStamp int64

// ErrInvalidPrice is returned for empty, non-numeric or negative price strings.
var ErrInvalidPrice = errors.New("invalid price")

// Now returns the current wall clock as a TimeStamp.
func Now() TimeStamp {
	return FromTime(time.Now())
}

// FromTime converts a time.Time to a TimeStamp.
func FromTime(t time.Time) TimeStamp {
	return TimeStamp(t.UnixMilli())
}

// Time converts back to time.Time. The zero TimeStamp maps to the zero time.
func (ts TimeStamp) Time() time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ts))
}

func (ts TimeStamp) String() string {
	return strconv.FormatInt(int64(ts), 10)
}

// ParseTimeStamp converts a decimal string of milliseconds to TimeStamp.
func ParseTimeStamp(s string) (TimeStamp, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return TimeStamp(ms), nil
}

// ParsePrice parses a provider price string ("50123.4567", "1e-7").
// Parsing goes through decimal so malformed input is rejected instead of
// silently becoming 0 or NaN.
func ParsePrice(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return 0, ErrInvalidPrice
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPrice, s)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: negative %q", ErrInvalidPrice, s)
	}

	f, _ := d.Float64()
	if math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: out of range %q", ErrInvalidPrice, s)
	}
	return f, nil
}

// FormatUSD renders a price for display: two decimals with thousands
// separators above one dollar, up to six significant decimals below.
func FormatUSD(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "-"
	}

	d := decimal.NewFromFloat(v)
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Abs()
	}

	if d.LessThan(decimal.NewFromInt(1)) {
		s := d.StringFixed(6)
		s = strings.TrimRight(s, "0")
		if strings.HasSuffix(s, ".") {
			s += "00"
		}
		return sign + "$" + s
	}

	fixed := d.StringFixed(2)
	intPart, frac, _ := strings.Cut(fixed, ".")
	return sign + "$" + groupThousands(intPart) + "." + frac
}

// FormatCompact renders large amounts (market cap, volume) as $1.23T / $4.56B / $7.89M / $1.00K.
func FormatCompact(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "-"
	}

	units := []struct {
		div    float64
		suffix string
	}{
		{1e12, "T"},
		{1e9, "B"},
		{1e6, "M"},
		{1e3, "K"},
	}

	abs := math.Abs(v)
	for _, u := range units {
		if abs >= u.div {
			return fmt.Sprintf("$%s%s", decimal.NewFromFloat(v/u.div).StringFixed(2), u.suffix)
		}
	}
	return "$" + decimal.NewFromFloat(v).StringFixed(2)
}

// FormatPercent renders a signed percentage with two decimals ("+1.25%", "-0.40%").
func FormatPercent(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "-"
	}
	s := decimal.NewFromFloat(v).StringFixed(2)
	if v >= 0 {
		s = "+" + s
	}
	return s + "%"
}

func groupThousands(s string) string {
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
