package fixedpoint

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
)

// ErrScaleOverflow is returned when a decimal value does not fit the
// int64 range at the configured scale.
var ErrScaleOverflow = errors.New("fixedpoint: value overflows int64 at configured scale")

// DecimalConfig defines fixed-point precision for one quantity kind.
// The scale is fixed at construction and never changes within a run.
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Standard configs. Binance futures quotes prices and quantities with
	// at most 8 fractional digits, so 8 decimal places is lossless for
	// every symbol we record.
	PriceConfig = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000}
	QtyConfig   = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000}
)

// Codec converts decimal text to scaled integers and back.
// Codecs are immutable after construction; tests may build codecs with
// scales other than the process defaults.
type Codec struct {
	cfg DecimalConfig
}

func NewCodec(cfg DecimalConfig) *Codec {
	return &Codec{cfg: cfg}
}

func (c *Codec) Precision() int { return c.cfg.DecimalPrecision }
func (c *Codec) Scale() int64   { return c.cfg.Scale }

// ToFixed converts decimal text into a scaled integer.
// Fractional digits beyond the configured precision are truncated toward
// zero, never rounded. Returns ErrScaleOverflow if the scaled value does
// not fit int64, and a syntax error for anything that is not a plain
// decimal number (exponents are rejected).
func (c *Codec) ToFixed(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("fixedpoint: empty decimal string")
	}

	neg := false
	rest := s
	switch s[0] {
	case '-':
		neg = true
		rest = s[1:]
	case '+':
		rest = s[1:]
	}
	if rest == "" || rest == "." {
		return 0, fmt.Errorf("fixedpoint: malformed decimal %q", s)
	}

	intPart := rest
	fracPart := ""
	if dot := strings.IndexByte(rest, '.'); dot >= 0 {
		intPart = rest[:dot]
		fracPart = rest[dot+1:]
		if strings.IndexByte(fracPart, '.') >= 0 {
			return 0, fmt.Errorf("fixedpoint: malformed decimal %q", s)
		}
	}

	for i := 0; i < len(intPart); i++ {
		if intPart[i] < '0' || intPart[i] > '9' {
			return 0, fmt.Errorf("fixedpoint: malformed decimal %q", s)
		}
	}
	for i := 0; i < len(fracPart); i++ {
		if fracPart[i] < '0' || fracPart[i] > '9' {
			return 0, fmt.Errorf("fixedpoint: malformed decimal %q", s)
		}
	}

	// Truncate (never round) excess fractional digits.
	if len(fracPart) > c.cfg.DecimalPrecision {
		fracPart = fracPart[:c.cfg.DecimalPrecision]
	}

	var v int64
	for i := 0; i < len(intPart); i++ {
		d := int64(intPart[i] - '0')
		if v > (math.MaxInt64-d)/10 {
			return 0, ErrScaleOverflow
		}
		v = v*10 + d
	}

	// Scale the integer part and append fractional digits.
	if v > math.MaxInt64/c.cfg.Scale {
		return 0, ErrScaleOverflow
	}
	v *= c.cfg.Scale

	var frac int64
	for i := 0; i < len(fracPart); i++ {
		frac = frac*10 + int64(fracPart[i]-'0')
	}
	for i := len(fracPart); i < c.cfg.DecimalPrecision; i++ {
		frac *= 10
	}
	if v > math.MaxInt64-frac {
		return 0, ErrScaleOverflow
	}
	v += frac

	if neg {
		v = -v
	}
	return v, nil
}

// FromFixed converts a scaled integer back to decimal text.
// The output is the shortest exact representation (trailing fractional
// zeros trimmed), so FromFixed(ToFixed(s)) == s for any canonical input
// within the configured precision.
func (c *Codec) FromFixed(v int64) string {
	neg := v < 0
	u := uint64(v)
	if neg {
		u = uint64(-v)
	}

	scale := uint64(c.cfg.Scale)
	ip := u / scale
	fp := u % scale

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	fmt.Fprintf(&b, "%d", ip)

	if fp != 0 {
		frac := fmt.Sprintf("%0*d", c.cfg.DecimalPrecision, fp)
		frac = strings.TrimRight(frac, "0")
		b.WriteByte('.')
		b.WriteString(frac)
	}
	return b.String()
}

// --- int128 helpers ---
// Pooled big.Int for intermediate products that may not fit int64
// (e.g. price_fp * qty_fp in the micro-price numerator).

var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// WeightedMean computes (a*wa + b*wb) / (wa + wb) exactly in big.Int
// space and truncates the quotient toward zero. The products and the
// weight sum are all formed in big.Int, so extreme fixed-point weights
// cannot overflow. wa + wb must be nonzero.
func WeightedMean(a, wa, b, wb int64) int64 {
	t1 := getInt128()
	t2 := getInt128()
	t1.Mul(big.NewInt(a), big.NewInt(wa))
	t2.Mul(big.NewInt(b), big.NewInt(wb))
	t1.Add(t1, t2)
	t2.Add(big.NewInt(wa), big.NewInt(wb))
	t1.Quo(t1, t2) // Quo truncates toward zero
	result := t1.Int64()
	putInt128(t1)
	putInt128(t2)
	return result
}
