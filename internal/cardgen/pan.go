// Package cardgen generates and validates card numbers (PANs).
package cardgen

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	DefaultLength = 16
	MinLength     = 16
	MaxLength     = 19

	// DefaultPrefix is used when no prefix is configured.
	DefaultPrefix = "421234"

	defaultRetries = 5
)

// ErrExhausted is returned by GenerateUnique when every candidate was taken.
var ErrExhausted = errors.New("cardgen: no free card number")

// Generator produces card numbers of a fixed length that start with Prefix
// and end with a Luhn check digit.
type Generator struct {
	Prefix string
	Length int
	// Rand is the entropy source, crypto/rand when nil.
	Rand io.Reader
}

func NewGenerator(prefix string, length int) (*Generator, error) {
	if length == 0 {
		length = DefaultLength
	}
	if err := ValidatePrefix(prefix, length); err != nil {
		return nil, err
	}

	return &Generator{Prefix: prefix, Length: length, Rand: rand.Reader}, nil
}

// ValidatePrefix checks that prefix leaves room for at least one random
// digit plus the check digit in a number of the given length.
func ValidatePrefix(prefix string, length int) error {
	if length < MinLength || length > MaxLength {
		return fmt.Errorf("card number length must be %d..%d (got %d)", MinLength, MaxLength, length)
	}
	if !IsDigits(prefix) {
		return fmt.Errorf("prefix must contain digits only")
	}
	if len(prefix) > length-2 {
		return fmt.Errorf("prefix %q too long for %d digit card number", prefix, length)
	}
	return nil
}

// Generate returns one candidate number. Uniqueness is not checked.
func (g *Generator) Generate() (string, error) {
	if err := ValidatePrefix(g.Prefix, g.Length); err != nil {
		return "", err
	}

	fill := g.Length - 1 - len(g.Prefix)
	digits, err := randomDigits(g.entropy(), fill)
	if err != nil {
		return "", fmt.Errorf("rand: %w", err)
	}

	body := g.Prefix + digits
	return body + luhnCheckDigit(body), nil
}

// GenerateUnique generates candidates until claim accepts one. claim reports
// false when the number is already taken; it is called at most maxRetries+1
// times.
func (g *Generator) GenerateUnique(maxRetries int, claim func(pan string) (bool, error)) (string, error) {
	if maxRetries <= 0 {
		maxRetries = defaultRetries
	}
	for i := 0; i <= maxRetries; i++ {
		pan, err := g.Generate()
		if err != nil {
			return "", err
		}
		ok, err := claim(pan)
		if err != nil {
			return "", fmt.Errorf("claiming card number: %w", err)
		}
		if ok {
			return pan, nil
		}
	}
	return "", fmt.Errorf("%w after %d retries", ErrExhausted, maxRetries)
}

func (g *Generator) entropy() io.Reader {
	if g.Rand == nil {
		return rand.Reader
	}
	return g.Rand
}

// randomDigits 使用拒绝采样：只接受 < 250 的字节再对 10 取模，避免模偏差。
func randomDigits(r io.Reader, count int) (string, error) {
	if count <= 0 {
		return "", nil
	}
	const threshold = 250
	var sb strings.Builder
	sb.Grow(count)
	buf := make([]byte, 64)
	for sb.Len() < count {
		n, err := io.ReadAtLeast(r, buf, 1)
		if err != nil {
			return "", err
		}
		for i := 0; i < n && sb.Len() < count; i++ {
			if b := buf[i]; b < threshold {
				sb.WriteByte('0' + b%10)
			}
		}
	}
	return sb.String(), nil
}

func luhnCheckDigit(body string) string {
	sum, dbl := 0, true
	for i := len(body) - 1; i >= 0; i-- {
		d := int(body[i] - '0')
		if dbl {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		dbl = !dbl
	}
	return string('0' + byte((10-sum%10)%10))
}

// ValidatePAN checks digits, length 13..19 and the Luhn check digit.
func ValidatePAN(pan string) error {
	if pan == "" {
		return fmt.Errorf("pan is required")
	}
	if !IsDigits(pan) {
		return fmt.Errorf("pan must contain digits only")
	}
	if l := len(pan); l < 13 || l > MaxLength {
		return fmt.Errorf("pan length must be 13..19 digits (got %d)", l)
	}
	if luhnCheckDigit(pan[:len(pan)-1])[0] != pan[len(pan)-1] {
		return fmt.Errorf("invalid luhn check digit")
	}
	return nil
}

func IsDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func LastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// BIN returns the six digit issuer prefix of pan.
func BIN(pan string) string {
	if len(pan) <= 6 {
		return pan
	}
	return pan[:6]
}

// NormalizePAN 去掉空格、横线和制表符。
func NormalizePAN(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '-':
			return -1
		default:
			return r
		}
	}, strings.TrimSpace(s))
}
