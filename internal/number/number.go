// Package number parses betting numbers and classifies them into the 11
// canonical wildcard layouts (play types).
//
// A number is four characters. Each position is either a fixed digit or the
// wildcard X:
//
//	1 DDXX   2 DXDX   3 DXXD   4 XDXD   5 XDDX   6 XXDD
//	7 DDDX   8 DDXD   9 DXDD  10 XDDD  11 DDDD
//
// Layouts 1-6 fix two digits, 7-10 fix three and 11 fixes all four.
package number

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fivebear/oddsdesk/internal/model"
)

// Wildcard marks a position that matches any digit.
const Wildcard = 'X'

// Length is the number of positions in every number.
const Length = 4

var templates = [...]string{
	"DDXX", "DXDX", "DXXD", "XDXD", "XDDX", "XXDD",
	"DDDX", "DDXD", "DXDD", "XDDD", "DDDD",
}

var numberRegex = regexp.MustCompile(`^[0-9X]{4}$`)

var (
	ErrInvalidNumber   = fmt.Errorf("%w: number: malformed number", model.ErrValidation)
	ErrUnknownPlayType = fmt.Errorf("%w: number: unknown play type", model.ErrValidation)
)

// Normalize upper-cases the wildcard and trims whitespace.
func Normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Classify returns the play type whose layout s matches.
func Classify(s string) (model.PlayType, error) {
	n := Normalize(s)
	if !numberRegex.MatchString(n) {
		return 0, fmt.Errorf("%w: %q (expected 4 of 0-9 or X)", ErrInvalidNumber, s)
	}
	layout := layoutOf(n)
	for i, t := range templates {
		if t == layout {
			return model.PlayType(i + 1), nil
		}
	}
	return 0, fmt.Errorf("%w: %q has fewer than two fixed digits", ErrInvalidNumber, s)
}

// Parse normalizes s and checks that it belongs to pt.
func Parse(s string, pt model.PlayType) (string, error) {
	if !pt.Valid() {
		return "", fmt.Errorf("%w: %d", ErrUnknownPlayType, pt)
	}
	got, err := Classify(s)
	if err != nil {
		return "", err
	}
	if got != pt {
		return "", fmt.Errorf("%w: %q is play type %d, not %d", ErrInvalidNumber, s, got, pt)
	}
	return Normalize(s), nil
}

// Template returns the D/X layout for pt.
func Template(pt model.PlayType) (string, error) {
	if !pt.Valid() {
		return "", fmt.Errorf("%w: %d", ErrUnknownPlayType, pt)
	}
	return templates[pt-1], nil
}

// FixedDigits returns how many positions pt fixes (2, 3 or 4).
func FixedDigits(pt model.PlayType) int {
	t, err := Template(pt)
	if err != nil {
		return 0
	}
	return strings.Count(t, "D")
}

func layoutOf(n string) string {
	b := []byte(n)
	for i, c := range b {
		if c != Wildcard {
			b[i] = 'D'
		}
	}
	return string(b)
}

// Generate enumerates every number of play type pt in ascending order.
func Generate(pt model.PlayType) ([]string, error) {
	t, err := Template(pt)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, pow10(strings.Count(t, "D")))
	fill([]byte(t), 0, 'D', &out)
	return out, nil
}

// Expand lists the fully fixed four-digit numbers that a wildcard number
// covers. A number without wildcards expands to itself.
func Expand(s string) ([]string, error) {
	if _, err := Classify(s); err != nil {
		return nil, err
	}
	n := Normalize(s)
	out := make([]string, 0, pow10(strings.Count(n, string(Wildcard))))
	fill([]byte(n), 0, Wildcard, &out)
	return out, nil
}

// fill replaces every placeholder byte in buf with 0-9, depth first.
func fill(buf []byte, pos int, placeholder byte, out *[]string) {
	if pos == len(buf) {
		*out = append(*out, string(buf))
		return
	}
	if buf[pos] != placeholder {
		fill(buf, pos+1, placeholder, out)
		return
	}
	for c := byte('0'); c <= '9'; c++ {
		buf[pos] = c
		fill(buf, pos+1, placeholder, out)
	}
	buf[pos] = placeholder
}

func pow10(n int) int {
	p := 1
	for i := 0; i < n; i++ {
		p *= 10
	}
	return p
}
