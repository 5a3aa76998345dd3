// Package validate provides syntax checks for values typed into the report wizard.
package validate

import (
	"errors"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
)

// DateLayout is the canonical stored date format.
const DateLayout = "02.01.2006"

// TicketDigits is the exact length of a pawn ticket number.
const TicketDigits = 11

// RegionPrefix decorates region names on keyboard buttons.
const RegionPrefix = "🌍 "

var (
	ErrEmpty         = errors.New("value required")
	ErrNotDigits     = errors.New("only digits allowed")
	ErrTicketLength  = errors.New("ticket number must have exactly 11 digits")
	ErrDateFormat    = errors.New("date must be 'сегодня', DD.MM or DD.MM.YYYY")
	ErrUnknownRegion = errors.New("unknown region")
	ErrMonthFormat   = errors.New("month must be MM.YYYY")
)

var fold = cases.Fold()

// Digits checks that s is a non-empty string of ASCII digits.
func Digits(s string) error {
	if s == "" {
		return ErrEmpty
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return ErrNotDigits
		}
	}
	return nil
}

// Ticket checks a pawn ticket number.
func Ticket(s string) error {
	if err := Digits(s); err != nil {
		return err
	}
	if len(s) != TicketDigits {
		return ErrTicketLength
	}
	return nil
}

// Text checks that s has something other than whitespace.
func Text(s string) error {
	if strings.TrimSpace(s) == "" {
		return ErrEmpty
	}
	return nil
}

// ParseDate accepts "сегодня" (or "today"), "DD.MM" in the year of now, and
// "DD.MM.YYYY".
func ParseDate(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch fold.String(s) {
	case "сегодня", "today":
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	if p, err := time.Parse("02.01", s); err == nil {
		t := time.Date(now.Year(), p.Month(), p.Day(), 0, 0, 0, 0, time.UTC)
		// 29.02 in a non-leap year normalizes to 01.03.
		if t.Day() != p.Day() {
			return time.Time{}, ErrDateFormat
		}
		return t, nil
	}
	return time.Time{}, ErrDateFormat
}

// Region resolves user input to one of the known region names. The keyboard
// prefix is stripped and the comparison ignores case.
func Region(s string, regions []string) (string, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), strings.TrimSpace(RegionPrefix)))
	want := fold.String(s)
	for _, r := range regions {
		if fold.String(r) == want {
			return r, nil
		}
	}
	return "", ErrUnknownRegion
}

// Month parses "MM.YYYY" and returns the first and last day of that month.
func Month(s string) (time.Time, time.Time, error) {
	t, err := time.Parse("01.2006", strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, time.Time{}, ErrMonthFormat
	}
	return t, t.AddDate(0, 1, -1), nil
}

// HasWord reports whether word occurs in text as a whole word, ignoring case.
// Words are runs of letters and digits.
func HasWord(text, word string) bool {
	want := fold.String(word)
	for _, w := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if fold.String(w) == want {
			return true
		}
	}
	return false
}
