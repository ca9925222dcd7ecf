// Package cloudvar defines the grammar of cloud variable names and
// values. Everything here is pure; the gateway and store call into it
// before any state is touched.
package cloudvar

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	// MaxNameLength bounds variable names, in characters.
	MaxNameLength = 1024
	// MaxValueLength bounds normalized values, in characters.
	MaxValueLength = 100000
)

// namePrefixes is the set of recognized namespace markers. A valid name
// starts with one of these and carries at least one character after it.
var namePrefixes = []string{"☁ "}

// ValidName reports whether name is a well-formed cloud variable name.
func ValidName(name string) bool {
	if name == "" || utf8.RuneCountInString(name) > MaxNameLength {
		return false
	}
	for _, prefix := range namePrefixes {
		if strings.HasPrefix(name, prefix) && len(name) > len(prefix) {
			return true
		}
	}
	return false
}

// NormalizeValue converts a raw JSON value token into the canonical
// string form stored and broadcast for cloud variables. A JSON number
// is stringified in plain decimal notation; a JSON string must already
// match the numeric grammar. The second return is false when the value
// cannot be normalized, which callers treat as a silent no-op rather
// than a protocol error: permissive clients send transient bad values.
func NormalizeValue(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		if !validValue(s) {
			return "", false
		}
		return s, true
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		// Not a number (or a number too large for float64).
		return "", false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", false
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if len(s) > MaxValueLength {
		return "", false
	}
	return s, true
}

// validValue checks a string against the numeric grammar: an optional
// leading minus, digits, and at most one decimal point. A bare "." or
// "-" is rejected, as is anything over MaxValueLength characters.
func validValue(s string) bool {
	if len(s) > MaxValueLength {
		return false
	}
	if s == "." || s == "-" {
		return false
	}
	seenDot := false
	for i, r := range s {
		switch {
		case r == '-':
			if i != 0 {
				return false
			}
		case r == '.':
			if seenDot {
				return false
			}
			seenDot = true
		case r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// Outcome is the result of applying one mutation frame. The protocol
// distinguishes a value that fails normalization (dropped, connection
// continues) from a malformed name or missing variable (connection is
// closed), so the apply step reports which path was taken.
type Outcome int

const (
	// Applied means the mutation changed state and should be
	// broadcast and logged.
	Applied Outcome = iota
	// Ignored means the value failed normalization and the frame was
	// dropped without error.
	Ignored
	// Rejected means the frame was invalid and the connection must be
	// closed with a protocol error.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Ignored:
		return "ignored"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}
