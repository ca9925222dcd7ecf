// Package policy decides who may attach to a resource and gives every
// connection a stable identity for history and broadcast output.
package policy

import (
	"errors"
	"strings"
	"unicode"
)

// ErrUnavailable is returned for every attach denial. Missing, private,
// and anonymous-write-disabled resources all map to this one error so a
// caller cannot enumerate which projects exist.
var ErrUnavailable = errors.New("project unavailable")

// Visibility is a resource's sharing state as reported by the project
// directory.
type Visibility string

const (
	Public  Visibility = "public"
	Private Visibility = "private"
)

// Resource describes the project a connection wants to attach to.
type Resource struct {
	ID         string
	Owner      string
	Visibility Visibility
}

// Identity is the resolved identity of one connection: either an
// authenticated user or an anonymous caller with a sanitized display
// name. The zero value is an anonymous "unknown".
type Identity struct {
	userID  string
	name    string
	isAnon  bool
	isEmpty bool
}

// Authenticated builds the identity of a verified user.
func Authenticated(userID, name string) Identity {
	return Identity{userID: userID, name: name}
}

// Anonymous builds an anonymous identity from a client-supplied display
// hint. The hint is sanitized before use and never trusted elsewhere.
func Anonymous(hint string) Identity {
	return Identity{name: SanitizeName(hint), isAnon: true}
}

// IsAnonymous reports whether the identity carries no verified user.
func (i Identity) IsAnonymous() bool {
	return i.isAnon || i.userID == ""
}

// UserID returns the verified user id, or "" for anonymous identities.
func (i Identity) UserID() string {
	if i.IsAnonymous() {
		return ""
	}
	return i.userID
}

// Display returns the name used in history records and logs. Anonymous
// names are marked with a leading "*" so downstream consumers never
// mistake them for verified usernames.
func (i Identity) Display() string {
	if i.IsAnonymous() {
		name := i.name
		if name == "" {
			name = "unknown"
		}
		return "*" + name
	}
	return i.name
}

const maxDisplayName = 64

// SanitizeName cleans a client-supplied display name: control
// characters and brackets are stripped, whitespace runs collapse to a
// single space, and the result is truncated to 64 characters. An empty
// result becomes "unknown".
func SanitizeName(hint string) string {
	var b strings.Builder
	for _, r := range hint {
		switch {
		case unicode.IsControl(r):
		case strings.ContainsRune("[]{}<>", r):
		default:
			b.WriteRune(r)
		}
	}
	cleaned := strings.Join(strings.Fields(b.String()), " ")
	if runes := []rune(cleaned); len(runes) > maxDisplayName {
		cleaned = string(runes[:maxDisplayName])
	}
	if cleaned == "" {
		return "unknown"
	}
	return cleaned
}

// Decide gates an attach attempt. Authenticated users may attach to
// public resources and to their own; anonymous callers only to public
// resources with the anonymous-write flag enabled. Every denial is
// ErrUnavailable.
func Decide(res Resource, id Identity, anonWriteAllowed bool) error {
	if !id.IsAnonymous() {
		if res.Visibility == Public || res.Owner == id.UserID() {
			return nil
		}
		return ErrUnavailable
	}
	if res.Visibility == Public && anonWriteAllowed {
		return nil
	}
	return ErrUnavailable
}
