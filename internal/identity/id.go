// Package identity derives content-based record identifiers. Two devices that
// independently create the same logical record (same workspace, same natural
// key) compute byte-identical identifiers, which lets replicated datasets
// converge without a central authority.
//
// The composition strings built here are a wire format: once shipped, the
// kind tags, field names, field order, and value encodings must never change,
// or devices that upgrade at different times stop agreeing on identities.
package identity

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Namespace is the fixed RFC 4122 namespace for every identity in the app.
var Namespace = uuid.MustParse("1F0B11C1-1A1D-4A0B-AE7A-36A0D9B07E8C")

// Kind tags the first segment of a composition string.
type Kind string

// Identity kinds. KindTemplate keeps its historical "preset" tag.
const (
	KindCard     Kind = "card"
	KindCategory Kind = "category"
	KindBudget   Kind = "budget"
	KindTemplate Kind = "preset"
)

// nilRef is written for an absent optional reference.
const nilRef = "nil"

// Field is one name=value segment of a composition string.
type Field struct {
	Name  string
	Value string
}

// Compose builds "<kind>|<WORKSPACE>|<name>=<value>|..." with fields in the
// order given. Callers own the field order; see the Card/Category/Budget/
// Template helpers for the shipped orders.
func Compose(kind Kind, workspace uuid.UUID, fields ...Field) string {
	var b strings.Builder

	b.WriteString(string(kind))
	b.WriteByte('|')
	b.WriteString(FormatID(workspace))

	for _, f := range fields {
		b.WriteByte('|')
		b.WriteString(f.Name)
		b.WriteByte('=')
		b.WriteString(f.Value)
	}

	return b.String()
}

// New hashes a composition string into a version 5 UUID under namespace.
// The result has the shape of a random UUID but is fully reproducible.
func New(namespace uuid.UUID, kind Kind, workspace uuid.UUID, fields ...Field) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(Compose(kind, workspace, fields...)))
}

// Card returns the canonical identity of a card named name in workspace.
func Card(workspace uuid.UUID, name string) uuid.UUID {
	return New(Namespace, KindCard, workspace, Field{"name", NormalizeName(name)})
}

// Category returns the canonical identity of an expense category.
func Category(workspace uuid.UUID, name string) uuid.UUID {
	return New(Namespace, KindCategory, workspace, Field{"name", NormalizeName(name)})
}

// Budget returns the canonical identity of the budget covering the UTC days
// of start and end.
func Budget(workspace uuid.UUID, start, end time.Time) uuid.UUID {
	return New(Namespace, KindBudget, workspace,
		Field{"start", NormalizeDay(start)},
		Field{"end", NormalizeDay(end)},
	)
}

// Template returns the canonical identity of a recurring-expense template.
// category and card are the already-canonical identities of the referenced
// records; uuid.Nil means no reference.
func Template(workspace uuid.UUID, title string, planned float64, category, card uuid.UUID) uuid.UUID {
	return New(Namespace, KindTemplate, workspace,
		Field{"title", NormalizeName(title)},
		Field{"planned", NormalizeMoney(planned)},
		Field{"category", formatRef(category)},
		Field{"card", formatRef(card)},
	)
}

// FormatID renders an identifier the way composition strings and the
// keeper tie-break see it: upper-case canonical form, "" for uuid.Nil.
func FormatID(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}

	return strings.ToUpper(id.String())
}

func formatRef(id uuid.UUID) string {
	if id == uuid.Nil {
		return nilRef
	}

	return FormatID(id)
}
