package ledger

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// FIELDS - Store-neutral document body
// =============================================================================

// Fields is a document body. Values are restricted to string, int64, bool,
// time.Time (UTC), []string and nil so every adapter can persist and
// compare them the same way.
type Fields map[string]any

// Field names shared by queries and codecs.
const (
	FieldID            = "id"
	FieldCampaignID    = "campaignId"
	FieldInvoiceID     = "invoiceId"
	FieldStatus        = "status"
	FieldName          = "name"
	FieldCreatedAt     = "createdAt"
	FieldUpdatedAt     = "updatedAt"
	FieldIssueDate     = "issueDate"
	FieldDueDate       = "dueDate"
	FieldPaidDate      = "paidDate"
	FieldInvoiceNumber = "invoiceNumber"
	FieldClientName    = "clientName"
	FieldTimestamp     = "timestamp"
	FieldEntityType    = "entityType"
	FieldEntityID      = "entityId"
	FieldChangeType    = "changeType"
)

// Clone deep-copies the map and any []string values.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		if ss, ok := v.([]string); ok {
			out[k] = append([]string(nil), ss...)
			continue
		}
		out[k] = v
	}
	return out
}

func (f Fields) String(key string) string {
	s, _ := f[key].(string)
	return s
}

func (f Fields) Int(key string) int64 {
	n, _ := f[key].(int64)
	return n
}

func (f Fields) Time(key string) time.Time {
	t, _ := f[key].(time.Time)
	return t
}

func (f Fields) TimePtr(key string) *time.Time {
	t, ok := f[key].(time.Time)
	if !ok {
		return nil
	}
	return &t
}

func (f Fields) Strings(key string) []string {
	ss, _ := f[key].([]string)
	return append([]string(nil), ss...)
}

// NormalizeValue converts adapter-native values into the canonical set.
func NormalizeValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string, bool, int64, []string:
		return x
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float64:
		if x == float64(int64(x)) {
			return int64(x)
		}
		return x
	case time.Time:
		return x.UTC()
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UTC()
	case fmt.Stringer:
		return x.String()
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	if s, ok := stringKind(v); ok {
		return s
	}
	return v
}

// stringKind unwraps named string types such as InvoiceStatus.
func stringKind(v any) (string, bool) {
	switch x := v.(type) {
	case InvoiceStatus:
		return string(x), true
	case CampaignStatus:
		return string(x), true
	case ChangeType:
		return string(x), true
	case EntityType:
		return string(x), true
	case Collection:
		return string(x), true
	}
	return "", false
}

// NormalizeFields normalizes every value in place and returns f.
func NormalizeFields(f Fields) Fields {
	for k, v := range f {
		f[k] = NormalizeValue(v)
	}
	return f
}

// CompareValues orders two canonical values. nil sorts first. ok is false
// when the values have different kinds and cannot be compared.
func CompareValues(a, b any) (int, bool) {
	a, b = NormalizeValue(a), NormalizeValue(b)
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0, true
		case a == nil:
			return -1, true
		default:
			return 1, true
		}
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case int64:
		y, ok := b.(int64)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case float64:
		y, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	}
	return 0, false
}

// SortSnapshots orders snapshots by field then id, the ordering every
// adapter uses for cursor pagination.
func SortSnapshots(snaps []*Snapshot, field string, descending bool) {
	sort.SliceStable(snaps, func(i, j int) bool {
		c := compareAt(snaps[i], snaps[j], field)
		if descending {
			return c > 0
		}
		return c < 0
	})
}

func compareAt(a, b *Snapshot, field string) int {
	if field != "" && field != FieldID {
		if c, ok := CompareValues(a.Fields[field], b.Fields[field]); ok && c != 0 {
			return c
		}
	}
	return strings.Compare(a.ID, b.ID)
}

// AfterPosition reports whether snap sorts strictly after pos in the given
// ordering.
func AfterPosition(snap *Snapshot, pos *Position, field string, descending bool) bool {
	if pos == nil {
		return true
	}
	c := 0
	if field != "" && field != FieldID {
		c, _ = CompareValues(snap.Fields[field], pos.Value)
	}
	if c == 0 {
		c = strings.Compare(snap.ID, pos.ID)
	}
	if descending {
		return c < 0
	}
	return c > 0
}

func timeValue(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func timePtrValue(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func stringsValue(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return append([]string(nil), ss...)
}
