package ledger

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// =============================================================================
// CURSOR - Opaque "start after" token
// =============================================================================
// A cursor is base64(JSON{fingerprint, order field, last value, last id}).
// The fingerprint ties the cursor to the filter set that produced it.

// cursorTimeLayout is fixed width so encoded times sort lexicographically.
const cursorTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// TaggedValue carries a canonical value with its kind so it survives JSON.
type TaggedValue struct {
	Kind string   `json:"k"`
	S    string   `json:"s,omitempty"`
	I    int64    `json:"i,omitempty"`
	B    bool     `json:"b,omitempty"`
	F    float64  `json:"f,omitempty"`
	L    []string `json:"l,omitempty"`
}

func Tag(v any) TaggedValue {
	switch x := NormalizeValue(v).(type) {
	case nil:
		return TaggedValue{Kind: "null"}
	case string:
		return TaggedValue{Kind: "string", S: x}
	case int64:
		return TaggedValue{Kind: "int", I: x}
	case float64:
		return TaggedValue{Kind: "float", F: x}
	case bool:
		return TaggedValue{Kind: "bool", B: x}
	case time.Time:
		return TaggedValue{Kind: "time", S: x.UTC().Format(cursorTimeLayout)}
	case []string:
		return TaggedValue{Kind: "list", L: x}
	}
	return TaggedValue{Kind: "null"}
}

func (t TaggedValue) Value() any {
	switch t.Kind {
	case "string":
		return t.S
	case "int":
		return t.I
	case "float":
		return t.F
	case "bool":
		return t.B
	case "time":
		ts, err := time.Parse(cursorTimeLayout, t.S)
		if err != nil {
			return nil
		}
		return ts.UTC()
	case "list":
		return append([]string(nil), t.L...)
	}
	return nil
}

type cursorToken struct {
	Fingerprint string      `json:"fp"`
	Field       string      `json:"f"`
	Value       TaggedValue `json:"v"`
	ID          string      `json:"id"`
}

// EncodeCursor builds the token for the position after snap.
func EncodeCursor(fingerprint, orderBy string, snap *Snapshot) string {
	tok := cursorToken{Fingerprint: fingerprint, Field: orderBy, ID: snap.ID}
	if orderBy != "" && orderBy != FieldID {
		tok.Value = Tag(snap.Fields[orderBy])
	}
	b, _ := json.Marshal(tok)
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses a token produced by EncodeCursor.
func DecodeCursor(cursor string) (fingerprint, orderBy string, pos *Position, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", nil, newValidationError(CodeInvalidCursor, nil, "malformed cursor")
	}
	var tok cursorToken
	if err := json.Unmarshal(raw, &tok); err != nil || tok.ID == "" {
		return "", "", nil, newValidationError(CodeInvalidCursor, nil, "malformed cursor")
	}
	return tok.Fingerprint, tok.Field, &Position{Value: tok.Value.Value(), ID: tok.ID}, nil
}

// =============================================================================
// FINGERPRINT - Identity of a filter set
// =============================================================================

type fingerprintInput struct {
	Collection Collection               `json:"c"`
	Equality   map[string][]TaggedValue `json:"eq"`
	Range      *fingerprintRange        `json:"r,omitempty"`
	ClientOnly []fingerprintPredicate   `json:"co"`
	SortField  string                   `json:"sf"`
	SortDesc   *bool                    `json:"sd,omitempty"`
}

type fingerprintRange struct {
	Field string      `json:"f"`
	From  TaggedValue `json:"from"`
	To    TaggedValue `json:"to"`
}

type fingerprintPredicate struct {
	Field string      `json:"f"`
	Op    PredicateOp `json:"op"`
	Value TaggedValue `json:"v"`
	Upper TaggedValue `json:"u"`
}

// Fingerprint hashes everything in spec that changes the result ordering
// or membership. Page size and cursor are excluded.
func (spec FilterSpec) Fingerprint(c Collection) string {
	in := fingerprintInput{
		Collection: c,
		Equality:   make(map[string][]TaggedValue, len(spec.Equality)),
		SortField:  spec.SortField,
		SortDesc:   spec.SortDescending,
	}
	for field, fv := range spec.Equality {
		tags := make([]TaggedValue, 0, len(fv.Values))
		for _, v := range fv.Values {
			tags = append(tags, Tag(v))
		}
		in.Equality[field] = tags
	}
	if spec.Range != nil {
		in.Range = &fingerprintRange{Field: spec.Range.Field, From: Tag(spec.Range.From), To: Tag(spec.Range.To)}
	}
	for field, p := range spec.ClientOnly {
		in.ClientOnly = append(in.ClientOnly, fingerprintPredicate{Field: field, Op: p.Op, Value: Tag(p.Value), Upper: Tag(p.Upper)})
	}
	sort.Slice(in.ClientOnly, func(i, j int) bool {
		if in.ClientOnly[i].Field != in.ClientOnly[j].Field {
			return in.ClientOnly[i].Field < in.ClientOnly[j].Field
		}
		return in.ClientOnly[i].Op < in.ClientOnly[j].Op
	})
	b, _ := json.Marshal(in)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}
