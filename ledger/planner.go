/*
planner.go - Filter spec to store query translation

PURPOSE:
  Translates a UI-level filter specification into a store-native Query
  plus a residual filter applied client-side to fetched pages. The planner
  is a pure function of (collection, filter spec, page request): it holds
  no cursor state between calls.

TRANSLATION RULES:
  Equality filters   -> "==" for one value, "in" for a value set. Sets
                        larger than Capabilities.MaxAnyOf are truncated
                        and reported as a PlanWarning.
  Range filter       -> ">=" / "<=" on one field; the query is ordered by
                        that field.
  Sort               -> range field, else SortField, else createdAt desc.
                        Ties broken on document id.
  Client-only filter -> residual predicates (case-insensitive contains,
                        prefix, not-equal, secondary range).

CURSORS:
  A cursor carries the fingerprint of the filter set that produced it. A
  cursor presented with a different filter set is discarded and the plan
  starts at the first page with Reset set.

COUNTS:
  CountPlan builds the same constraints without ordering or paging.
  Residual predicates never reach the store, so counts are approximate
  when client-only filters are present.

SEE ALSO:
  - store.go: Capabilities enforced on every query
  - reader.go: executes plans and fills pages through the residual
*/
package ledger

import (
	"sort"
	"strings"
)

// =============================================================================
// FILTER SPEC
// =============================================================================

// FilterValue is one value or a value set ("any of").
type FilterValue struct {
	Values []any
}

func Eq(v any) FilterValue { return FilterValue{Values: []any{v}} }

func AnyOf(values ...any) FilterValue { return FilterValue{Values: values} }

// RangeFilter is inclusive on both ends; a nil bound is open.
type RangeFilter struct {
	Field string
	From  any
	To    any
}

type PredicateOp string

const (
	PredContains PredicateOp = "contains"
	PredPrefix   PredicateOp = "prefix"
	PredNotEqual PredicateOp = "not_equal"
	PredBetween  PredicateOp = "between"
)

// Predicate is a residual test on one field. PredBetween uses Value as the
// inclusive lower bound and Upper as the inclusive upper bound.
type Predicate struct {
	Op    PredicateOp
	Value any
	Upper any
}

func Contains(s string) Predicate { return Predicate{Op: PredContains, Value: s} }

func Between(from, to any) Predicate { return Predicate{Op: PredBetween, Value: from, Upper: to} }

// Match evaluates the predicate against a field value.
func (p Predicate) Match(v any) bool {
	switch p.Op {
	case PredContains, PredPrefix:
		s, ok := v.(string)
		if !ok {
			return false
		}
		needle, _ := p.Value.(string)
		s, needle = strings.ToLower(s), strings.ToLower(needle)
		if p.Op == PredPrefix {
			return strings.HasPrefix(s, needle)
		}
		return strings.Contains(s, needle)
	case PredNotEqual:
		c, ok := CompareValues(v, p.Value)
		return !ok || c != 0
	case PredBetween:
		if v == nil {
			return false
		}
		if p.Value != nil {
			if c, ok := CompareValues(v, p.Value); !ok || c < 0 {
				return false
			}
		}
		if p.Upper != nil {
			if c, ok := CompareValues(v, p.Upper); !ok || c > 0 {
				return false
			}
		}
		return true
	}
	return false
}

// FilterSpec is what a caller asks for. Only one range filter exists; the
// caller's filter model chooses which date field carries it.
type FilterSpec struct {
	Equality       map[string]FilterValue
	Range          *RangeFilter
	ClientOnly     map[string]Predicate
	SortField      string
	SortDescending *bool
}

// PageRequest asks for Size items after Cursor ("" = first page).
type PageRequest struct {
	Size   int
	Cursor string
}

// =============================================================================
// PLAN
// =============================================================================

// PlanWarning signals a lossy translation, e.g. a truncated value set.
type PlanWarning struct {
	Field     string
	Requested int
	Kept      int
	Message   string
}

type Plan struct {
	Query       Query
	Residual    map[string]Predicate
	Fingerprint string
	Reset       bool
	Warnings    []PlanWarning
}

func (p Plan) HasResidual() bool { return len(p.Residual) > 0 }

// Keep applies the residual filter to a fetched document.
func (p Plan) Keep(fields Fields) bool {
	for field, pred := range p.Residual {
		if !pred.Match(fields[field]) {
			return false
		}
	}
	return true
}

// =============================================================================
// PLANNER
// =============================================================================

type Planner struct {
	Capabilities     Capabilities
	DefaultPageSize  int
	MaxPageSize      int
	DefaultSortField string
}

func NewPlanner(caps Capabilities) *Planner {
	return &Planner{
		Capabilities:     caps,
		DefaultPageSize:  25,
		MaxPageSize:      200,
		DefaultSortField: FieldCreatedAt,
	}
}

// Plan builds the paged query and residual filter for spec.
func (p *Planner) Plan(c Collection, spec FilterSpec, page PageRequest) (Plan, error) {
	plan, err := p.constraints(c, spec)
	if err != nil {
		return Plan{}, err
	}

	q := &plan.Query
	q.Descending = true
	if spec.SortDescending != nil {
		q.Descending = *spec.SortDescending
	}
	switch {
	case spec.Range != nil && hasRange(q.Filters):
		q.OrderBy = spec.Range.Field
		if spec.SortField != "" && spec.SortField != spec.Range.Field {
			plan.Warnings = append(plan.Warnings, PlanWarning{
				Field:   spec.SortField,
				Message: "sort field replaced by range field " + spec.Range.Field,
			})
		}
	case spec.SortField != "":
		q.OrderBy = spec.SortField
	default:
		q.OrderBy = p.DefaultSortField
	}

	q.Limit = page.Size
	if q.Limit <= 0 {
		q.Limit = p.DefaultPageSize
	}
	if p.MaxPageSize > 0 && q.Limit > p.MaxPageSize {
		q.Limit = p.MaxPageSize
	}

	if page.Cursor != "" {
		fingerprint, orderBy, pos, err := DecodeCursor(page.Cursor)
		if err != nil {
			return Plan{}, err
		}
		if fingerprint != plan.Fingerprint || orderBy != q.OrderBy {
			plan.Reset = true
		} else {
			q.After = pos
		}
	}

	if err := p.Capabilities.Validate(*q); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// CountPlan builds the unpaged, unordered count query for spec.
func (p *Planner) CountPlan(c Collection, spec FilterSpec) (Plan, error) {
	plan, err := p.constraints(c, spec)
	if err != nil {
		return Plan{}, err
	}
	if spec.Range != nil && hasRange(plan.Query.Filters) {
		plan.Query.OrderBy = spec.Range.Field
	}
	if err := p.Capabilities.Validate(plan.Query); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

func (p *Planner) constraints(c Collection, spec FilterSpec) (Plan, error) {
	plan := Plan{
		Query:       Query{Collection: c},
		Fingerprint: spec.Fingerprint(c),
	}

	fields := make([]string, 0, len(spec.Equality))
	for field := range spec.Equality {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		values := dedupeValues(spec.Equality[field].Values)
		switch {
		case len(values) == 0:
			return Plan{}, newValidationError(CodeInvalidInput, nil, "filter on %s has no values", field)
		case len(values) == 1:
			plan.Query.Filters = append(plan.Query.Filters, Filter{Field: field, Op: OpEqual, Value: values[0]})
			continue
		}
		if limit := p.Capabilities.MaxAnyOf; limit > 0 && len(values) > limit {
			plan.Warnings = append(plan.Warnings, PlanWarning{
				Field:     field,
				Requested: len(values),
				Kept:      limit,
				Message:   "value set truncated to store limit",
			})
			values = values[:limit]
		}
		plan.Query.Filters = append(plan.Query.Filters, Filter{Field: field, Op: OpIn, Value: values})
	}

	if r := spec.Range; r != nil {
		if r.Field == "" {
			return Plan{}, newValidationError(CodeInvalidInput, nil, "range filter without field")
		}
		if r.From != nil && r.To != nil {
			if c, ok := CompareValues(r.From, r.To); !ok || c > 0 {
				return Plan{}, newValidationError(CodeInvalidInput, nil, "range on %s: from is after to", r.Field)
			}
		}
		if r.From != nil {
			plan.Query.Filters = append(plan.Query.Filters, Filter{Field: r.Field, Op: OpGreaterOrEqual, Value: NormalizeValue(r.From)})
		}
		if r.To != nil {
			plan.Query.Filters = append(plan.Query.Filters, Filter{Field: r.Field, Op: OpLessOrEqual, Value: NormalizeValue(r.To)})
		}
	}

	if len(spec.ClientOnly) > 0 {
		plan.Residual = make(map[string]Predicate, len(spec.ClientOnly))
		for field, pred := range spec.ClientOnly {
			plan.Residual[field] = pred
		}
	}
	return plan, nil
}

func hasRange(filters []Filter) bool {
	for _, f := range filters {
		if f.Op.IsRange() {
			return true
		}
	}
	return false
}

func dedupeValues(values []any) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		v = NormalizeValue(v)
		dup := false
		for _, kept := range out {
			if c, ok := CompareValues(v, kept); ok && c == 0 {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	return out
}
