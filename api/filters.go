package api

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/warp/billing-ledger/ledger"
)

// =============================================================================
// LIST FILTER MODEL
// =============================================================================
// Query parameters of GET /api/{collection} and /count:
//
//   <equality field>=a,b     any of the values (store "in", capped)
//   date_field=issue_date    which date field carries the store range
//   from=, to=               bounds on date_field (YYYY-MM-DD or RFC 3339)
//   <date field>_from/_to    bounds on any other date field (client-side)
//   search=                  case-insensitive contains (client-side)
//   exclude_status=          status != value (client-side)
//   sort=, order=asc|desc    ignored for the store order when a range exists
//   page_size=, cursor=
//
// invoice_id=none selects unbilled line items.

type filterModel struct {
	equality    map[string]string // param -> store field
	dateFields  map[string]string
	defaultDate string
	search      string
}

var filterModels = map[ledger.Collection]filterModel{
	ledger.Campaigns: {
		equality:    map[string]string{"status": ledger.FieldStatus},
		dateFields:  map[string]string{"created_at": ledger.FieldCreatedAt, "start_date": "startDate", "end_date": "endDate"},
		defaultDate: "created_at",
		search:      ledger.FieldName,
	},
	ledger.LineItems: {
		equality:    map[string]string{"campaign_id": ledger.FieldCampaignID, "invoice_id": ledger.FieldInvoiceID},
		dateFields:  map[string]string{"created_at": ledger.FieldCreatedAt},
		defaultDate: "created_at",
		search:      ledger.FieldName,
	},
	ledger.Invoices: {
		equality: map[string]string{
			"status":      ledger.FieldStatus,
			"campaign_id": ledger.FieldCampaignID,
			"client_name": ledger.FieldClientName,
			"currency":    "currency",
		},
		dateFields: map[string]string{
			"issue_date": ledger.FieldIssueDate,
			"due_date":   ledger.FieldDueDate,
			"paid_date":  ledger.FieldPaidDate,
			"created_at": ledger.FieldCreatedAt,
		},
		defaultDate: "issue_date",
		search:      ledger.FieldClientName,
	},
	ledger.ChangeLog: {
		equality: map[string]string{
			"invoice_id":  ledger.FieldInvoiceID,
			"campaign_id": ledger.FieldCampaignID,
			"entity_type": ledger.FieldEntityType,
			"entity_id":   ledger.FieldEntityID,
			"change_type": ledger.FieldChangeType,
		},
		dateFields:  map[string]string{"timestamp": ledger.FieldTimestamp},
		defaultDate: "timestamp",
		search:      "comment",
	},
}

func parseListQuery(c ledger.Collection, q url.Values) (ledger.FilterSpec, ledger.PageRequest, error) {
	spec, err := parseFilterSpec(c, q)
	if err != nil {
		return ledger.FilterSpec{}, ledger.PageRequest{}, err
	}
	page := ledger.PageRequest{Cursor: q.Get("cursor")}
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return ledger.FilterSpec{}, ledger.PageRequest{}, invalidParam("page_size", v)
		}
		page.Size = n
	}
	return spec, page, nil
}

func parseFilterSpec(c ledger.Collection, q url.Values) (ledger.FilterSpec, error) {
	model, ok := filterModels[c]
	if !ok {
		return ledger.FilterSpec{}, invalidParam("collection", string(c))
	}
	spec := ledger.FilterSpec{
		Equality:   map[string]ledger.FilterValue{},
		ClientOnly: map[string]ledger.Predicate{},
	}

	for param, field := range model.equality {
		values := splitValues(q[param])
		if len(values) == 0 {
			continue
		}
		anyValues := make([]any, len(values))
		for i, v := range values {
			if param == "invoice_id" && v == "none" {
				anyValues[i] = nil
				continue
			}
			anyValues[i] = v
		}
		spec.Equality[field] = ledger.AnyOf(anyValues...)
	}

	dateParam := q.Get("date_field")
	if dateParam == "" {
		dateParam = model.defaultDate
	}
	dateField, ok := model.dateFields[dateParam]
	if !ok {
		return ledger.FilterSpec{}, invalidParam("date_field", dateParam)
	}
	from, err := parseBound("from", q.Get("from"), false)
	if err != nil {
		return ledger.FilterSpec{}, err
	}
	to, err := parseBound("to", q.Get("to"), true)
	if err != nil {
		return ledger.FilterSpec{}, err
	}
	if from != nil || to != nil {
		spec.Range = &ledger.RangeFilter{Field: dateField}
		if from != nil {
			spec.Range.From = *from
		}
		if to != nil {
			spec.Range.To = *to
		}
	}

	// Every other date field can only be bounded client-side.
	for param, field := range model.dateFields {
		lo, err := parseBound(param+"_from", q.Get(param+"_from"), false)
		if err != nil {
			return ledger.FilterSpec{}, err
		}
		hi, err := parseBound(param+"_to", q.Get(param+"_to"), true)
		if err != nil {
			return ledger.FilterSpec{}, err
		}
		if lo == nil && hi == nil {
			continue
		}
		pred := ledger.Predicate{Op: ledger.PredBetween}
		if lo != nil {
			pred.Value = *lo
		}
		if hi != nil {
			pred.Upper = *hi
		}
		spec.ClientOnly[field] = pred
	}

	if s := strings.TrimSpace(q.Get("search")); s != "" {
		spec.ClientOnly[model.search] = ledger.Contains(s)
	}
	if s := q.Get("exclude_status"); s != "" {
		spec.ClientOnly[ledger.FieldStatus] = ledger.Predicate{Op: ledger.PredNotEqual, Value: s}
	}

	if sort := q.Get("sort"); sort != "" {
		field, ok := model.dateFields[sort]
		if !ok {
			if sort != "id" && sort != "name" && sort != "invoice_number" {
				return ledger.FilterSpec{}, invalidParam("sort", sort)
			}
			field = map[string]string{"id": ledger.FieldID, "name": ledger.FieldName, "invoice_number": ledger.FieldInvoiceNumber}[sort]
		}
		spec.SortField = field
	}
	switch q.Get("order") {
	case "":
	case "asc":
		desc := false
		spec.SortDescending = &desc
	case "desc":
		desc := true
		spec.SortDescending = &desc
	default:
		return ledger.FilterSpec{}, invalidParam("order", q.Get("order"))
	}
	return spec, nil
}

func splitValues(raw []string) []string {
	var out []string
	for _, r := range raw {
		for _, v := range strings.Split(r, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

// parseBound accepts a date or an RFC 3339 timestamp. A bare date used as
// an upper bound covers the whole day.
func parseBound(param, s string, upper bool) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil, invalidParam(param, s)
	}
	if upper {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func invalidParam(param, value string) error {
	return &ledger.ValidationError{
		Code:    ledger.CodeInvalidInput,
		Message: fmt.Sprintf("invalid %s %q", param, value),
	}
}
