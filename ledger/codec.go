package ledger

import "github.com/shopspring/decimal"

// =============================================================================
// CODECS - Entity <-> Fields
// =============================================================================
// Money is persisted as a fixed 2-place string, dates as UTC time.Time,
// absent optional values as nil.

func (c Campaign) Fields() Fields {
	return Fields{
		FieldName:      c.Name,
		FieldStatus:    string(c.Status),
		"startDate":    timeValue(c.StartDate),
		"endDate":      timeValue(c.EndDate),
		"invoiceIds":   stringsValue(c.InvoiceIDs),
		"lineItemIds":  stringsValue(c.LineItemIDs),
		FieldCreatedAt: timeValue(c.CreatedAt),
		FieldUpdatedAt: timeValue(c.UpdatedAt),
	}
}

func CampaignFromSnapshot(s *Snapshot) (*Campaign, error) {
	f := s.Fields
	return &Campaign{
		ID:          s.ID,
		Name:        f.String(FieldName),
		Status:      CampaignStatus(f.String(FieldStatus)),
		StartDate:   f.Time("startDate"),
		EndDate:     f.Time("endDate"),
		InvoiceIDs:  f.Strings("invoiceIds"),
		LineItemIDs: f.Strings("lineItemIds"),
		CreatedAt:   f.Time(FieldCreatedAt),
		UpdatedAt:   f.Time(FieldUpdatedAt),
		Version:     s.Version,
	}, nil
}

func (l LineItem) Fields() Fields {
	var invoiceID any
	if l.InvoiceID != "" {
		invoiceID = l.InvoiceID
	}
	return Fields{
		FieldCampaignID: l.CampaignID,
		FieldName:       l.Name,
		"bookedAmount":  FormatMoney(l.BookedAmount),
		"actualAmount":  FormatMoney(l.ActualAmount),
		"adjustments":   FormatMoney(l.Adjustments),
		FieldInvoiceID:  invoiceID,
		FieldCreatedAt:  timeValue(l.CreatedAt),
		FieldUpdatedAt:  timeValue(l.UpdatedAt),
	}
}

func LineItemFromSnapshot(s *Snapshot) (*LineItem, error) {
	f := s.Fields
	amounts, err := parseAmounts(s, "bookedAmount", "actualAmount", "adjustments")
	if err != nil {
		return nil, err
	}
	return &LineItem{
		ID:           s.ID,
		CampaignID:   f.String(FieldCampaignID),
		Name:         f.String(FieldName),
		BookedAmount: amounts[0],
		ActualAmount: amounts[1],
		Adjustments:  amounts[2],
		InvoiceID:    f.String(FieldInvoiceID),
		CreatedAt:    f.Time(FieldCreatedAt),
		UpdatedAt:    f.Time(FieldUpdatedAt),
		Version:      s.Version,
	}, nil
}

func (inv Invoice) Fields() Fields {
	return Fields{
		FieldCampaignID:    inv.CampaignID,
		FieldInvoiceNumber: inv.InvoiceNumber,
		FieldClientName:    inv.ClientName,
		"clientEmail":      inv.ClientEmail,
		"currency":         inv.Currency,
		"lineItemIds":      stringsValue(inv.LineItemIDs),
		"bookedAmount":     FormatMoney(inv.BookedAmount),
		"actualAmount":     FormatMoney(inv.ActualAmount),
		"totalAdjustments": FormatMoney(inv.TotalAdjustments),
		"totalAmount":      FormatMoney(inv.TotalAmount),
		FieldIssueDate:     timeValue(inv.IssueDate),
		FieldDueDate:       timeValue(inv.DueDate),
		FieldPaidDate:      timePtrValue(inv.PaidDate),
		FieldStatus:        string(inv.Status),
		FieldCreatedAt:     timeValue(inv.CreatedAt),
		FieldUpdatedAt:     timeValue(inv.UpdatedAt),
	}
}

func InvoiceFromSnapshot(s *Snapshot) (*Invoice, error) {
	f := s.Fields
	amounts, err := parseAmounts(s, "bookedAmount", "actualAmount", "totalAdjustments", "totalAmount")
	if err != nil {
		return nil, err
	}
	return &Invoice{
		ID:               s.ID,
		CampaignID:       f.String(FieldCampaignID),
		InvoiceNumber:    f.String(FieldInvoiceNumber),
		ClientName:       f.String(FieldClientName),
		ClientEmail:      f.String("clientEmail"),
		Currency:         f.String("currency"),
		LineItemIDs:      f.Strings("lineItemIds"),
		BookedAmount:     amounts[0],
		ActualAmount:     amounts[1],
		TotalAdjustments: amounts[2],
		TotalAmount:      amounts[3],
		IssueDate:        f.Time(FieldIssueDate),
		DueDate:          f.Time(FieldDueDate),
		PaidDate:         f.TimePtr(FieldPaidDate),
		Status:           InvoiceStatus(f.String(FieldStatus)),
		CreatedAt:        f.Time(FieldCreatedAt),
		UpdatedAt:        f.Time(FieldUpdatedAt),
		Version:          s.Version,
	}, nil
}

func (e ChangeLogEntry) Fields() Fields {
	return Fields{
		FieldEntityType:         string(e.EntityType),
		FieldEntityID:           e.EntityID,
		FieldChangeType:         string(e.ChangeType),
		"previousAmount":        FormatMoney(e.PreviousAmount),
		"newAmount":             FormatMoney(e.NewAmount),
		"difference":            FormatMoney(e.Difference),
		"bookedAmountAtTime":    FormatMoney(e.BookedAmountAtTime),
		"actualAmountAtTime":    FormatMoney(e.ActualAmountAtTime),
		"comment":               e.Comment,
		FieldTimestamp:          timeValue(e.Timestamp),
		FieldInvoiceID:          e.InvoiceID,
		FieldInvoiceNumber:      e.InvoiceNumber,
		FieldCampaignID:         e.CampaignID,
		"lineItemName":          e.LineItemName,
		"previousInvoiceId":     e.PreviousInvoiceID,
		"previousInvoiceNumber": e.PreviousInvoiceNumber,
	}
}

func ChangeLogEntryFromSnapshot(s *Snapshot) (*ChangeLogEntry, error) {
	return changeLogEntryFromFields(s.ID, s.Fields)
}

func changeLogEntryFromFields(id string, f Fields) (*ChangeLogEntry, error) {
	amounts, err := parseAmountFields(id, f, "previousAmount", "newAmount", "difference", "bookedAmountAtTime", "actualAmountAtTime")
	if err != nil {
		return nil, err
	}
	return &ChangeLogEntry{
		ID:                    id,
		EntityType:            EntityType(f.String(FieldEntityType)),
		EntityID:              f.String(FieldEntityID),
		ChangeType:            ChangeType(f.String(FieldChangeType)),
		PreviousAmount:        amounts[0],
		NewAmount:             amounts[1],
		Difference:            amounts[2],
		BookedAmountAtTime:    amounts[3],
		ActualAmountAtTime:    amounts[4],
		Comment:               f.String("comment"),
		Timestamp:             f.Time(FieldTimestamp),
		InvoiceID:             f.String(FieldInvoiceID),
		InvoiceNumber:         f.String(FieldInvoiceNumber),
		CampaignID:            f.String(FieldCampaignID),
		LineItemName:          f.String("lineItemName"),
		PreviousInvoiceID:     f.String("previousInvoiceId"),
		PreviousInvoiceNumber: f.String("previousInvoiceNumber"),
	}, nil
}

func parseAmounts(s *Snapshot, keys ...string) ([]decimal.Decimal, error) {
	return parseAmountFields(s.ID, s.Fields, keys...)
}

func parseAmountFields(id string, f Fields, keys ...string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(keys))
	for i, k := range keys {
		d, err := ParseMoney(f.String(k))
		if err != nil {
			return nil, &CorruptDocumentError{ID: id, Field: k, Err: err}
		}
		out[i] = d
	}
	return out, nil
}
