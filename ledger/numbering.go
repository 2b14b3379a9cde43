package ledger

import (
	"context"
	"fmt"
	"time"
)

// invoiceCounterID is the counters document holding the last issued
// invoice sequence number.
const invoiceCounterID = "invoiceNumber"

// nextInvoiceNumber stages the counter increment into b and returns the
// number it reserves. The counter write is version-checked, so two
// creations reading the same value cannot both commit.
func (e *Engine) nextInvoiceNumber(ctx context.Context, b *Batch, issued time.Time, now time.Time) (string, error) {
	snap, err := e.reader.Get(ctx, Counters, invoiceCounterID)
	if err != nil {
		return "", err
	}
	var seq int64
	if snap != nil {
		seq = snap.Fields.Int("value")
	}
	seq++

	fields := Fields{"value": seq, FieldUpdatedAt: now}
	if snap == nil {
		b.Create(Counters, invoiceCounterID, fields)
	} else {
		b.Update(Counters, invoiceCounterID, snap.Version, fields)
	}

	prefix := e.Config.InvoiceNumberPrefix
	if prefix == "" {
		prefix = "INV"
	}
	return fmt.Sprintf("%s-%d-%06d", prefix, issued.Year(), seq), nil
}
