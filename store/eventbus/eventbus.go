/*
Package eventbus publishes drained change log entries to Google Pub/Sub.

PURPOSE:
  Downstream consumers (finance exports, notifications) learn about
  adjustments and moves without polling the change log. The recorder calls
  PublishChangeLog once an entry is durably in the change log; delivery
  here is best effort and never affects the ledger.

MESSAGE:
  Data:       JSON ChangeLogMessage
  Attributes: entityType, changeType, campaignId (for subscription filters)
  OrderingKey: campaign id when ordering is enabled on the publisher

SEE ALSO:
  - ledger/audit.go: AuditPublisher and the outbox drain
*/
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"

	"github.com/warp/billing-ledger/ledger"
)

// ChangeLogMessage is the wire form of a change log entry. Amounts are
// 2-decimal strings.
type ChangeLogMessage struct {
	ID                    string    `json:"id"`
	EntityType            string    `json:"entity_type"`
	EntityID              string    `json:"entity_id"`
	ChangeType            string    `json:"change_type"`
	PreviousAmount        string    `json:"previous_amount"`
	NewAmount             string    `json:"new_amount"`
	Difference            string    `json:"difference"`
	BookedAmountAtTime    string    `json:"booked_amount_at_time"`
	ActualAmountAtTime    string    `json:"actual_amount_at_time"`
	Comment               string    `json:"comment,omitempty"`
	Timestamp             time.Time `json:"timestamp"`
	InvoiceID             string    `json:"invoice_id,omitempty"`
	InvoiceNumber         string    `json:"invoice_number,omitempty"`
	CampaignID            string    `json:"campaign_id"`
	LineItemName          string    `json:"line_item_name,omitempty"`
	PreviousInvoiceID     string    `json:"previous_invoice_id,omitempty"`
	PreviousInvoiceNumber string    `json:"previous_invoice_number,omitempty"`
}

func NewChangeLogMessage(e ledger.ChangeLogEntry) ChangeLogMessage {
	return ChangeLogMessage{
		ID:                    e.ID,
		EntityType:            string(e.EntityType),
		EntityID:              e.EntityID,
		ChangeType:            string(e.ChangeType),
		PreviousAmount:        ledger.FormatMoney(e.PreviousAmount),
		NewAmount:             ledger.FormatMoney(e.NewAmount),
		Difference:            ledger.FormatMoney(e.Difference),
		BookedAmountAtTime:    ledger.FormatMoney(e.BookedAmountAtTime),
		ActualAmountAtTime:    ledger.FormatMoney(e.ActualAmountAtTime),
		Comment:               e.Comment,
		Timestamp:             e.Timestamp.UTC(),
		InvoiceID:             e.InvoiceID,
		InvoiceNumber:         e.InvoiceNumber,
		CampaignID:            e.CampaignID,
		LineItemName:          e.LineItemName,
		PreviousInvoiceID:     e.PreviousInvoiceID,
		PreviousInvoiceNumber: e.PreviousInvoiceNumber,
	}
}

// Publisher implements ledger.AuditPublisher on one topic.
type Publisher struct {
	topic  *pubsub.Topic
	logger *logrus.Logger
}

func NewPublisher(topic *pubsub.Topic, logger *logrus.Logger) *Publisher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Publisher{topic: topic, logger: logger}
}

// Connect opens a client for projectID and returns a publisher on topicID,
// creating the topic when it does not exist yet.
func Connect(ctx context.Context, projectID, topicID string, logger *logrus.Logger) (*Publisher, *pubsub.Client, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	topic, err := EnsureTopic(ctx, client, topicID)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return NewPublisher(topic, logger), client, nil
}

func EnsureTopic(ctx context.Context, client *pubsub.Client, topicID string) (*pubsub.Topic, error) {
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check topic %s: %w", topicID, err)
	}
	if exists {
		return topic, nil
	}
	topic, err = client.CreateTopic(ctx, topicID)
	if err != nil {
		return nil, fmt.Errorf("failed to create topic %s: %w", topicID, err)
	}
	return topic, nil
}

// PublishChangeLog blocks until Pub/Sub acknowledges the message.
func (p *Publisher) PublishChangeLog(ctx context.Context, entry ledger.ChangeLogEntry) error {
	data, err := json.Marshal(NewChangeLogMessage(entry))
	if err != nil {
		return fmt.Errorf("failed to encode change log entry %s: %w", entry.ID, err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"entityType": string(entry.EntityType),
			"changeType": string(entry.ChangeType),
			"campaignId": entry.CampaignID,
		},
	}
	if p.topic.EnableMessageOrdering {
		msg.OrderingKey = entry.CampaignID
	}

	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to publish change log entry %s: %w", entry.ID, err)
	}
	p.logger.WithFields(logrus.Fields{
		"component":  "eventbus",
		"entry_id":   entry.ID,
		"message_id": id,
	}).Debug("change log entry published")
	return nil
}

// Stop flushes pending messages.
func (p *Publisher) Stop() {
	p.topic.Stop()
}
