package domain

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventOrderCreated        EventType = "OrderCreated"
	EventInboundApplied      EventType = "InboundApplied"
	EventBatchInboundApplied EventType = "BatchInboundApplied"
	EventFulfillmentRecorded EventType = "FulfillmentRecorded"
)

// Event is published after a ledger commit. Levels holds the quantities left
// under every key the operation changed.
type Event struct {
	ID         string         `json:"event_id"`
	Type       EventType      `json:"type"`
	ActorID    string         `json:"actor_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	OrderID    string         `json:"order_id,omitempty"`
	BatchID    string         `json:"batch_id,omitempty"`
	RecordIDs  []string       `json:"record_ids,omitempty"`
	BranchID   int64          `json:"branch_id"`
	Lines      []MovementLine `json:"lines"`
	Levels     []StockLevel   `json:"levels,omitempty"`
}

func NewEvent(eventType EventType, actorID string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		ActorID:    actorID,
		OccurredAt: time.Now().UTC(),
	}
}

type AuditAction string

const (
	AuditOrderCreate       AuditAction = "order.create"
	AuditInboundApply      AuditAction = "inbound.apply"
	AuditInboundBatch      AuditAction = "inbound.batch"
	AuditFulfillmentRecord AuditAction = "fulfillment.record"
)

type AuditEntry struct {
	ActorID     string
	Action      AuditAction
	Description string
	At          time.Time
}
