package port

import (
	"context"
	"time"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// EventEmitter receives ledger outcomes after commit. Implementations must not
// block the caller and have no way to report failure back to it.
type EventEmitter interface {
	Emit(ctx context.Context, event domain.Event)
}

type AuditSink interface {
	Record(ctx context.Context, entry domain.AuditEntry)
}

// LedgerMetrics observes ledger operations; outcome is "ok" or an error class.
type LedgerMetrics interface {
	ObserveOperation(operation, outcome string, elapsed time.Duration)
}
