package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/metrics"
	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/repository"
)

// sinkWriteTimeout bounds each audit insert so a slow database cannot wedge
// the dispatcher worker.
const sinkWriteTimeout = 5 * time.Second

// Store is the slice of the audit repository the sink needs.
type Store interface {
	InsertLoginEvent(ctx context.Context, event *repository.LoginEvent) error
	InsertTokenEvent(ctx context.Context, event *repository.TokenEvent) error
}

// PostgresSink writes events to the login_history and token_activity
// tables. Insert failures are logged and discarded; an audit row is never
// worth failing anything over.
type PostgresSink struct {
	store  Store
	logger *slog.Logger
}

// NewPostgresSink wires the sink to the audit store.
func NewPostgresSink(store Store, logger *slog.Logger) *PostgresSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresSink{store: store, logger: logger}
}

// Emit implements Sink.
func (s *PostgresSink) Emit(ctx context.Context, event Event) {
	ctx, cancel := context.WithTimeout(ctx, sinkWriteTimeout)
	defer cancel()

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	switch {
	case isLoginEvent(event.Type):
		defer metrics.TimeQuery("insert_login_event")()
		row := &repository.LoginEvent{
			UserID:     event.UserID,
			SessionID:  event.SessionID,
			Event:      event.Type,
			Email:      event.Email,
			IPAddress:  event.IPAddress,
			UserAgent:  event.UserAgent,
			OccurredAt: occurredAt,
		}
		if err := s.store.InsertLoginEvent(ctx, row); err != nil {
			s.logger.Warn("failed to write login history entry",
				slog.String("event_type", event.Type),
				slog.Any("error", err),
			)
		}

	case isTokenEvent(event.Type):
		defer metrics.TimeQuery("insert_token_event")()
		row := &repository.TokenEvent{
			UserID:     event.UserID,
			SessionID:  event.SessionID,
			Action:     event.Type,
			TokenType:  event.TokenType,
			Detail:     marshalDetail(event.Detail, s.logger),
			OccurredAt: occurredAt,
		}
		if err := s.store.InsertTokenEvent(ctx, row); err != nil {
			s.logger.Warn("failed to write token activity entry",
				slog.String("event_type", event.Type),
				slog.Any("error", err),
			)
		}

	default:
		s.logger.Warn("unknown audit event type, discarding",
			slog.String("event_type", event.Type),
		)
	}
}

func marshalDetail(detail map[string]any, logger *slog.Logger) []byte {
	if len(detail) == 0 {
		return nil
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		logger.Warn("failed to marshal audit detail", slog.Any("error", err))
		return nil
	}
	return raw
}
