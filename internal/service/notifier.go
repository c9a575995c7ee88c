package service

import (
	"context"

	"github.com/rpattn/zonemap/internal/domain"
	"github.com/rpattn/zonemap/internal/metrics"
)

// publish hands a change to the notifier loop without blocking the writer.
// When the buffer is full the change is dropped; subscribers resync from
// Statistics or Changes.
func (s *Service) publish(change domain.Change) {
	select {
	case s.changes <- change:
	default:
		metrics.NotificationsDropped.Inc()
		s.logger.Warn("notification_dropped", "kind", change.Kind, "version", change.Version)
	}
}

func (s *Service) notifyLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case change := <-s.changes:
			if s.deps.Notifier == nil {
				continue
			}
			if err := s.deps.Notifier.Notify(ctx, change); err != nil {
				s.logger.Warn("notify_failed", "kind", change.Kind, "version", change.Version, "error", err)
			}
		}
	}
}
