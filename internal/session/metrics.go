package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// InitMetrics publishes session gauges on the global meter provider.
func (r *Registry) InitMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-avatar/sessions")
	active, err := meter.Int64ObservableGauge("avatar.sessions.active", metric.WithDescription("Registered avatar sessions"))
	if err != nil {
		return err
	}
	speaking, err := meter.Int64ObservableGauge("avatar.sessions.speaking", metric.WithDescription("Sessions currently speaking"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		total, talking := r.snapshotCounts()
		obs.ObserveInt64(active, total)
		obs.ObserveInt64(speaking, talking)
		return nil
	}, active, speaking)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	var talking int64
	for _, s := range sessions {
		if s.Speaking() {
			talking++
		}
	}
	return int64(len(sessions)), talking
}
