package services

import (
	"context"
	"time"

	"github.com/yungbote/loqui-backend/internal/platform/logger"
)

const healthProbeTimeout = 2 * time.Second

// DatabasePinger and StorePinger are the two dependency probes the health
// endpoint runs; *postgres.PostgresService and kv.Store satisfy them.
type DatabasePinger interface {
	Health(ctx context.Context) error
}

type StorePinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus reports dependency liveness. Services maps dependency name
// to "ok" or "error".
type HealthStatus struct {
	Healthy  bool
	Services map[string]string
}

type HealthService interface {
	Check(ctx context.Context) *HealthStatus
}

type healthService struct {
	log   *logger.Logger
	db    DatabasePinger
	store StorePinger
}

func NewHealthService(db DatabasePinger, store StorePinger, baseLog *logger.Logger) HealthService {
	return &healthService{
		log:   baseLog.With("service", "HealthService"),
		db:    db,
		store: store,
	}
}

func (s *healthService) Check(ctx context.Context) *HealthStatus {
	out := &HealthStatus{Healthy: true, Services: map[string]string{}}
	s.probe(ctx, out, "database", s.db.Health)
	s.probe(ctx, out, "kv", s.store.Ping)
	return out
}

func (s *healthService) probe(ctx context.Context, out *HealthStatus, name string, fn func(context.Context) error) {
	cctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	if err := fn(cctx); err != nil {
		out.Healthy = false
		out.Services[name] = "error"
		s.log.Warn("Health probe failed", "dependency", name, "error", err)
		return
	}
	out.Services[name] = "ok"
}
