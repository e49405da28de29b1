package cli

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pliu/msgsync/internal/config"
	"github.com/pliu/msgsync/internal/engine"
)

const closeTimeout = 10 * time.Second

func openSession(ctx context.Context, cfg *config.Config, log *zap.Logger, reg prometheus.Registerer) (*engine.Session, error) {
	if cfg.Token == "" {
		return nil, errors.New("not logged in, run msgsync login first")
	}
	return engine.Open(ctx, engine.Options{Config: cfg, Log: log, Registerer: reg})
}

func closeSession(s *engine.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return s.Close(ctx)
}
