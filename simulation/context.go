package simulation

import (
	"time"

	"github.com/bcdannyboy/xvacube/logging"
	"github.com/bcdannyboy/xvacube/market"
	"github.com/bcdannyboy/xvacube/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RunContext carries what one simulation run shares across its stages.
type RunContext struct {
	ID      uuid.UUID
	Asof    time.Time
	Market  *market.Market
	Logger  *zap.Logger
	Metrics *metrics.EngineMetrics
}

// NewRunContext tags the logger with a fresh run id. logger and m may be nil.
func NewRunContext(mkt *market.Market, logger *zap.Logger, m *metrics.EngineMetrics) *RunContext {
	id := uuid.New()
	return &RunContext{
		ID:      id,
		Asof:    mkt.Asof,
		Market:  mkt,
		Logger:  logging.OrNop(logger).With(zap.String("run", id.String())),
		Metrics: m,
	}
}
