package acquire

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rawblock/chaintrace-engine/pkg/models"
)

// Monitor polls a source on a fixed tick and pushes fresh observations
// into the sink. Re-observed items are dropped on the payload hash, and
// the seen set is flushed hourly so long-running monitors do not grow
// without bound.

// Source is anything that can produce a batch of observations
type Source interface {
	Poll(ctx context.Context) ([]models.Observation, error)
}

// Sink receives deduplicated observations, typically an investigation's
// ingestion loop.
type Sink func(models.Observation)

type Monitor struct {
	source   Source
	sink     Sink
	interval time.Duration
	seen     map[string]bool
	log      zerolog.Logger
}

func NewMonitor(source Source, sink Sink, interval time.Duration, log zerolog.Logger) *Monitor {
	return &Monitor{
		source:   source,
		sink:     sink,
		interval: interval,
		seen:     make(map[string]bool),
		log:      log.With().Str("component", "monitor").Logger(),
	}
}

// Run blocks until ctx is canceled
func (m *Monitor) Run(ctx context.Context) {
	m.log.Info().Dur("interval", m.interval).Msg("monitor started")
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("monitor stopped")
			return
		case <-cleanup.C:
			m.seen = make(map[string]bool)
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	batch, err := m.source.Poll(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("poll failed")
		return
	}
	fresh := 0
	for _, obs := range batch {
		key := obs.SourceURL + "|" + obs.PayloadHash
		if m.seen[key] {
			continue
		}
		m.seen[key] = true
		m.sink(obs)
		fresh++
	}
	if fresh > 0 {
		m.log.Debug().Int("fresh", fresh).Int("batch", len(batch)).Msg("observations forwarded")
	}
}
