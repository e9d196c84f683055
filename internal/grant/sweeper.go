package grant

import (
	"context"
	"time"

	"github.com/dropDatabas3/tokend/internal/observability/logger"
)

// Sweeper purga periódicamente grants y registros vencidos. Corre en su
// propia goroutine y opera sobre el mismo store sincronizado que los
// requests en vuelo; los borrados son idempotentes, así que no compite
// destructivamente con una redención concurrente.
type Sweeper struct {
	Store    Store
	Interval time.Duration
}

// Run bloquea hasta que el contexto se cancele.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	log := logger.L().Named("sweeper")

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := s.Store.Sweep(ctx, now)
			if err != nil {
				log.Warn("sweep failed", logger.Err(err))
				continue
			}
			if n > 0 {
				log.Debug("sweep done", logger.Int("removed", n))
			}
		}
	}
}
