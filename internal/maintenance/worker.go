// Package maintenance runs memory consolidation in the background.
package maintenance

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/xiy/agent-memory/pkg/types"
)

// Consolidator is the maintenance pass the worker drives.
type Consolidator interface {
	Consolidate(ctx context.Context) (types.ConsolidationResult, error)
}

// Start runs a consolidation pass every interval until ctx is cancelled. A
// non-positive interval disables the worker.
func Start(ctx context.Context, logger *log.Logger, interval time.Duration, c Consolidator) {
	if interval <= 0 {
		logger.Debug("periodic consolidation disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := c.Consolidate(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("consolidation failed", "error", err)
				continue
			}
			if res.BlocksConsolidated > 0 || res.BlocksDecayed > 0 {
				logger.Info("consolidation changed blocks",
					"consolidated", res.BlocksConsolidated,
					"decayed", res.BlocksDecayed)
			}
		}
	}
}

// RunWith runs fn with the consolidation worker beside it. When fn returns the
// worker is stopped, and RunWith returns fn's error only after any pass in
// flight has finished, so callers can close the stores afterwards.
func RunWith(ctx context.Context, logger *log.Logger, interval time.Duration, c Consolidator, fn func(context.Context) error) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		Start(gctx, logger, interval, c)
		return nil
	})
	g.Go(func() error {
		defer stop()
		return fn(gctx)
	})
	return g.Wait()
}
