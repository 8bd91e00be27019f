package gatehouse

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gatehouse-proxy/gatehouse/cache"
)

// sweepLoop enforces the store's size bound and inactivity window on a
// fixed interval for the lifetime of the instance.
func (g *Gatehouse) sweepLoop(p cache.SweepPolicy, interval time.Duration) {
	log.Info().Dur("interval", interval).Msg("Starting cache sweep loop")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.done:
			return
		case now := <-ticker.C:
			removed, err := g.cache.Sweep(now, p)
			if err != nil {
				log.Error().Err(err).Msg("Cache sweep failed")
				continue
			}
			if removed > 0 {
				log.Debug().Int("removed", removed).Msg("Cache sweep evicted entries")
			}
		}
	}
}
