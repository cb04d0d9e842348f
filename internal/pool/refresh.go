package pool

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/pixels-central/internal/die"
	"github.com/chaz8081/pixels-central/internal/syncutil"
)

// Refresh scans for ScanTimeout, marks idle dice that were not seen as
// Missing, then connects to every reachable die to read its battery level
// and RSSI. It returns the first failure after all dice were tried.
func (p *Pool) Refresh(ctx context.Context) error {
	var mu syncutil.Mutex
	seen := make(map[*die.Session]bool)
	h := p.BeginScanForDice(func(s *die.Session) {
		mu.Lock()
		defer mu.Unlock()
		seen[s] = true
	})

	timer := p.clock.NewTimer(p.opts.ScanTimeout)
	select {
	case <-timer.Chan():
	case <-ctx.Done():
		timer.Stop()
		p.StopScanForDice(h)
		return fmt.Errorf("pool: refresh: %w", context.Cause(ctx))
	}
	p.StopScanForDice(h)

	var targets []*die.Session
	mu.Lock()
	for _, s := range p.Dice() {
		switch {
		case s.State().Active():
			targets = append(targets, s)
		case seen[s]:
			targets = append(targets, s)
		case s.MarkMissing():
			log.Info().Str("die", s.String()).Msg("pool: die missing")
		}
	}
	mu.Unlock()

	g := new(errgroup.Group)
	g.SetLimit(p.opts.RefreshConcurrency)
	for _, s := range targets {
		g.Go(func() error {
			if err := p.refreshDie(ctx, s); err != nil {
				log.Warn().Err(err).Str("die", s.String()).Msg("pool: refresh failed")
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) refreshDie(ctx context.Context, s *die.Session) error {
	if err := p.ConnectDie(ctx, s); err != nil {
		return err
	}
	defer func() { _ = p.DisconnectDie(s) }()

	if _, err := s.GetBatteryLevel(ctx); err != nil {
		return err
	}
	_, err := s.GetRSSI(ctx)
	return err
}
