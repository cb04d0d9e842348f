package main

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/pixels-central/internal/die"
	"github.com/chaz8081/pixels-central/internal/publish"
	"github.com/chaz8081/pixels-central/internal/syncutil"
)

var monitorConnect bool

func init() {
	monitorCmd.Flags().BoolVar(&monitorConnect, "connect", false, "hold a connection to each die instead of reading advertisements only")
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch dice and log their rolls until interrupted",
	Long: `Monitor scans continuously and logs every roll, battery and state change.

When mqtt.broker is set in the config, the same events are published
under <topic_prefix>/<device id>/{state,roll,battery}.`,
	RunE: runMonitor,
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var pub *publish.Publisher
	if a.cfg.MQTT.Broker != "" {
		pub = publish.New(publish.Options{
			Broker:      a.cfg.MQTT.Broker,
			ClientID:    a.cfg.MQTT.ClientID,
			TopicPrefix: a.cfg.MQTT.TopicPrefix,
			QoS:         a.cfg.MQTT.QoS,
		})
		if err := pub.Start(); err != nil {
			return err
		}
		defer pub.Stop()
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error { return a.pool.Run(ctx) })

	m := &monitor{
		app:     a,
		pub:     pub,
		ctx:     ctx,
		g:       g,
		watched: make(map[*die.Session]bool),
		held:    make(map[*die.Session]bool),
	}
	for _, s := range a.pool.Dice() {
		m.watch(s)
	}
	hAdded := a.pool.DieAdded.Add(m.watch)
	defer a.pool.DieAdded.Remove(hAdded)

	h := a.pool.BeginScanForDice(m.seen)
	log.Info().Bool("connect", monitorConnect).Bool("mqtt", pub != nil).Msg("monitoring dice, Ctrl+C to quit")

	<-ctx.Done()
	a.pool.StopScanForDice(h)
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type monitor struct {
	app *app
	pub *publish.Publisher
	ctx context.Context
	g   *errgroup.Group

	mu      syncutil.Mutex
	watched map[*die.Session]bool
	held    map[*die.Session]bool
}

func (m *monitor) watch(s *die.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watched[s] {
		return
	}
	m.watched[s] = true

	s.RollChanged.Add(func(r die.Roll) {
		log.Info().Str("die", s.String()).Stringer("roll", r.State).Int("face", r.Face+1).Msg("roll")
	})
	s.StateChanged.Add(func(c die.StateChange) {
		log.Info().Str("die", s.String()).Stringer("from", c.Old).Stringer("to", c.New).Msg("state")
	})
	if m.pub != nil {
		m.pub.Watch(s)
	}
}

// seen connects to dice as the scan finds them when --connect is set.
func (m *monitor) seen(s *die.Session) {
	if !monitorConnect {
		return
	}
	m.mu.Lock()
	if m.held[s] {
		m.mu.Unlock()
		return
	}
	m.held[s] = true
	m.mu.Unlock()

	m.g.Go(func() error {
		if err := m.app.pool.ConnectDie(m.ctx, s); err != nil {
			log.Warn().Err(err).Str("die", s.String()).Msg("could not connect")
			m.mu.Lock()
			delete(m.held, s)
			m.mu.Unlock()
			return nil
		}
		<-m.ctx.Done()
		return m.app.pool.DisconnectDie(s)
	})
}

