package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chaz8081/pixels-central/internal/ble"
	"github.com/chaz8081/pixels-central/internal/config"
	"github.com/chaz8081/pixels-central/internal/die"
	"github.com/chaz8081/pixels-central/internal/logging"
	"github.com/chaz8081/pixels-central/internal/pool"
	"github.com/chaz8081/pixels-central/internal/store"
)

var errDieNotFound = errors.New("die not found")

// app is what every command needs: config, logging, the known-dice store
// and a pool on the system adapter.
type app struct {
	cfg     *config.Config
	store   *store.Bolt
	adapter ble.Adapter
	pool    *pool.Pool
	logs    io.Closer
}

func newApp() (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	logs, err := logging.Init(config.ParseLogLevel(cfg.LogLevel), cfg.LogFile, os.Stderr)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logs.Close()
		return nil, err
	}

	adapter := ble.NewTinyGoAdapter()
	if err := adapter.Enable(); err != nil {
		st.Close()
		logs.Close()
		return nil, fmt.Errorf("enable bluetooth: %w", err)
	}

	opts := cfg.PoolOptions()
	opts.Store = st
	opts.Die.NotifyUser = promptUser
	p := pool.New(adapter, opts)
	if err := p.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load known dice")
	}

	return &app{cfg: cfg, store: st, adapter: adapter, pool: p, logs: logs}, nil
}

func (a *app) Close() {
	if err := a.pool.Close(); err != nil {
		log.Warn().Err(err).Msg("disconnecting dice")
	}
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("closing store")
	}
	a.logs.Close()
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return config.Default(), nil
}

// selectDie matches a --die value against a die. An empty selector
// matches any die.
func selectDie(sel string) func(die.Info) bool {
	sel = strings.TrimSpace(sel)
	var id uint64
	isID := false
	if hex := strings.TrimPrefix(strings.ToLower(sel), "0x"); len(hex) == 8 {
		if v, err := strconv.ParseUint(hex, 16, 32); err == nil {
			id, isID = v, true
		}
	}
	return func(info die.Info) bool {
		switch {
		case sel == "":
			return true
		case isID && info.DeviceID == uint32(id):
			return true
		case info.Address != "" && strings.EqualFold(info.Address, sel):
			return true
		default:
			return strings.EqualFold(info.Name, sel)
		}
	}
}

// findDie returns the die picked by sel, scanning until it is seen with a
// current address or the configured scan timeout passes.
func (a *app) findDie(ctx context.Context, sel string) (*die.Session, error) {
	match := selectDie(sel)
	usable := func(info die.Info) bool {
		return match(info) && info.Address != "" && info.State != die.StateMissing
	}
	if s, ok := a.pool.Find(usable); ok {
		return s, nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Connection.ScanTimeout)
	defer cancel()

	found := make(chan *die.Session, 1)
	h := a.pool.BeginScanForDice(func(s *die.Session) {
		if usable(s.Info()) {
			select {
			case found <- s:
			default:
			}
		}
	})
	defer a.pool.StopScanForDice(h)

	select {
	case s := <-found:
		return s, nil
	case <-ctx.Done():
		if sel == "" {
			return nil, fmt.Errorf("%w: no dice in range", errDieNotFound)
		}
		return nil, fmt.Errorf("%w: %q", errDieNotFound, sel)
	}
}

// withDie finds and connects the --die die, runs fn and releases it.
func withDie(cmd *cobra.Command, fn func(ctx context.Context, s *die.Session) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	s, err := a.findDie(ctx, dieFlag)
	if err != nil {
		return err
	}
	if err := a.pool.ConnectDie(ctx, s); err != nil {
		return err
	}
	defer a.pool.DisconnectDie(s)

	return fn(ctx, s)
}

// promptUser answers die prompts on the terminal.
func promptUser(text string, ok, cancel bool, _ time.Duration) bool {
	fmt.Fprintf(os.Stderr, "\ndie says: %s\n", text)
	if !cancel {
		return ok
	}
	fmt.Fprint(os.Stderr, "ok? [y/N] ")
	var answer string
	if _, err := fmt.Fscanln(os.Stdin, &answer); err != nil {
		return false
	}
	return strings.HasPrefix(strings.ToLower(answer), "y")
}

func printProgress(p float64) {
	fmt.Fprintf(os.Stderr, "\r%3.0f%%", p*100)
	if p >= 1 {
		fmt.Fprintln(os.Stderr)
	}
}

// parseColor reads an RRGGBB hex color.
func parseColor(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "#"), "0x")
	if len(s) != 6 {
		return 0, fmt.Errorf("color %q: want RRGGBB", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("color %q: %w", s, err)
	}
	return uint32(v), nil
}
