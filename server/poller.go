package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/john/printfleet/fleet"
	"github.com/john/printfleet/lock"
)

// Poller runs a lock-guarded scheduler pass on a fixed interval.
type Poller struct {
	server   *Server
	scope    fleet.Scope
	interval time.Duration
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	log      zerolog.Logger
}

// NewPoller creates a poller for s. It does nothing until Start.
func NewPoller(s *Server, scope fleet.Scope, interval time.Duration, logger zerolog.Logger) *Poller {
	return &Poller{
		server:   s,
		scope:    scope,
		interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		log:      logger.With().Str("component", "poller").Logger(),
	}
}

// Start begins polling in a goroutine.
func (p *Poller) Start() {
	go p.run()
}

// Stop halts the polling loop and waits for an in-flight pass.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.done
}

func (p *Poller) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	p.poll(ctx)
	for {
		select {
		case <-ticker.C:
			p.poll(ctx)
		case <-p.stopCh:
			return
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	sum, err := p.server.RunPass(ctx, p.scope)
	if errors.Is(err, lock.ErrHeld) {
		p.log.Debug().Msg("Pass already running, skipping tick")
		return
	}
	if err != nil {
		p.log.Error().Err(err).Msg("Scheduled pass failed")
		return
	}
	p.log.Debug().Int("started", sum.JobsStarted).Int("errors", sum.Errors).Msg("Scheduled pass done")
}
