// Package scheduler reconciles the fleet: it resolves finished prints and
// dispatches queued jobs to idle printers. It has no timer of its own; each
// call to ProcessPendingJobs is one pass.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/john/printfleet/fleet"
	"github.com/john/printfleet/metrics"
	"github.com/john/printfleet/notify"
	"github.com/john/printfleet/printer"
)

// Store is the fleet persistence the scheduler needs.
type Store interface {
	ListPrinters(ctx context.Context, scope fleet.Scope, statuses ...fleet.PrinterStatus) ([]fleet.UserPrinter, error)
	GetPrinter(ctx context.Context, id string) (*fleet.UserPrinter, error)
	NextPendingJob(ctx context.Context, printerID string) (*fleet.PrintJob, error)
	ListPendingJobs(ctx context.Context, ownerID string, limit int) ([]fleet.PrintJob, error)
	GetJob(ctx context.Context, id string) (*fleet.PrintJob, error)
	UpdatePrinter(ctx context.Context, id string, u fleet.PrinterUpdate) error
	FailJob(ctx context.Context, id string, reason fleet.FailureReason) error
	FinishJob(ctx context.Context, printerID, jobID string, status fleet.JobStatus, reason fleet.FailureReason, at time.Time) error
	StartJob(ctx context.Context, s fleet.JobStart) error
	CancelJob(ctx context.Context, printerID, jobID string, at time.Time) error
}

// ClientResolver returns the transport for a printer address.
type ClientResolver interface {
	Client(ctx context.Context, address string, hint fleet.Protocol) printer.Client
}

// Files locates and stages sliced G-code.
type Files interface {
	Resolve(gcodePath string) (string, error)
	Exists(path string) bool
	Read(path string) ([]byte, error)
	Remove(path string) error
	CanStage(path string) bool
}

// Injector writes a copy of a G-code file with an eject script spliced in.
type Injector interface {
	Inject(originalPath, script string) (string, error)
}

// Config tunes a pass.
type Config struct {
	// Concurrency bounds the printers processed at once within a phase.
	Concurrency int
	// StealLimit is how many backlog jobs an idle printer inspects when it
	// has nothing queued of its own.
	StealLimit int
}

func DefaultConfig() Config {
	return Config{Concurrency: 8, StealLimit: 10}
}

// Deps are the collaborators of a Scheduler. Notifier and Metrics may be
// nil.
type Deps struct {
	Store    Store
	Clients  ClientResolver
	Files    Files
	Injector Injector
	Notifier notify.Notifier
	Metrics  *metrics.Collector
	Logger   zerolog.Logger
}

type Scheduler struct {
	cfg      Config
	store    Store
	clients  ClientResolver
	files    Files
	injector Injector
	notifier notify.Notifier
	metrics  *metrics.Collector
	log      zerolog.Logger
	now      func() time.Time
}

func New(cfg Config, deps Deps) *Scheduler {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.StealLimit <= 0 {
		cfg.StealLimit = def.StealLimit
	}
	n := deps.Notifier
	if n == nil {
		n = notify.Discard
	}
	return &Scheduler{
		cfg:      cfg,
		store:    deps.Store,
		clients:  deps.Clients,
		files:    deps.Files,
		injector: deps.Injector,
		notifier: n,
		metrics:  deps.Metrics,
		log:      deps.Logger.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
	}
}

// Summary reports the outcome of a pass. Per-printer failures are counted
// in Errors; they never fail the pass.
type Summary struct {
	CheckedPrinters int      `json:"checkedPrinters"`
	JobsStarted     int      `json:"jobsStarted"`
	Errors          int      `json:"errors"`
	Logs            []string `json:"logs"`
}

// pass accumulates a Summary from concurrent printer workers and tracks
// the jobs already claimed in this pass.
type pass struct {
	mu       sync.Mutex
	sum      Summary
	reserved map[string]bool
}

func newPass() *pass {
	return &pass{sum: Summary{Logs: []string{}}, reserved: make(map[string]bool)}
}

func (p *pass) logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	p.mu.Lock()
	p.sum.Logs = append(p.sum.Logs, msg)
	p.mu.Unlock()
}

func (p *pass) fail(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	p.mu.Lock()
	p.sum.Errors++
	p.sum.Logs = append(p.sum.Logs, msg)
	p.mu.Unlock()
}

func (p *pass) started() {
	p.mu.Lock()
	p.sum.JobsStarted++
	p.mu.Unlock()
}

// reserve claims jobID for the caller. It reports false when another
// printer already claimed it in this pass.
func (p *pass) reserve(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reserved[jobID] {
		return false
	}
	p.reserved[jobID] = true
	return true
}

func (p *pass) summary() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sum
}

// ProcessPendingJobs runs one reconciliation pass over the printers in
// scope: first it resolves prints that have finished, then it dispatches
// queued work to idle printers. It always returns a Summary.
func (s *Scheduler) ProcessPendingJobs(ctx context.Context, scope fleet.Scope) (sum Summary) {
	start := s.now()
	ps := newPass()
	s.log.Info().Str("owner", scope.OwnerID).Msg("Starting scheduler pass")

	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("Scheduler pass panicked")
			ps.fail("Global Scheduler Error: %v", r)
		}
		sum = ps.summary()
		s.metrics.ObservePass(s.now().Sub(start), sum.CheckedPrinters, sum.Errors)
		s.log.Info().
			Int("checked", sum.CheckedPrinters).
			Int("started", sum.JobsStarted).
			Int("errors", sum.Errors).
			Dur("took", s.now().Sub(start)).
			Msg("Scheduler pass finished")
	}()

	if err := s.monitorActive(ctx, scope, ps); err != nil {
		s.log.Error().Err(err).Msg("Monitoring active prints failed")
		ps.fail("Global Scheduler Error: %v", err)
		return
	}
	if err := s.dispatchPending(ctx, scope, ps); err != nil {
		s.log.Error().Err(err).Msg("Dispatching pending jobs failed")
		ps.fail("Global Scheduler Error: %v", err)
	}
	return
}

// forEach runs fn for every printer with bounded concurrency. A panic in
// one printer is recovered, counted and logged; siblings keep running.
func (s *Scheduler) forEach(printers []fleet.UserPrinter, ps *pass, fn func(p fleet.UserPrinter)) {
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, p := range printers {
		p := p
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error().Interface("panic", r).Str("printer", p.Name).Msg("Printer processing panicked")
					ps.fail("Error on printer %s: panic: %v", p.Name, r)
				}
			}()
			fn(p)
			return nil
		})
	}
	g.Wait()
}

func (s *Scheduler) notify(ctx context.Context, userID, title, message string, severity fleet.Severity) {
	err := s.notifier.Notify(ctx, fleet.Notification{
		UserID:   userID,
		Title:    title,
		Message:  message,
		Severity: severity,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("user", userID).Str("title", title).Msg("Notification failed")
	}
}

// markOffline stores OFFLINE for p unless it is already stored that way,
// and notifies the owner on the transition only.
func (s *Scheduler) markOffline(ctx context.Context, p fleet.UserPrinter, title, message string, severity fleet.Severity) error {
	if p.Status == fleet.PrinterOffline {
		return nil
	}
	if err := s.store.UpdatePrinter(ctx, p.ID, fleet.StatusUpdate(fleet.PrinterOffline, nil)); err != nil {
		return fmt.Errorf("marking printer offline: %w", err)
	}
	s.metrics.PrinterOffline()
	s.notify(ctx, p.OwnerID, title, message, severity)
	return nil
}
