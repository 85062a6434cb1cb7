package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/john/printfleet/fleet"
	"github.com/john/printfleet/printer"
	"github.com/john/printfleet/store"
)

// candidateStatuses are the stored statuses that may take new work.
var candidateStatuses = []fleet.PrinterStatus{fleet.PrinterIdle, fleet.PrinterOffline, fleet.PrinterUnknown}

func (s *Scheduler) dispatchPending(ctx context.Context, scope fleet.Scope, ps *pass) error {
	candidates, err := s.store.ListPrinters(ctx, scope, candidateStatuses...)
	if err != nil {
		return err
	}

	ps.mu.Lock()
	ps.sum.CheckedPrinters = len(candidates)
	ps.mu.Unlock()

	s.forEach(candidates, ps, func(p fleet.UserPrinter) {
		s.dispatchCandidate(ctx, p, ps)
	})
	return nil
}

// dispatchCandidate processes one candidate. Any failure after a job was
// selected fails that job, so a broken printer cannot pick the same job on
// every pass.
func (s *Scheduler) dispatchCandidate(ctx context.Context, p fleet.UserPrinter, ps *pass) {
	var selected string
	defer func() {
		if r := recover(); r != nil {
			s.dispatchFailed(ctx, p, selected, fmt.Errorf("panic: %v", r), ps)
		}
	}()

	if err := s.dispatch(ctx, p, &selected, ps); err != nil {
		s.dispatchFailed(ctx, p, selected, err, ps)
	}
}

func (s *Scheduler) dispatchFailed(ctx context.Context, p fleet.UserPrinter, jobID string, err error, ps *pass) {
	s.log.Error().Err(err).Str("printer", p.Name).Str("job", jobID).Msg("Failed to process job for printer")
	ps.fail("Error on printer %s: %v", p.Name, err)
	if jobID == "" {
		return
	}
	if s.failJob(ctx, jobID, fleet.FailureDispatchError) {
		ps.logf("Marked job %s as FAILED due to start error.", jobID)
	}
}

// failJob marks a PENDING job FAILED and reports whether it did.
func (s *Scheduler) failJob(ctx context.Context, jobID string, reason fleet.FailureReason) bool {
	err := s.store.FailJob(ctx, jobID, reason)
	switch {
	case err == nil:
		s.metrics.JobFailed(reason)
		return true
	case errors.Is(err, store.ErrJobUnavailable):
		s.log.Debug().Str("job", jobID).Msg("Job already left PENDING, not failing it")
	default:
		s.log.Error().Err(err).Str("job", jobID).Msg("Failed to mark job as failed")
	}
	return false
}

func (s *Scheduler) dispatch(ctx context.Context, p fleet.UserPrinter, selected *string, ps *pass) error {
	own, err := s.store.NextPendingJob(ctx, p.ID)
	if err != nil {
		return err
	}

	client := s.clients.Client(ctx, p.Address, p.Protocol)
	st := client.Status(ctx)

	if st.State == fleet.PrinterOffline {
		ps.logf("Printer %s is OFFLINE.", p.Name)
		return s.markOffline(ctx, p, "Printer Offline",
			fmt.Sprintf("Printer %q is unreachable.", p.Name), fleet.SeverityWarning)
	}

	// The printer was running a job when it dropped off; settle that job
	// before handing out new work.
	if st.State == fleet.PrinterIdle && p.CurrentJobID != nil {
		return s.settleDangling(ctx, p, *p.CurrentJobID, st, ps)
	}

	if p.Status != st.State {
		now := s.now()
		if err := s.store.UpdatePrinter(ctx, p.ID, fleet.StatusUpdate(st.State, &now)); err != nil {
			return fmt.Errorf("syncing status: %w", err)
		}
	}

	switch st.State {
	case fleet.PrinterPrinting, fleet.PrinterPaused:
		ps.logf("Printer %s is BUSY (%s).", p.Name, st.State)
		return nil
	case fleet.PrinterError:
		ps.logf("Printer %s is in ERROR state.", p.Name)
		return nil
	case fleet.PrinterIdle, fleet.PrinterOffline, fleet.PrinterUnknown:
	}

	var jobID string
	if own != nil && ps.reserve(own.ID) {
		jobID = own.ID
	}
	stolen := false
	if jobID == "" {
		job, err := s.steal(ctx, p, ps)
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}
		jobID, stolen = job.ID, true
	}
	*selected = jobID

	return s.start(ctx, p, client, jobID, stolen, ps)
}

// settleDangling resolves the job a printer still holds after returning
// from OFFLINE. A device with zeroed counters lost the print entirely.
func (s *Scheduler) settleDangling(ctx context.Context, p fleet.UserPrinter, jobID string, st printer.Status, ps *pass) error {
	if st.PrintDuration == 0 && st.TotalDuration == 0 {
		closed, err := s.closeJob(ctx, p, jobID, fleet.JobFailed, fleet.FailureInterrupted, ps)
		if err != nil || !closed {
			return err
		}
		ps.logf("Printer %s came back without its print. Marked job %s as FAILED.", p.Name, jobID)
		return nil
	}
	_, err := s.finish(ctx, p, jobID, st, ps)
	return err
}

// steal picks the oldest backlog job of the same owner that fits this
// printer's build volume and is not claimed yet in this pass.
func (s *Scheduler) steal(ctx context.Context, p fleet.UserPrinter, ps *pass) (*fleet.PrintJob, error) {
	backlog, err := s.store.ListPendingJobs(ctx, p.OwnerID, s.cfg.StealLimit)
	if err != nil {
		return nil, fmt.Errorf("listing backlog: %w", err)
	}
	for i := range backlog {
		job := &backlog[i]
		if !p.Printer.Fits(job.Model) {
			continue
		}
		if ps.reserve(job.ID) {
			return job, nil
		}
	}
	return nil, nil
}

// start uploads the job's G-code to the printer and records the dispatch.
func (s *Scheduler) start(ctx context.Context, p fleet.UserPrinter, client printer.Client, jobID string, stolen bool, ps *pass) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if job.Model == nil || job.Model.GCodePath == "" {
		s.log.Error().Str("job", jobID).Msg("Job has no G-code path")
		ps.fail("Job %s has no G-code path. Marked as FAILED.", jobID)
		s.failJob(ctx, jobID, fleet.FailureMissingGCode)
		return nil
	}

	path, err := s.files.Resolve(job.Model.GCodePath)
	if err != nil || !s.files.Exists(path) {
		if path == "" {
			path = job.Model.GCodePath
		}
		s.log.Error().Err(err).Str("job", jobID).Str("path", path).Msg("G-code file not found")
		ps.fail("G-code file not found at %s. Marked as FAILED.", path)
		s.failJob(ctx, jobID, fleet.FailureFileNotFound)
		return nil
	}

	upload := s.prepare(p, path, ps)
	if upload != path {
		defer func() {
			if err := s.files.Remove(upload); err != nil {
				s.log.Warn().Err(err).Str("path", upload).Msg("Failed to delete temp G-code file")
			}
		}()
	}

	data, err := s.files.Read(upload)
	if err != nil {
		return err
	}
	if err := client.UploadAndPrint(ctx, data, filepath.Base(path)); err != nil {
		return err
	}

	err = s.store.StartJob(ctx, fleet.JobStart{
		JobID:     jobID,
		PrinterID: p.ID,
		Protocol:  client.Protocol(),
		At:        s.now(),
	})
	if errors.Is(err, store.ErrJobUnavailable) {
		s.log.Warn().Str("job", jobID).Str("printer", p.Name).Msg("Job no longer available, skipping")
		ps.logf("Job %s no longer available, skipping.", jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("recording dispatch: %w", err)
	}

	ps.started()
	s.metrics.JobStarted(stolen)

	stolenText := ""
	if stolen {
		stolenText = " (STOLEN)"
	}
	ps.logf("Started job %s%s on printer %s (%s)", jobID, stolenText, p.Name, p.Address)
	s.log.Info().Str("job", jobID).Str("printer", p.Name).Bool("stolen", stolen).Msg("Started job")

	s.notify(ctx, p.OwnerID, "Print Started",
		fmt.Sprintf("Printer %q started printing %q.", p.Name, job.Model.Name), fleet.SeverityInfo)
	return nil
}

// prepare returns the file to upload: an injected copy when the printer
// has an eject script and injection works, the original otherwise.
func (s *Scheduler) prepare(p fleet.UserPrinter, path string, ps *pass) string {
	if p.EjectGCode == "" || s.injector == nil {
		return path
	}
	if !s.files.CanStage(path) {
		s.log.Warn().Str("printer", p.Name).Msg("Not enough space to stage injected G-code")
		ps.logf("Not enough space to stage injected G-code for printer %s, using original file.", p.Name)
		return path
	}

	injected, err := s.injector.Inject(path, p.EjectGCode)
	if err != nil {
		s.log.Warn().Err(err).Str("printer", p.Name).Msg("Failed to inject G-code")
		ps.logf("G-code injection failed, using original file: %v", err)
		return path
	}
	return injected
}
