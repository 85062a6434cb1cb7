package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/john/printfleet/fleet"
	"github.com/john/printfleet/printer"
	"github.com/john/printfleet/store"
)

func (s *Scheduler) monitorActive(ctx context.Context, scope fleet.Scope, ps *pass) error {
	active, err := s.store.ListPrinters(ctx, scope, fleet.PrinterPrinting)
	if err != nil {
		return err
	}
	s.forEach(active, ps, func(p fleet.UserPrinter) {
		if err := s.monitor(ctx, p, ps); err != nil {
			s.log.Error().Err(err).Str("printer", p.Name).Msg("Monitoring printer failed")
			ps.fail("Error monitoring printer %s: %v", p.Name, err)
		}
	})
	return nil
}

func (s *Scheduler) monitor(ctx context.Context, p fleet.UserPrinter, ps *pass) error {
	if p.CurrentJobID == nil {
		ps.logf("Printer %s is PRINTING without a job. Reset to IDLE.", p.Name)
		return s.store.UpdatePrinter(ctx, p.ID, fleet.StatusUpdate(fleet.PrinterIdle, nil))
	}

	client := s.clients.Client(ctx, p.Address, p.Protocol)
	st := client.Status(ctx)

	switch st.State {
	case fleet.PrinterOffline:
		ps.logf("Printer %s is OFFLINE during print.", p.Name)
		return s.markOffline(ctx, p, "Printer Disconnected",
			fmt.Sprintf("Printer %q went offline during a print job.", p.Name), fleet.SeverityError)
	case fleet.PrinterIdle:
		_, err := s.finish(ctx, p, *p.CurrentJobID, st, ps)
		return err
	case fleet.PrinterPrinting, fleet.PrinterPaused, fleet.PrinterError, fleet.PrinterUnknown:
	}
	return nil
}

// finish resolves the job a printer was running once the device reports
// IDLE. Zeroed durations mean the device has not started or has just
// reset, so nothing is decided; finish then reports false.
func (s *Scheduler) finish(ctx context.Context, p fleet.UserPrinter, jobID string, st printer.Status, ps *pass) (bool, error) {
	if st.PrintDuration == 0 && st.TotalDuration == 0 {
		ps.logf("Printer %s is IDLE but duration is 0. Assuming warming up.", p.Name)
		return false, nil
	}

	status, reason := classify(st)
	closed, err := s.closeJob(ctx, p, jobID, status, reason, ps)
	if err != nil || !closed {
		return closed, err
	}
	if status == fleet.JobFailed {
		ps.logf("Printer %s finished early. Marked as FAILED.", p.Name)
	} else {
		ps.logf("Printer %s finished successfully.", p.Name)
	}
	return true, nil
}

// classify decides the outcome of a print the device reports as finished.
func classify(st printer.Status) (fleet.JobStatus, fleet.FailureReason) {
	if st.TotalDuration > 0 && st.PrintDuration < st.TotalDuration {
		return fleet.JobFailed, fleet.FailureEarlyStop
	}
	return fleet.JobCompleted, fleet.FailureNone
}

// closeJob commits a terminal status for the printer's current job and
// frees the printer, then tells the owner. A job that already left
// PRINTING only frees the printer; closeJob then reports false.
func (s *Scheduler) closeJob(ctx context.Context, p fleet.UserPrinter, jobID string, status fleet.JobStatus, reason fleet.FailureReason, ps *pass) (bool, error) {
	err := s.store.FinishJob(ctx, p.ID, jobID, status, reason, s.now())
	switch {
	case errors.Is(err, store.ErrJobUnavailable):
		s.log.Info().Str("printer", p.Name).Str("job", jobID).Msg("Job no longer PRINTING, printer released")
		ps.logf("Job %s is no longer PRINTING. Printer %s reset to IDLE.", jobID, p.Name)
		return false, nil
	case err != nil:
		return false, fmt.Errorf("finishing job %s: %w", jobID, err)
	}

	s.metrics.JobFinished(status)
	s.log.Info().Str("printer", p.Name).Str("job", jobID).Str("status", string(status)).Msg("Print finished")

	if status == fleet.JobCompleted {
		s.notify(ctx, p.OwnerID, "Print Completed",
			fmt.Sprintf("Printer %q completed its print job.", p.Name), fleet.SeveritySuccess)
		return true, nil
	}
	s.metrics.JobFailed(reason)
	s.notify(ctx, p.OwnerID, "Print Failed",
		fmt.Sprintf("Printer %q stopped before the print job finished.", p.Name), fleet.SeverityError)
	return true, nil
}
