package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/john/printfleet/fleet"
	"github.com/john/printfleet/printer"
)

// ErrUnknownAction is returned by Control for anything but pause, resume
// and cancel.
var ErrUnknownAction = errors.New("unknown print action")

// Control sends a print command to a printer and mirrors it in the store.
// Cancel ends the current job as CANCELLED and frees the printer.
func (s *Scheduler) Control(ctx context.Context, printerID string, action printer.Action) error {
	if !action.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	p, err := s.store.GetPrinter(ctx, printerID)
	if err != nil {
		return err
	}

	client := s.clients.Client(ctx, p.Address, p.Protocol)
	ctl, ok := client.(printer.Controller)
	if !ok {
		return fmt.Errorf("%s printer %s: %w", client.Protocol(), p.Name, printer.ErrControlUnsupported)
	}
	if err := ctl.Control(ctx, action); err != nil {
		return err
	}

	s.log.Info().Str("printer", p.Name).Str("action", string(action)).Msg("Sent print command")

	switch action {
	case printer.ActionCancel:
		if p.CurrentJobID == nil {
			return s.store.UpdatePrinter(ctx, p.ID, fleet.StatusUpdate(fleet.PrinterIdle, nil))
		}
		return s.store.CancelJob(ctx, p.ID, *p.CurrentJobID, s.now())
	case printer.ActionPause:
		return s.store.UpdatePrinter(ctx, p.ID, fleet.StatusUpdate(fleet.PrinterPaused, nil))
	case printer.ActionResume:
		return s.store.UpdatePrinter(ctx, p.ID, fleet.StatusUpdate(fleet.PrinterPrinting, nil))
	}
	return nil
}
