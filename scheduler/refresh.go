package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/john/printfleet/fleet"
)

// RefreshStatuses polls every printer in scope and stores what the device
// reports. Printers that are PRINTING are left to the monitor phase of a
// pass. It returns how many printers were updated.
func (s *Scheduler) RefreshStatuses(ctx context.Context, scope fleet.Scope) (int, error) {
	printers, err := s.store.ListPrinters(ctx, scope)
	if err != nil {
		return 0, fmt.Errorf("listing printers: %w", err)
	}

	var updated atomic.Int64
	ps := newPass()
	s.forEach(printers, ps, func(p fleet.UserPrinter) {
		if p.Status == fleet.PrinterPrinting || p.Address == "" {
			return
		}

		st := s.clients.Client(ctx, p.Address, p.Protocol).Status(ctx)
		u := fleet.StatusUpdate(st.State, nil)
		if st.State != fleet.PrinterOffline {
			now := s.now()
			u.LastSeen = &now
		}
		if err := s.store.UpdatePrinter(ctx, p.ID, u); err != nil {
			s.log.Error().Err(err).Str("printer", p.Name).Msg("Failed to store printer status")
			return
		}
		updated.Add(1)
	})

	for _, msg := range ps.summary().Logs {
		s.log.Error().Msg(msg)
	}
	return int(updated.Load()), nil
}
