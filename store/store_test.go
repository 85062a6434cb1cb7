package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/printfleet/fleet"
)

// fleetStore is the surface both implementations share.
type fleetStore interface {
	CreatePrinter(ctx context.Context, p *fleet.Printer) error
	CreateUserPrinter(ctx context.Context, p *fleet.UserPrinter) error
	CreateModel(ctx context.Context, m *fleet.Model) error
	CreateJob(ctx context.Context, j *fleet.PrintJob) error

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
	CreateNotification(ctx context.Context, n *fleet.Notification) error
}

var (
	_ fleetStore = (*Memory)(nil)
	_ fleetStore = (*Gorm)(nil)
)

type fixture struct {
	catalog  *fleet.Printer
	alpha    *fleet.UserPrinter
	beta     *fleet.UserPrinter
	other    *fleet.UserPrinter
	model    *fleet.Model
	oldest   *fleet.PrintJob
	newer    *fleet.PrintJob
	foreign  *fleet.PrintJob
	baseTime time.Time
}

func seed(t *testing.T, s fleetStore) fixture {
	t.Helper()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour).UTC().Truncate(time.Millisecond)

	f := fixture{baseTime: base}
	f.catalog = &fleet.Printer{Manufacturer: "Prusa", Model: "MK4", BuildVolumeX: 250, BuildVolumeY: 210, BuildVolumeZ: 220}
	require.NoError(t, s.CreatePrinter(ctx, f.catalog))

	f.alpha = &fleet.UserPrinter{OwnerID: "u1", PrinterID: f.catalog.ID, Name: "alpha", Address: "10.0.0.1", Status: fleet.PrinterIdle, CreatedAt: base}
	f.beta = &fleet.UserPrinter{OwnerID: "u1", PrinterID: f.catalog.ID, Name: "beta", Address: "10.0.0.2", Status: fleet.PrinterOffline, CreatedAt: base.Add(time.Minute)}
	f.other = &fleet.UserPrinter{OwnerID: "u2", Name: "other", Address: "10.0.0.3", Status: fleet.PrinterIdle, CreatedAt: base.Add(2 * time.Minute)}
	for _, p := range []*fleet.UserPrinter{f.alpha, f.beta, f.other} {
		require.NoError(t, s.CreateUserPrinter(ctx, p))
	}

	f.model = &fleet.Model{OwnerID: "u1", Name: "cube", WidthMm: 20, DepthMm: 20, HeightMm: 20, GCodePath: "/models/cube.gcode"}
	require.NoError(t, s.CreateModel(ctx, f.model))

	f.newer = &fleet.PrintJob{ModelID: f.model.ID, UserPrinterID: f.beta.ID, CreatedAt: base.Add(2 * time.Minute)}
	f.oldest = &fleet.PrintJob{ModelID: f.model.ID, UserPrinterID: f.beta.ID, CreatedAt: base.Add(time.Minute)}
	f.foreign = &fleet.PrintJob{ModelID: f.model.ID, UserPrinterID: f.other.ID, CreatedAt: base}
	for _, j := range []*fleet.PrintJob{f.newer, f.oldest, f.foreign} {
		require.NoError(t, s.CreateJob(ctx, j))
	}
	return f
}

func runStoreContract(t *testing.T, open func(t *testing.T) fleetStore) {
	ctx := context.Background()

	t.Run("ListPrinters", func(t *testing.T) {
		s := open(t)
		f := seed(t, s)

		all, err := s.ListPrinters(ctx, fleet.Scope{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"alpha", "beta", "other"}, names(all))

		idle, err := s.ListPrinters(ctx, fleet.Scope{}, fleet.PrinterIdle)
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "other"}, names(idle))

		owned, err := s.ListPrinters(ctx, fleet.Scope{OwnerID: "u1"}, fleet.PrinterIdle, fleet.PrinterOffline)
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "beta"}, names(owned))
		require.NotNil(t, owned[0].Printer)
		assert.Equal(t, f.catalog.ID, owned[0].Printer.ID)
		assert.InDelta(t, 250, owned[0].Printer.BuildVolumeX, 1e-9)

		got, err := s.GetPrinter(ctx, f.other.ID)
		require.NoError(t, err)
		assert.Nil(t, got.Printer)

		_, err = s.GetPrinter(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("NextPendingJob", func(t *testing.T) {
		s := open(t)
		f := seed(t, s)

		next, err := s.NextPendingJob(ctx, f.beta.ID)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, f.oldest.ID, next.ID)

		none, err := s.NextPendingJob(ctx, f.alpha.ID)
		require.NoError(t, err)
		assert.Nil(t, none)
	})

	t.Run("ListPendingJobs", func(t *testing.T) {
		s := open(t)
		f := seed(t, s)

		jobs, err := s.ListPendingJobs(ctx, "u1", 10)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, f.oldest.ID, jobs[0].ID)
		assert.Equal(t, f.newer.ID, jobs[1].ID)
		require.NotNil(t, jobs[0].Model)
		assert.Equal(t, "cube", jobs[0].Model.Name)

		limited, err := s.ListPendingJobs(ctx, "u1", 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, f.oldest.ID, limited[0].ID)

		foreign, err := s.ListPendingJobs(ctx, "u2", 10)
		require.NoError(t, err)
		require.Len(t, foreign, 1)
		assert.Equal(t, f.foreign.ID, foreign[0].ID)
	})

	t.Run("StartJobIsConditional", func(t *testing.T) {
		s := open(t)
		f := seed(t, s)
		at := time.Now().UTC().Truncate(time.Millisecond)

		start := fleet.JobStart{JobID: f.oldest.ID, PrinterID: f.alpha.ID, Protocol: fleet.ProtocolMoonraker, At: at}
		require.NoError(t, s.StartJob(ctx, start))

		job, err := s.GetJob(ctx, f.oldest.ID)
		require.NoError(t, err)
		assert.Equal(t, fleet.JobPrinting, job.Status)
		assert.Equal(t, f.alpha.ID, job.UserPrinterID)
		require.NotNil(t, job.StartTime)
		assert.WithinDuration(t, at, *job.StartTime, time.Millisecond)
		require.NotNil(t, job.Model)

		p, err := s.GetPrinter(ctx, f.alpha.ID)
		require.NoError(t, err)
		assert.Equal(t, fleet.PrinterPrinting, p.Status)
		require.NotNil(t, p.CurrentJobID)
		assert.Equal(t, f.oldest.ID, *p.CurrentJobID)
		assert.Equal(t, fleet.ProtocolMoonraker, p.Protocol)
		require.NotNil(t, p.LastSeen)

		// A second claim on the same job loses and touches nothing.
		err = s.StartJob(ctx, fleet.JobStart{JobID: f.oldest.ID, PrinterID: f.other.ID, Protocol: fleet.ProtocolMoonraker, At: at})
		assert.True(t, errors.Is(err, ErrJobUnavailable))
		other, err := s.GetPrinter(ctx, f.other.ID)
		require.NoError(t, err)
		assert.Equal(t, fleet.PrinterIdle, other.Status)
		assert.Nil(t, other.CurrentJobID)
	})

	t.Run("FinishJob", func(t *testing.T) {
		s := open(t)
		f := seed(t, s)
		at := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, s.StartJob(ctx, fleet.JobStart{JobID: f.oldest.ID, PrinterID: f.beta.ID, Protocol: fleet.ProtocolMoonraker, At: at}))

		require.NoError(t, s.FinishJob(ctx, f.beta.ID, f.oldest.ID, fleet.JobFailed, fleet.FailureEarlyStop, at.Add(time.Minute)))

		job, err := s.GetJob(ctx, f.oldest.ID)
		require.NoError(t, err)
		assert.Equal(t, fleet.JobFailed, job.Status)
		assert.Equal(t, fleet.FailureEarlyStop, job.FailureReason)
		require.NotNil(t, job.EndTime)

		p, err := s.GetPrinter(ctx, f.beta.ID)
		require.NoError(t, err)
		assert.Equal(t, fleet.PrinterIdle, p.Status)
		assert.Nil(t, p.CurrentJobID)

		// Terminal jobs never move again.
		err = s.FinishJob(ctx, f.beta.ID, f.oldest.ID, fleet.JobCompleted, fleet.FailureNone, at)
		assert.True(t, errors.Is(err, ErrJobUnavailable))
		job, err = s.GetJob(ctx, f.oldest.ID)
		require.NoError(t, err)
		assert.Equal(t, fleet.JobFailed, job.Status)
	})

	t.Run("FinishJobAfterCancelFreesPrinterOnly", func(t *testing.T) {
		s := open(t)
		f := seed(t, s)
		at := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, s.StartJob(ctx, fleet.JobStart{JobID: f.oldest.ID, PrinterID: f.beta.ID, Protocol: fleet.ProtocolMoonraker, At: at}))
		// Cancelled through another printer, so beta still points at it.
		require.NoError(t, s.CancelJob(ctx, f.alpha.ID, f.oldest.ID, at))

		err := s.FinishJob(ctx, f.beta.ID, f.oldest.ID, fleet.JobCompleted, fleet.FailureNone, at.Add(time.Minute))
		assert.True(t, errors.Is(err, ErrJobUnavailable))

		job, err := s.GetJob(ctx, f.oldest.ID)
		require.NoError(t, err)
		assert.Equal(t, fleet.JobCancelled, job.Status)

		p, err := s.GetPrinter(ctx, f.beta.ID)
		require.NoError(t, err)
		assert.Equal(t, fleet.PrinterIdle, p.Status)
		assert.Nil(t, p.CurrentJobID)
	})

	t.Run("FailJob", func(t *testing.T) {
		s := open(t)
		f := seed(t, s)

		require.NoError(t, s.FailJob(ctx, f.newer.ID, fleet.FailureMissingGCode))
		job, err := s.GetJob(ctx, f.newer.ID)
		require.NoError(t, err)
		assert.Equal(t, fleet.JobFailed, job.Status)
		assert.Equal(t, fleet.FailureMissingGCode, job.FailureReason)

		err = s.FailJob(ctx, f.newer.ID, fleet.FailureDispatchError)
		assert.True(t, errors.Is(err, ErrJobUnavailable))
	})

	t.Run("CancelJob", func(t *testing.T) {
		s := open(t)
		f := seed(t, s)
		at := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, s.StartJob(ctx, fleet.JobStart{JobID: f.oldest.ID, PrinterID: f.beta.ID, Protocol: fleet.ProtocolMoonraker, At: at}))

		require.NoError(t, s.CancelJob(ctx, f.beta.ID, f.oldest.ID, at))
		job, err := s.GetJob(ctx, f.oldest.ID)
		require.NoError(t, err)
		assert.Equal(t, fleet.JobCancelled, job.Status)
		require.NotNil(t, job.EndTime)

		p, err := s.GetPrinter(ctx, f.beta.ID)
		require.NoError(t, err)
		assert.Equal(t, fleet.PrinterIdle, p.Status)
		assert.Nil(t, p.CurrentJobID)

		err = s.CancelJob(ctx, f.beta.ID, f.oldest.ID, at)
		assert.True(t, errors.Is(err, ErrJobUnavailable))
	})

	t.Run("UpdatePrinter", func(t *testing.T) {
		s := open(t)
		f := seed(t, s)
		seen := time.Now().UTC().Truncate(time.Millisecond)

		require.NoError(t, s.UpdatePrinter(ctx, f.beta.ID, fleet.StatusUpdate(fleet.PrinterIdle, &seen)))
		p, err := s.GetPrinter(ctx, f.beta.ID)
		require.NoError(t, err)
		assert.Equal(t, fleet.PrinterIdle, p.Status)
		require.NotNil(t, p.LastSeen)
		assert.WithinDuration(t, seen, *p.LastSeen, time.Millisecond)
		assert.Equal(t, "beta", p.Name)

		err = s.UpdatePrinter(ctx, "missing", fleet.StatusUpdate(fleet.PrinterIdle, nil))
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("GetJobMissing", func(t *testing.T) {
		s := open(t)
		_, err := s.GetJob(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("CreateNotification", func(t *testing.T) {
		s := open(t)
		n := &fleet.Notification{UserID: "u1", Title: "Print Started", Message: "cube on alpha", Severity: fleet.SeverityInfo}
		require.NoError(t, s.CreateNotification(ctx, n))
		assert.NotEmpty(t, n.ID)
	})
}

func names(ps []fleet.UserPrinter) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Name
	}
	return out
}
