package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/john/printfleet/fleet"
)

// Memory is an in-process fleet store. When created with a path, every
// write is persisted to that JSON file and the file is loaded on start.
// All writes happen under a single lock, so multi-record transitions are
// atomic to readers.
type Memory struct {
	mu   sync.RWMutex
	path string
	data memoryData
	now  func() time.Time
}

type memoryData struct {
	Catalog       map[string]*fleet.Printer     `json:"printers"`
	Printers      map[string]*fleet.UserPrinter `json:"userPrinters"`
	Models        map[string]*fleet.Model       `json:"models"`
	Jobs          map[string]*fleet.PrintJob    `json:"printJobs"`
	Notifications []*fleet.Notification         `json:"notifications"`
}

// NewMemory creates a store persisted to path. An empty path keeps
// everything in memory.
func NewMemory(path string) (*Memory, error) {
	m := &Memory{
		path: path,
		data: memoryData{
			Catalog:  make(map[string]*fleet.Printer),
			Printers: make(map[string]*fleet.UserPrinter),
			Models:   make(map[string]*fleet.Model),
			Jobs:     make(map[string]*fleet.PrintJob),
		},
		now: time.Now,
	}
	if path == "" {
		return m, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	if err := m.load(); err != nil {
		return nil, fmt.Errorf("loading store %s: %w", path, err)
	}
	return m, nil
}

func (m *Memory) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var loaded memoryData
	if err := json.Unmarshal(data, &loaded); err != nil {
		return err
	}
	if loaded.Catalog != nil {
		m.data.Catalog = loaded.Catalog
	}
	if loaded.Printers != nil {
		m.data.Printers = loaded.Printers
	}
	if loaded.Models != nil {
		m.data.Models = loaded.Models
	}
	if loaded.Jobs != nil {
		m.data.Jobs = loaded.Jobs
	}
	m.data.Notifications = loaded.Notifications
	return nil
}

// save persists the store. Callers hold the write lock.
func (m *Memory) save() error {
	if m.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding store: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing store: %w", err)
	}
	return os.Rename(tmp, m.path)
}

// commit swaps updated records in and persists them. When the write
// fails the previous records are restored. Callers hold the write lock.
func (m *Memory) commit(j *fleet.PrintJob, p *fleet.UserPrinter) error {
	var (
		oldJob     *fleet.PrintJob
		oldPrinter *fleet.UserPrinter
		hadJob     bool
		hadPrinter bool
	)
	if j != nil {
		oldJob, hadJob = m.data.Jobs[j.ID]
		m.data.Jobs[j.ID] = j
	}
	if p != nil {
		oldPrinter, hadPrinter = m.data.Printers[p.ID]
		m.data.Printers[p.ID] = p
	}
	err := m.save()
	if err == nil {
		return nil
	}
	switch {
	case j == nil:
	case hadJob:
		m.data.Jobs[j.ID] = oldJob
	default:
		delete(m.data.Jobs, j.ID)
	}
	switch {
	case p == nil:
	case hadPrinter:
		m.data.Printers[p.ID] = oldPrinter
	default:
		delete(m.data.Printers, p.ID)
	}
	return err
}

// CreatePrinter adds a catalog printer.
func (m *Memory) CreatePrinter(_ context.Context, p *fleet.Printer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	cp := *p
	m.data.Catalog[p.ID] = &cp
	if err := m.save(); err != nil {
		delete(m.data.Catalog, p.ID)
		return err
	}
	return nil
}

// CreateUserPrinter adds a deployed printer. The catalog reference is
// stored by ID only.
func (m *Memory) CreateUserPrinter(_ context.Context, p *fleet.UserPrinter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := m.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = fleet.PrinterUnknown
	}
	if p.Protocol == "" {
		p.Protocol = fleet.ProtocolUnknown
	}
	return m.commit(nil, cloneUserPrinter(p))
}

// CreateModel adds a model.
func (m *Memory) CreateModel(_ context.Context, model *fleet.Model) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if model.ID == "" {
		model.ID = uuid.NewString()
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = m.now()
	}
	cp := *model
	m.data.Models[model.ID] = &cp
	if err := m.save(); err != nil {
		delete(m.data.Models, model.ID)
		return err
	}
	return nil
}

// CreateJob queues a job.
func (m *Memory) CreateJob(_ context.Context, job *fleet.PrintJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := m.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = fleet.JobPending
	}
	return m.commit(cloneJob(job), nil)
}

// ListPrinters returns the printers in scope whose status is one of
// statuses, oldest first. No statuses means any status.
func (m *Memory) ListPrinters(_ context.Context, scope fleet.Scope, statuses ...fleet.PrinterStatus) ([]fleet.UserPrinter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []fleet.UserPrinter
	for _, p := range m.data.Printers {
		if !scope.Includes(p.OwnerID) || !statusIn(p.Status, statuses) {
			continue
		}
		out = append(out, *m.withCatalog(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) GetPrinter(_ context.Context, id string) (*fleet.UserPrinter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.data.Printers[id]
	if !ok {
		return nil, fmt.Errorf("printer %s: %w", id, ErrNotFound)
	}
	return m.withCatalog(p), nil
}

// NextPendingJob returns the oldest PENDING job assigned to printerID, or
// nil when there is none.
func (m *Memory) NextPendingJob(_ context.Context, printerID string) (*fleet.PrintJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var next *fleet.PrintJob
	for _, j := range m.data.Jobs {
		if j.UserPrinterID != printerID || j.Status != fleet.JobPending {
			continue
		}
		if next == nil || jobBefore(j, next) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}
	return cloneJob(next), nil
}

// ListPendingJobs returns up to limit PENDING jobs queued on any printer
// owned by ownerID, oldest first, with their models.
func (m *Memory) ListPendingJobs(_ context.Context, ownerID string, limit int) ([]fleet.PrintJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pending []*fleet.PrintJob
	for _, j := range m.data.Jobs {
		if j.Status != fleet.JobPending {
			continue
		}
		p, ok := m.data.Printers[j.UserPrinterID]
		if !ok || p.OwnerID != ownerID {
			continue
		}
		pending = append(pending, j)
	}
	sort.Slice(pending, func(i, k int) bool { return jobBefore(pending[i], pending[k]) })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	out := make([]fleet.PrintJob, 0, len(pending))
	for _, j := range pending {
		out = append(out, *m.withModel(j))
	}
	return out, nil
}

// GetJob returns a job with its model.
func (m *Memory) GetJob(_ context.Context, id string) (*fleet.PrintJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.data.Jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return m.withModel(j), nil
}

func (m *Memory) UpdatePrinter(_ context.Context, id string, u fleet.PrinterUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.data.Printers[id]
	if !ok {
		return fmt.Errorf("printer %s: %w", id, ErrNotFound)
	}
	np := cloneUserPrinter(p)
	applyPrinterUpdate(np, u, m.now())
	return m.commit(nil, np)
}

// FailJob marks a PENDING job FAILED. A job that already left PENDING
// yields ErrJobUnavailable.
func (m *Memory) FailJob(_ context.Context, id string, reason fleet.FailureReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.data.Jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if j.Status != fleet.JobPending {
		return fmt.Errorf("job %s is %s: %w", id, j.Status, ErrJobUnavailable)
	}
	now := m.now()
	nj := cloneJob(j)
	nj.Status = fleet.JobFailed
	nj.FailureReason = reason
	nj.EndTime = &now
	nj.UpdatedAt = now
	return m.commit(nj, nil)
}

// FinishJob moves a PRINTING job to its terminal status and frees the
// printer in one step. The printer is freed even when the job already
// left PRINTING; FinishJob then returns ErrJobUnavailable.
func (m *Memory) FinishJob(_ context.Context, printerID, jobID string, status fleet.JobStatus, reason fleet.FailureReason, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var nj *fleet.PrintJob
	j, ok := m.data.Jobs[jobID]
	if ok && j.Status == fleet.JobPrinting {
		nj = cloneJob(j)
		nj.Status = status
		nj.FailureReason = reason
		nj.EndTime = &at
		nj.UpdatedAt = now
	}
	var np *fleet.UserPrinter
	if p, ok := m.data.Printers[printerID]; ok {
		np = cloneUserPrinter(p)
		idle := fleet.PrinterIdle
		applyPrinterUpdate(np, fleet.PrinterUpdate{Status: &idle, ClearJob: true}, now)
	}
	if err := m.commit(nj, np); err != nil {
		return err
	}
	if nj == nil {
		if !ok {
			return fmt.Errorf("job %s: %w", jobID, ErrJobUnavailable)
		}
		return fmt.Errorf("job %s is %s: %w", jobID, j.Status, ErrJobUnavailable)
	}
	return nil
}

// StartJob commits a dispatch: the job becomes PRINTING on the printer and
// the printer records it as current. It fails with ErrJobUnavailable when
// the job is no longer PENDING, leaving both records untouched.
func (m *Memory) StartJob(_ context.Context, s fleet.JobStart) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.data.Jobs[s.JobID]
	if !ok || j.Status != fleet.JobPending {
		return fmt.Errorf("job %s: %w", s.JobID, ErrJobUnavailable)
	}
	p, ok := m.data.Printers[s.PrinterID]
	if !ok {
		return fmt.Errorf("printer %s: %w", s.PrinterID, ErrNotFound)
	}

	at := s.At
	now := m.now()
	nj := cloneJob(j)
	nj.Status = fleet.JobPrinting
	nj.StartTime = &at
	nj.UserPrinterID = s.PrinterID
	nj.UpdatedAt = now

	jobID := s.JobID
	np := cloneUserPrinter(p)
	np.Status = fleet.PrinterPrinting
	np.CurrentJobID = &jobID
	np.Protocol = s.Protocol
	np.LastSeen = &at
	np.UpdatedAt = now
	return m.commit(nj, np)
}

// CancelJob cancels a queued or running job and frees the printer if the
// job was its current one.
func (m *Memory) CancelJob(_ context.Context, printerID, jobID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.data.Jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if j.Status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", jobID, j.Status, ErrJobUnavailable)
	}
	now := m.now()
	nj := cloneJob(j)
	nj.Status = fleet.JobCancelled
	nj.EndTime = &at
	nj.UpdatedAt = now

	var np *fleet.UserPrinter
	if p, ok := m.data.Printers[printerID]; ok && p.CurrentJobID != nil && *p.CurrentJobID == jobID {
		np = cloneUserPrinter(p)
		idle := fleet.PrinterIdle
		applyPrinterUpdate(np, fleet.PrinterUpdate{Status: &idle, ClearJob: true}, now)
	}
	return m.commit(nj, np)
}

func (m *Memory) CreateNotification(_ context.Context, n *fleet.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = m.now()
	}
	cp := *n
	m.data.Notifications = append(m.data.Notifications, &cp)
	if err := m.save(); err != nil {
		m.data.Notifications = m.data.Notifications[:len(m.data.Notifications)-1]
		return err
	}
	return nil
}

// Notifications returns the notifications stored for userID, oldest first.
func (m *Memory) Notifications(userID string) []fleet.Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []fleet.Notification
	for _, n := range m.data.Notifications {
		if n.UserID == userID {
			out = append(out, *n)
		}
	}
	return out
}

func (m *Memory) withCatalog(p *fleet.UserPrinter) *fleet.UserPrinter {
	cp := cloneUserPrinter(p)
	if c, ok := m.data.Catalog[p.PrinterID]; ok {
		cat := *c
		cp.Printer = &cat
	}
	return cp
}

func (m *Memory) withModel(j *fleet.PrintJob) *fleet.PrintJob {
	cp := cloneJob(j)
	if model, ok := m.data.Models[j.ModelID]; ok {
		mc := *model
		cp.Model = &mc
	}
	return cp
}

func applyPrinterUpdate(p *fleet.UserPrinter, u fleet.PrinterUpdate, now time.Time) {
	if u.Status != nil {
		p.Status = *u.Status
	}
	if u.Protocol != nil {
		p.Protocol = *u.Protocol
	}
	if u.LastSeen != nil {
		seen := *u.LastSeen
		p.LastSeen = &seen
	}
	if u.ClearJob {
		p.CurrentJobID = nil
	}
	p.UpdatedAt = now
}

func statusIn(s fleet.PrinterStatus, statuses []fleet.PrinterStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}

func jobBefore(a, b *fleet.PrintJob) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func cloneUserPrinter(p *fleet.UserPrinter) *fleet.UserPrinter {
	cp := *p
	if p.CurrentJobID != nil {
		id := *p.CurrentJobID
		cp.CurrentJobID = &id
	}
	if p.LastSeen != nil {
		t := *p.LastSeen
		cp.LastSeen = &t
	}
	cp.Printer = nil
	return &cp
}

func cloneJob(j *fleet.PrintJob) *fleet.PrintJob {
	cp := *j
	if j.StartTime != nil {
		t := *j.StartTime
		cp.StartTime = &t
	}
	if j.EndTime != nil {
		t := *j.EndTime
		cp.EndTime = &t
	}
	cp.Model = nil
	return &cp
}
