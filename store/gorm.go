package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/john/printfleet/fleet"
)

// Gorm is the relational fleet store.
type Gorm struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

// zerologWriter routes gorm's logger into zerolog.
type zerologWriter struct {
	log zerolog.Logger
}

func (w zerologWriter) Printf(format string, args ...interface{}) {
	w.log.Debug().Msgf(format, args...)
}

// OpenPostgres connects to PostgreSQL. SQL tracing is only enabled when
// log is at debug level.
func OpenPostgres(dsn string, log zerolog.Logger) (*gorm.DB, error) {
	level := logger.Silent
	if log.GetLevel() <= zerolog.DebugLevel {
		level = logger.Info
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.New(
			zerologWriter{log: log.With().Str("component", "gorm").Logger()},
			logger.Config{
				SlowThreshold:             200 * time.Millisecond,
				LogLevel:                  level,
				IgnoreRecordNotFoundError: true,
			},
		),
		TranslateError:                           true,
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	conn, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql handle: %w", err)
	}
	conn.SetMaxIdleConns(10)
	conn.SetMaxOpenConns(20)
	conn.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// Migrate creates or updates the fleet tables.
func (s *Gorm) Migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&fleet.Printer{},
		&fleet.UserPrinter{},
		&fleet.Model{},
		&fleet.PrintJob{},
		&fleet.Notification{},
	)
	if err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

func (s *Gorm) CreatePrinter(ctx context.Context, p *fleet.Printer) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(p).Error
}

func (s *Gorm) CreateUserPrinter(ctx context.Context, p *fleet.UserPrinter) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = fleet.PrinterUnknown
	}
	if p.Protocol == "" {
		p.Protocol = fleet.ProtocolUnknown
	}
	return s.db.WithContext(ctx).Omit("Printer").Create(p).Error
}

func (s *Gorm) CreateModel(ctx context.Context, m *fleet.Model) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(m).Error
}

func (s *Gorm) CreateJob(ctx context.Context, j *fleet.PrintJob) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = fleet.JobPending
	}
	return s.db.WithContext(ctx).Omit("Model").Create(j).Error
}

func (s *Gorm) ListPrinters(ctx context.Context, scope fleet.Scope, statuses ...fleet.PrinterStatus) ([]fleet.UserPrinter, error) {
	q := s.db.WithContext(ctx).Preload("Printer")
	if scope.OwnerID != "" {
		q = q.Where("owner_id = ?", scope.OwnerID)
	}
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}

	var printers []fleet.UserPrinter
	if err := q.Order("created_at asc, id asc").Find(&printers).Error; err != nil {
		return nil, fmt.Errorf("listing printers: %w", err)
	}
	return printers, nil
}

func (s *Gorm) GetPrinter(ctx context.Context, id string) (*fleet.UserPrinter, error) {
	var p fleet.UserPrinter
	if err := s.db.WithContext(ctx).Preload("Printer").First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound("printer", id, err)
	}
	return &p, nil
}

func (s *Gorm) NextPendingJob(ctx context.Context, printerID string) (*fleet.PrintJob, error) {
	var jobs []fleet.PrintJob
	err := s.db.WithContext(ctx).
		Where("user_printer_id = ? AND status = ?", printerID, fleet.JobPending).
		Order("created_at asc, id asc").
		Limit(1).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("finding next job for printer %s: %w", printerID, err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

func (s *Gorm) ListPendingJobs(ctx context.Context, ownerID string, limit int) ([]fleet.PrintJob, error) {
	q := s.db.WithContext(ctx).
		Select("print_jobs.*").
		Joins("JOIN user_printers ON user_printers.id = print_jobs.user_printer_id").
		Where("user_printers.owner_id = ? AND print_jobs.status = ?", ownerID, fleet.JobPending).
		Order("print_jobs.created_at asc, print_jobs.id asc").
		Preload("Model")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var jobs []fleet.PrintJob
	if err := q.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("listing pending jobs for %s: %w", ownerID, err)
	}
	return jobs, nil
}

func (s *Gorm) GetJob(ctx context.Context, id string) (*fleet.PrintJob, error) {
	var j fleet.PrintJob
	if err := s.db.WithContext(ctx).Preload("Model").First(&j, "id = ?", id).Error; err != nil {
		return nil, notFound("job", id, err)
	}
	return &j, nil
}

func (s *Gorm) UpdatePrinter(ctx context.Context, id string, u fleet.PrinterUpdate) error {
	patch := printerPatch(u)
	if len(patch) == 0 {
		return nil
	}
	res := s.db.WithContext(ctx).Model(&fleet.UserPrinter{}).Where("id = ?", id).Updates(patch)
	if res.Error != nil {
		return fmt.Errorf("updating printer %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("printer %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Gorm) FailJob(ctx context.Context, id string, reason fleet.FailureReason) error {
	res := s.db.WithContext(ctx).Model(&fleet.PrintJob{}).
		Where("id = ? AND status = ?", id, fleet.JobPending).
		Updates(map[string]any{
			"status":         fleet.JobFailed,
			"failure_reason": reason,
			"end_time":       time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failing job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("job %s: %w", id, ErrJobUnavailable)
	}
	return nil
}

func (s *Gorm) FinishJob(ctx context.Context, printerID, jobID string, status fleet.JobStatus, reason fleet.FailureReason, at time.Time) error {
	var finished bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&fleet.PrintJob{}).
			Where("id = ? AND status = ?", jobID, fleet.JobPrinting).
			Updates(map[string]any{
				"status":         status,
				"failure_reason": reason,
				"end_time":       at,
			})
		if res.Error != nil {
			return fmt.Errorf("finishing job %s: %w", jobID, res.Error)
		}
		finished = res.RowsAffected > 0

		err := tx.Model(&fleet.UserPrinter{}).
			Where("id = ?", printerID).
			Updates(map[string]any{
				"status":         fleet.PrinterIdle,
				"current_job_id": nil,
			}).Error
		if err != nil {
			return fmt.Errorf("releasing printer %s: %w", printerID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	// The printer is released either way; only the job lost the race.
	if !finished {
		return fmt.Errorf("job %s: %w", jobID, ErrJobUnavailable)
	}
	return nil
}

func (s *Gorm) StartJob(ctx context.Context, start fleet.JobStart) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&fleet.PrintJob{}).
			Where("id = ? AND status = ?", start.JobID, fleet.JobPending).
			Updates(map[string]any{
				"status":          fleet.JobPrinting,
				"start_time":      start.At,
				"user_printer_id": start.PrinterID,
			})
		if res.Error != nil {
			return fmt.Errorf("starting job %s: %w", start.JobID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("job %s: %w", start.JobID, ErrJobUnavailable)
		}

		res = tx.Model(&fleet.UserPrinter{}).
			Where("id = ?", start.PrinterID).
			Updates(map[string]any{
				"status":         fleet.PrinterPrinting,
				"current_job_id": start.JobID,
				"protocol":       start.Protocol,
				"last_seen":      start.At,
			})
		if res.Error != nil {
			return fmt.Errorf("assigning job to printer %s: %w", start.PrinterID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("printer %s: %w", start.PrinterID, ErrNotFound)
		}
		return nil
	})
}

func (s *Gorm) CancelJob(ctx context.Context, printerID, jobID string, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&fleet.PrintJob{}).
			Where("id = ? AND status IN ?", jobID, []fleet.JobStatus{fleet.JobPending, fleet.JobPrinting}).
			Updates(map[string]any{
				"status":   fleet.JobCancelled,
				"end_time": at,
			})
		if res.Error != nil {
			return fmt.Errorf("cancelling job %s: %w", jobID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("job %s: %w", jobID, ErrJobUnavailable)
		}

		err := tx.Model(&fleet.UserPrinter{}).
			Where("id = ? AND current_job_id = ?", printerID, jobID).
			Updates(map[string]any{
				"status":         fleet.PrinterIdle,
				"current_job_id": nil,
			}).Error
		if err != nil {
			return fmt.Errorf("releasing printer %s: %w", printerID, err)
		}
		return nil
	})
}

func (s *Gorm) CreateNotification(ctx context.Context, n *fleet.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("creating notification: %w", err)
	}
	return nil
}

func printerPatch(u fleet.PrinterUpdate) map[string]any {
	patch := map[string]any{}
	if u.Status != nil {
		patch["status"] = *u.Status
	}
	if u.Protocol != nil {
		patch["protocol"] = *u.Protocol
	}
	if u.LastSeen != nil {
		patch["last_seen"] = *u.LastSeen
	}
	if u.ClearJob {
		patch["current_job_id"] = nil
	}
	return patch
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return fmt.Errorf("loading %s %s: %w", kind, id, err)
}
