// Package fleet holds the records shared by the scheduler, the stores and
// the HTTP surface.
package fleet

import "time"

// Printer is a catalog entry describing a printer make/model.
type Printer struct {
	ID           string  `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Manufacturer string  `json:"manufacturer"`
	Model        string  `json:"model"`
	Technology   string  `json:"technology"`
	BuildVolumeX float64 `json:"buildVolumeX"`
	BuildVolumeY float64 `json:"buildVolumeY"`
	BuildVolumeZ float64 `json:"buildVolumeZ"`
}

// Fits reports whether a model's bounding box fits the build volume on
// every axis.
func (p *Printer) Fits(m *Model) bool {
	if p == nil || m == nil {
		return false
	}
	return p.BuildVolumeX >= m.WidthMm &&
		p.BuildVolumeY >= m.DepthMm &&
		p.BuildVolumeZ >= m.HeightMm
}

// UserPrinter is a deployed printer owned by a user.
type UserPrinter struct {
	ID           string        `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OwnerID      string        `json:"userId" gorm:"index;type:varchar(36)"`
	PrinterID    string        `json:"printerId" gorm:"type:varchar(36)"`
	Printer      *Printer      `json:"printer,omitempty" gorm:"foreignKey:PrinterID"`
	Name         string        `json:"name"`
	Address      string        `json:"ipAddress"`
	Protocol     Protocol      `json:"protocol" gorm:"type:varchar(16);default:UNKNOWN"`
	Status       PrinterStatus `json:"status" gorm:"index;type:varchar(16);default:UNKNOWN"`
	CurrentJobID *string       `json:"currentJobId" gorm:"type:varchar(36)"`
	LastSeen     *time.Time    `json:"lastSeen"`
	EjectGCode   string        `json:"ejectGcode"`
	WebcamURL    string        `json:"webcamUrl"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Model is a printable object with its sliced G-code.
type Model struct {
	ID            string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OwnerID       string    `json:"userId" gorm:"index;type:varchar(36)"`
	Name          string    `json:"name"`
	WidthMm       float64   `json:"widthMm"`
	DepthMm       float64   `json:"depthMm"`
	HeightMm      float64   `json:"heightMm"`
	EstimatedTime int       `json:"estimatedTime"`
	FilamentGrams float64   `json:"filamentGrams"`
	GCodePath     string    `json:"gcodePath"`
	CreatedAt     time.Time `json:"createdAt"`
}

// PrintJob is one queued or executed print of a Model on a UserPrinter.
type PrintJob struct {
	ID            string        `json:"id" gorm:"primaryKey;type:varchar(36)"`
	ModelID       string        `json:"modelId" gorm:"type:varchar(36)"`
	Model         *Model        `json:"model,omitempty" gorm:"foreignKey:ModelID"`
	UserPrinterID string        `json:"userPrinterId" gorm:"index;type:varchar(36)"`
	Status        JobStatus     `json:"status" gorm:"index;type:varchar(16);default:PENDING"`
	FailureReason FailureReason `json:"failureReason,omitempty" gorm:"type:varchar(32)"`
	StartTime     *time.Time    `json:"startTime"`
	EndTime       *time.Time    `json:"endTime"`
	CreatedAt     time.Time     `json:"createdAt" gorm:"index"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// Notification is a user-facing event produced by the scheduler.
type Notification struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID    string    `json:"userId" gorm:"index;type:varchar(36)"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"type" gorm:"type:varchar(16)"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// Scope selects the printers a pass operates on. An empty OwnerID means
// the whole fleet.
type Scope struct {
	OwnerID string
}

// Includes reports whether ownerID falls inside the scope.
func (s Scope) Includes(ownerID string) bool {
	return s.OwnerID == "" || s.OwnerID == ownerID
}

// PrinterUpdate is a partial update of a UserPrinter. Nil fields are left
// untouched.
type PrinterUpdate struct {
	Status   *PrinterStatus
	Protocol *Protocol
	LastSeen *time.Time
	// ClearJob sets CurrentJobID to nil.
	ClearJob bool
}

// StatusUpdate builds a PrinterUpdate that sets the status and, when seen
// is non-nil, the last-seen timestamp.
func StatusUpdate(status PrinterStatus, seen *time.Time) PrinterUpdate {
	return PrinterUpdate{Status: &status, LastSeen: seen}
}

// JobStart carries the fields committed when a job is dispatched.
type JobStart struct {
	JobID     string
	PrinterID string
	Protocol  Protocol
	At        time.Time
}
