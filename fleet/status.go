package fleet

// PrinterStatus is the stored (and device-reported) state of a printer.
type PrinterStatus string

const (
	PrinterIdle     PrinterStatus = "IDLE"
	PrinterPrinting PrinterStatus = "PRINTING"
	PrinterPaused   PrinterStatus = "PAUSED"
	PrinterError    PrinterStatus = "ERROR"
	PrinterOffline  PrinterStatus = "OFFLINE"
	// PrinterUnknown is only ever stored, never reported by a device.
	PrinterUnknown PrinterStatus = "UNKNOWN"
)

// Valid reports whether s is one of the known printer states.
func (s PrinterStatus) Valid() bool {
	switch s {
	case PrinterIdle, PrinterPrinting, PrinterPaused, PrinterError, PrinterOffline, PrinterUnknown:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a print job.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobPrinting  JobStatus = "PRINTING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobPrinting, JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Protocol identifies the wire protocol used to talk to a printer.
type Protocol string

const (
	ProtocolMoonraker Protocol = "MOONRAKER"
	ProtocolMQTT      Protocol = "MQTT"
	ProtocolUnknown   Protocol = "UNKNOWN"
)

// ParseProtocol maps stored protocol strings, including legacy aliases,
// onto a Protocol. Anything unrecognised is ProtocolUnknown.
func ParseProtocol(s string) Protocol {
	switch s {
	case "MOONRAKER":
		return ProtocolMoonraker
	case "MQTT", "BAMBU_MQTT":
		return ProtocolMQTT
	}
	return ProtocolUnknown
}

// Known reports whether p names a concrete transport.
func (p Protocol) Known() bool {
	return p == ProtocolMoonraker || p == ProtocolMQTT
}

// Severity classifies a notification.
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeveritySuccess Severity = "SUCCESS"
	SeverityError   Severity = "ERROR"
)

// FailureReason records why a job ended in FAILED.
type FailureReason string

const (
	FailureNone          FailureReason = ""
	FailureEarlyStop     FailureReason = "EARLY_STOP"
	FailureMissingGCode  FailureReason = "MISSING_GCODE"
	FailureFileNotFound  FailureReason = "FILE_NOT_FOUND"
	FailureDispatchError FailureReason = "DISPATCH_ERROR"

	// FailureInterrupted is a print lost while the printer was offline: it
	// came back idle with no print statistics.
	FailureInterrupted FailureReason = "INTERRUPTED"
)
