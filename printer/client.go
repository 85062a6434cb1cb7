// Package printer talks to physical printers over Moonraker (HTTP/JSON)
// or an MQTT broker, and detects which of the two a host speaks.
package printer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/john/printfleet/fleet"
)

var (
	// ErrUploadUnsupported is returned by clients that can observe a printer
	// but cannot send it files.
	ErrUploadUnsupported = errors.New("g-code upload via MQTT is not supported; ensure the Moonraker HTTP API is accessible")
	// ErrControlUnsupported is returned when pause/resume/cancel is requested
	// over a transport that has no control plane.
	ErrControlUnsupported = errors.New("print control is not supported over this protocol")
)

// Status is a point-in-time view of a device. Durations are seconds and are
// zero when the device does not report them.
type Status struct {
	State         fleet.PrinterStatus `json:"state"`
	NozzleTemp    float64             `json:"nozzleTemp"`
	BedTemp       float64             `json:"bedTemp"`
	Filename      string              `json:"filename,omitempty"`
	Progress      float64             `json:"progress"`
	PrintDuration float64             `json:"printDuration"`
	TotalDuration float64             `json:"totalDuration"`
}

// OfflineStatus is what every client reports when a device is unreachable.
func OfflineStatus() Status {
	return Status{State: fleet.PrinterOffline}
}

// Client is the capability every printer transport provides.
//
// Status never fails: transport problems are reported as OFFLINE.
// UploadAndPrint does fail, because callers must know a dispatch did not
// happen.
type Client interface {
	Protocol() fleet.Protocol
	Status(ctx context.Context) Status
	UploadAndPrint(ctx context.Context, data []byte, filename string) error
}

// Action is a print control command.
type Action string

const (
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionCancel Action = "cancel"
)

func (a Action) Valid() bool {
	switch a {
	case ActionPause, ActionResume, ActionCancel:
		return true
	}
	return false
}

// Controller is implemented by clients that can pause, resume or cancel
// the running print.
type Controller interface {
	Control(ctx context.Context, action Action) error
}

// Options tunes timeouts and well-known ports.
type Options struct {
	StatusTimeout      time.Duration
	UploadTimeout      time.Duration
	ProbeTimeout       time.Duration
	MQTTProbeTimeout   time.Duration
	MQTTConnectTimeout time.Duration
	MoonrakerPorts     []int
	DefaultHTTPPort    int
	MQTTPort           int
}

// DefaultOptions returns the stock timeouts and ports.
func DefaultOptions() Options {
	return Options{
		StatusTimeout:      5 * time.Second,
		UploadTimeout:      5 * time.Minute,
		ProbeTimeout:       2 * time.Second,
		MQTTProbeTimeout:   2500 * time.Millisecond,
		MQTTConnectTimeout: 5 * time.Second,
		MoonrakerPorts:     []int{7125, 80},
		DefaultHTTPPort:    80,
		MQTTPort:           1883,
	}
}

// Resolver turns a stored address and protocol hint into a Client.
type Resolver struct {
	opts Options
	http *http.Client
	log  zerolog.Logger
}

// NewResolver creates a resolver sharing one HTTP client across printers.
func NewResolver(opts Options, logger zerolog.Logger) *Resolver {
	return &Resolver{
		opts: opts,
		http: &http.Client{},
		log:  logger.With().Str("component", "printer").Logger(),
	}
}

// Client returns the transport for address. An empty or UNKNOWN hint runs
// detection first. Anything that is not MQTT falls back to Moonraker,
// which degrades to OFFLINE rather than failing.
func (r *Resolver) Client(ctx context.Context, address string, hint fleet.Protocol) Client {
	var endpoint string
	if !hint.Known() {
		d := r.Detect(ctx, address)
		hint, endpoint = d.Protocol, d.Endpoint
	}

	if hint == fleet.ProtocolMQTT {
		if endpoint == "" {
			endpoint = r.mqttBroker(address)
		}
		return NewMQTTClient(endpoint, r.opts, r.log)
	}

	if endpoint == "" {
		endpoint = r.moonrakerBase(address)
	}
	return NewMoonrakerClient(endpoint, r.http, r.opts, r.log)
}

// moonrakerBase builds the control-plane URL for a stored address.
func (r *Resolver) moonrakerBase(address string) string {
	addr, err := ParseAddress(address)
	if err != nil {
		return "http://" + address
	}
	return addr.httpURL(r.opts.DefaultHTTPPort)
}

func (r *Resolver) mqttBroker(address string) string {
	addr, err := ParseAddress(address)
	if err != nil {
		return "tcp://" + address
	}
	return addr.brokerURL(r.opts.MQTTPort)
}
