package printer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/john/printfleet/fleet"
)

// statusQuery asks Moonraker for exactly the objects Status needs.
const statusQuery = "/printer/objects/query?print_stats&extruder&heater_bed"

// MoonrakerClient drives a printer through the Moonraker HTTP API.
type MoonrakerClient struct {
	baseURL string
	http    *http.Client
	opts    Options
	log     zerolog.Logger
}

// NewMoonrakerClient creates a client for baseURL (scheme://host[:port]).
func NewMoonrakerClient(baseURL string, hc *http.Client, opts Options, logger zerolog.Logger) *MoonrakerClient {
	if hc == nil {
		hc = &http.Client{}
	}
	return &MoonrakerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
		opts:    opts,
		log:     logger.With().Str("endpoint", baseURL).Logger(),
	}
}

func (c *MoonrakerClient) Protocol() fleet.Protocol { return fleet.ProtocolMoonraker }

// BaseURL returns the endpoint the client talks to.
func (c *MoonrakerClient) BaseURL() string { return c.baseURL }

type objectsQueryResponse struct {
	Result *struct {
		Status *struct {
			PrintStats struct {
				State         string  `json:"state"`
				Filename      string  `json:"filename"`
				PrintDuration float64 `json:"print_duration"`
				TotalDuration float64 `json:"total_duration"`
			} `json:"print_stats"`
			Extruder struct {
				Temperature float64 `json:"temperature"`
			} `json:"extruder"`
			HeaterBed struct {
				Temperature float64 `json:"temperature"`
			} `json:"heater_bed"`
		} `json:"status"`
	} `json:"result"`
}

// Status queries print_stats, extruder and heater_bed. Any failure is
// reported as OFFLINE.
func (c *MoonrakerClient) Status(ctx context.Context) Status {
	st, err := c.fetchStatus(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.log.Debug().Err(err).Msg("Moonraker status timed out")
		} else {
			c.log.Warn().Err(err).Msg("Moonraker status check failed")
		}
		return OfflineStatus()
	}
	return st
}

func (c *MoonrakerClient) fetchStatus(ctx context.Context) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.StatusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+statusQuery, nil)
	if err != nil {
		return Status{}, fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("fetching status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return Status{}, fmt.Errorf("status query failed (HTTP %d)", resp.StatusCode)
	}

	var body objectsQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Status{}, fmt.Errorf("decoding status: %w", err)
	}
	if body.Result == nil || body.Result.Status == nil {
		return Status{}, errors.New("invalid moonraker response: missing result.status")
	}

	s := body.Result.Status
	st := Status{
		State:         mapPrintState(s.PrintStats.State),
		NozzleTemp:    s.Extruder.Temperature,
		BedTemp:       s.HeaterBed.Temperature,
		Filename:      s.PrintStats.Filename,
		PrintDuration: s.PrintStats.PrintDuration,
		TotalDuration: s.PrintStats.TotalDuration,
	}
	if st.TotalDuration > 0 {
		st.Progress = st.PrintDuration / st.TotalDuration * 100
	}
	return st, nil
}

// mapPrintState maps Klipper's print_stats.state. Standby, complete and
// cancelled all mean the machine is free.
func mapPrintState(state string) fleet.PrinterStatus {
	switch state {
	case "printing":
		return fleet.PrinterPrinting
	case "paused":
		return fleet.PrinterPaused
	case "error":
		return fleet.PrinterError
	}
	return fleet.PrinterIdle
}

// UploadAndPrint uploads data as filename and starts printing it.
func (c *MoonrakerClient) UploadAndPrint(ctx context.Context, data []byte, filename string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.UploadTimeout)
	defer cancel()

	if err := c.upload(ctx, data, filename); err != nil {
		return fmt.Errorf("failed to upload file to moonraker: %w", err)
	}

	startURL := c.baseURL + "/printer/print/start?filename=" + url.QueryEscape(filename)
	if err := c.post(ctx, startURL); err != nil {
		return fmt.Errorf("failed to start print on moonraker: %w", err)
	}

	c.log.Info().Str("file", filename).Int("bytes", len(data)).Msg("Uploaded and started print")
	return nil
}

func (c *MoonrakerClient) upload(ctx context.Context, data []byte, filename string) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("writing form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("closing multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/server/files/upload", &buf)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	return c.do(req)
}

// Control sends pause, resume or cancel for the running print.
func (c *MoonrakerClient) Control(ctx context.Context, action Action) error {
	if !action.Valid() {
		return fmt.Errorf("unknown print action %q", action)
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.StatusTimeout)
	defer cancel()

	if err := c.post(ctx, c.baseURL+"/printer/print/"+string(action)); err != nil {
		return fmt.Errorf("sending %s to moonraker: %w", action, err)
	}
	return nil
}

func (c *MoonrakerClient) post(ctx context.Context, u string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return c.do(req)
}

// do executes req and turns any non-2xx answer into an error carrying
// the response body.
func (c *MoonrakerClient) do(req *http.Request) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
