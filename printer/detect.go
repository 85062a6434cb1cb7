package printer

import (
	"context"
	"fmt"
	"net/http"

	"github.com/john/printfleet/fleet"
)

// Detection is the outcome of probing a host. Endpoint is the base URL
// (Moonraker) or broker URL (MQTT) that answered, empty for UNKNOWN.
type Detection struct {
	Protocol fleet.Protocol `json:"protocol"`
	Endpoint string         `json:"endpoint,omitempty"`
}

// Detect works out which protocol a host speaks. An http(s) scheme skips
// the MQTT probe and an mqtt(s) scheme skips the HTTP probe. Moonraker is
// tried on the explicit port, or on each well-known port in order. Detect
// never fails; an unreachable host is UNKNOWN.
func (r *Resolver) Detect(ctx context.Context, input string) Detection {
	addr, err := ParseAddress(input)
	if err != nil {
		r.log.Warn().Err(err).Str("address", input).Msg("Cannot detect protocol")
		return Detection{Protocol: fleet.ProtocolUnknown}
	}

	if !addr.IsMQTT() {
		for _, base := range r.httpCandidates(addr) {
			if err := r.probeHTTP(ctx, base); err != nil {
				r.log.Debug().Err(err).Str("endpoint", base).Msg("Moonraker probe failed")
				continue
			}
			r.log.Info().Str("address", input).Str("endpoint", base).Msg("Detected Moonraker")
			return Detection{Protocol: fleet.ProtocolMoonraker, Endpoint: base}
		}
	}

	if !addr.IsHTTP() {
		broker := addr.brokerURL(r.opts.MQTTPort)
		err := connectOnce(ctx, broker, r.opts.MQTTProbeTimeout)
		if err == nil {
			r.log.Info().Str("address", input).Str("endpoint", broker).Msg("Detected MQTT")
			return Detection{Protocol: fleet.ProtocolMQTT, Endpoint: broker}
		}
		r.log.Debug().Err(err).Str("endpoint", broker).Msg("MQTT probe failed")
	}

	return Detection{Protocol: fleet.ProtocolUnknown}
}

func (r *Resolver) httpCandidates(addr Address) []string {
	if addr.Port != 0 {
		return []string{addr.httpURL(addr.Port)}
	}
	bases := make([]string, 0, len(r.opts.MoonrakerPorts))
	for _, port := range r.opts.MoonrakerPorts {
		bases = append(bases, addr.httpURL(port))
	}
	return bases
}

// probeHTTP issues GET /printer/info and accepts any 2xx answer.
func (r *Resolver) probeHTTP(ctx context.Context, base string) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/printer/info", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("printer info returned HTTP %d", resp.StatusCode)
	}
	return nil
}
