package printer

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/printfleet/fleet"
)

// startFakeBroker accepts MQTT CONNECT packets and answers with a
// successful CONNACK. Anything else gets the connection dropped.
func startFakeBroker(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveFakeBroker(conn)
		}
	}()
	return ln.Addr().String()
}

func serveFakeBroker(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	header, err := r.ReadByte()
	if err != nil || header>>4 != 1 {
		return
	}
	length, err := readRemainingLength(r)
	if err != nil {
		return
	}
	if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
		return
	}
	if _, err := conn.Write([]byte{0x20, 0x02, 0x00, 0x00}); err != nil {
		return
	}
	io.Copy(io.Discard, r)
}

func readRemainingLength(r *bufio.Reader) (int, error) {
	value, mult := 0, 1
	for i := 0; i < 4; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(b&127) * mult
		if b&128 == 0 {
			return value, nil
		}
		mult *= 128
	}
	return 0, errors.New("malformed remaining length")
}

// closedAddr returns a loopback address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	require.NoError(t, err)
	return n
}

func TestParseAddress(t *testing.T) {
	cases := []struct {
		in   string
		want Address
	}{
		{"192.168.1.20", Address{Host: "192.168.1.20"}},
		{"192.168.1.20:7125", Address{Host: "192.168.1.20", Port: 7125}},
		{"voron.local", Address{Host: "voron.local"}},
		{"http://voron.local:8080", Address{Scheme: "http", Host: "voron.local", Port: 8080}},
		{"HTTPS://voron.local", Address{Scheme: "https", Host: "voron.local"}},
		{"mqtt://10.0.0.5", Address{Scheme: "mqtt", Host: "10.0.0.5"}},
		{"fe80::1", Address{Host: "fe80::1"}},
		{"[fe80::1]:7125", Address{Host: "fe80::1", Port: 7125}},
	}
	for _, tc := range cases {
		got, err := ParseAddress(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := ParseAddress("  ")
	assert.Error(t, err)
	_, err = ParseAddress("host:http")
	assert.Error(t, err)
}

func TestAddressURLs(t *testing.T) {
	a := Address{Host: "10.0.0.5"}
	assert.Equal(t, "http://10.0.0.5", a.httpURL(80))
	assert.Equal(t, "http://10.0.0.5:7125", a.httpURL(7125))
	assert.Equal(t, "tcp://10.0.0.5:1883", a.brokerURL(1883))

	s := Address{Scheme: "mqtts", Host: "10.0.0.5", Port: 8883}
	assert.Equal(t, "ssl://10.0.0.5:8883", s.brokerURL(1883))

	v6 := Address{Host: "fe80::1"}
	assert.Equal(t, "http://[fe80::1]", v6.httpURL(80))
}

func TestDetectMoonrakerOnExplicitPort(t *testing.T) {
	srv := httptest.NewServer(newFakeMoonraker())
	defer srv.Close()

	r := NewResolver(testOptions(), zerolog.Nop())
	host := strings.TrimPrefix(srv.URL, "http://")

	d := r.Detect(context.Background(), host)
	assert.Equal(t, fleet.ProtocolMoonraker, d.Protocol)
	assert.Equal(t, srv.URL, d.Endpoint)
}

func TestDetectTriesWellKnownPortsInOrder(t *testing.T) {
	srv := httptest.NewServer(newFakeMoonraker())
	defer srv.Close()
	_, port, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)

	_, deadPort, err := net.SplitHostPort(closedAddr(t))
	require.NoError(t, err)

	opts := testOptions()
	opts.MoonrakerPorts = []int{mustAtoi(t, deadPort), mustAtoi(t, port)}
	r := NewResolver(opts, zerolog.Nop())

	d := r.Detect(context.Background(), "127.0.0.1")
	assert.Equal(t, fleet.ProtocolMoonraker, d.Protocol)
	assert.Equal(t, srv.URL, d.Endpoint)
}

func TestDetectMQTT(t *testing.T) {
	broker := startFakeBroker(t)
	r := NewResolver(testOptions(), zerolog.Nop())

	// Without a scheme the HTTP probe runs first and is rejected.
	d := r.Detect(context.Background(), broker)
	assert.Equal(t, fleet.ProtocolMQTT, d.Protocol)
	assert.Equal(t, "tcp://"+broker, d.Endpoint)

	d = r.Detect(context.Background(), "mqtt://"+broker)
	assert.Equal(t, fleet.ProtocolMQTT, d.Protocol)
}

func TestDetectSchemeSkipsOtherProbe(t *testing.T) {
	broker := startFakeBroker(t)
	r := NewResolver(testOptions(), zerolog.Nop())

	d := r.Detect(context.Background(), "http://"+broker)
	assert.Equal(t, fleet.ProtocolUnknown, d.Protocol)

	srv := httptest.NewServer(newFakeMoonraker())
	defer srv.Close()
	d = r.Detect(context.Background(), "mqtt://"+strings.TrimPrefix(srv.URL, "http://"))
	assert.Equal(t, fleet.ProtocolUnknown, d.Protocol)
}

func TestDetectUnknown(t *testing.T) {
	r := NewResolver(testOptions(), zerolog.Nop())

	assert.Equal(t, Detection{Protocol: fleet.ProtocolUnknown}, r.Detect(context.Background(), closedAddr(t)))
	assert.Equal(t, Detection{Protocol: fleet.ProtocolUnknown}, r.Detect(context.Background(), ""))
}

func TestResolverClient(t *testing.T) {
	srv := httptest.NewServer(newFakeMoonraker())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")
	r := NewResolver(testOptions(), zerolog.Nop())

	c := r.Client(context.Background(), host, fleet.ProtocolMoonraker)
	require.IsType(t, &MoonrakerClient{}, c)
	assert.Equal(t, srv.URL, c.(*MoonrakerClient).BaseURL())

	c = r.Client(context.Background(), host, fleet.ProtocolUnknown)
	require.IsType(t, &MoonrakerClient{}, c)
	assert.Equal(t, srv.URL, c.(*MoonrakerClient).BaseURL())

	c = r.Client(context.Background(), "10.0.0.9", fleet.ProtocolMQTT)
	require.IsType(t, &MQTTClient{}, c)
	assert.Equal(t, fleet.ProtocolMQTT, c.Protocol())

	// Inconclusive detection falls back to Moonraker on the default port.
	c = r.Client(context.Background(), closedAddr(t), "")
	assert.Equal(t, fleet.ProtocolMoonraker, c.Protocol())
}

func TestMQTTClient(t *testing.T) {
	broker := startFakeBroker(t)
	c := NewMQTTClient("tcp://"+broker, testOptions(), zerolog.Nop())

	st := c.Status(context.Background())
	assert.Equal(t, fleet.PrinterIdle, st.State)
	assert.Zero(t, st.PrintDuration)
	assert.Zero(t, st.TotalDuration)

	err := c.UploadAndPrint(context.Background(), []byte("G28"), "a.gcode")
	assert.True(t, errors.Is(err, ErrUploadUnsupported))

	offline := NewMQTTClient("tcp://"+closedAddr(t), testOptions(), zerolog.Nop())
	assert.Equal(t, fleet.PrinterOffline, offline.Status(context.Background()).State)
}
