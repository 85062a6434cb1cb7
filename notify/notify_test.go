package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/printfleet/fleet"
	"github.com/john/printfleet/store"
)

type recorder struct {
	mu   sync.Mutex
	got  []fleet.Notification
	fail error
}

func (r *recorder) Notify(_ context.Context, n fleet.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return r.fail
}

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return p.err
}

func TestMultiDeliversSameRecordToEverySink(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := NewMulti(zerolog.Nop(), a, b)

	err := m.Notify(context.Background(), fleet.Notification{UserID: "u1", Title: "Print Started", Severity: fleet.SeverityInfo})
	require.NoError(t, err)

	require.Len(t, a.got, 1)
	require.Len(t, b.got, 1)
	assert.NotEmpty(t, a.got[0].ID)
	assert.False(t, a.got[0].CreatedAt.IsZero())
	assert.Equal(t, a.got[0], b.got[0])
}

func TestMultiKeepsGoingAfterFailure(t *testing.T) {
	broken := &recorder{fail: errors.New("sink down")}
	ok := &recorder{}
	m := NewMulti(zerolog.Nop(), broken)
	m.Add(ok)

	err := m.Notify(context.Background(), fleet.Notification{UserID: "u1"})
	assert.ErrorContains(t, err, "sink down")
	assert.Len(t, ok.got, 1)
}

func TestStoreSink(t *testing.T) {
	mem, err := store.NewMemory("")
	require.NoError(t, err)

	sink := NewStoreSink(mem)
	require.NoError(t, sink.Notify(context.Background(), fleet.Notification{UserID: "u1", Title: "Print Completed", Severity: fleet.SeveritySuccess}))

	stored := mem.Notifications("u1")
	require.Len(t, stored, 1)
	assert.Equal(t, "Print Completed", stored[0].Title)
	assert.NotEmpty(t, stored[0].ID)
}

func TestNATSPublishesPerUserSubject(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNATS(pub, "printfleet.notifications", zerolog.Nop())

	note := fleet.Notification{ID: "n1", UserID: "u7", Title: "Printer Offline", Message: "alpha is unreachable.", Severity: fleet.SeverityWarning}
	require.NoError(t, n.Notify(context.Background(), note))

	require.Equal(t, []string{"printfleet.notifications.u7"}, pub.subjects)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(pub.payloads[0], &decoded))
	assert.Equal(t, "WARNING", decoded["type"])
	assert.Equal(t, "alpha is unreachable.", decoded["message"])

	pub.err = errors.New("connection closed")
	assert.ErrorContains(t, n.Notify(context.Background(), note), "connection closed")

	n.Close()
}
