package printer

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowBroker reads one CONNECT and holds its CONNACK until answer is
// closed. It then reports on hangup whether the client went away.
type slowBroker struct {
	addr      string
	connected chan struct{}
	answer    chan struct{}
	hungUp    chan bool
}

func startSlowBroker(t *testing.T) *slowBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	b := &slowBroker{
		addr:      ln.Addr().String(),
		connected: make(chan struct{}),
		answer:    make(chan struct{}),
		hungUp:    make(chan bool, 1),
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)

		if header, err := r.ReadByte(); err != nil || header>>4 != 1 {
			return
		}
		length, err := readRemainingLength(r)
		if err != nil {
			return
		}
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return
		}
		close(b.connected)

		<-b.answer
		if _, err := conn.Write([]byte{0x20, 0x02, 0x00, 0x00}); err != nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		next, err := r.ReadByte()
		var ne net.Error
		switch {
		case err == nil:
			b.hungUp <- next == 0xE0
		case errors.As(err, &ne) && ne.Timeout():
			b.hungUp <- false
		default:
			b.hungUp <- true
		}
	}()
	return b
}

func TestConnectOnceDropsLateConnection(t *testing.T) {
	b := startSlowBroker(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-b.connected
		cancel()
	}()

	err := connectOnce(ctx, "tcp://"+b.addr, 5*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	close(b.answer)
	select {
	case gone := <-b.hungUp:
		assert.True(t, gone, "client kept the connection open")
	case <-time.After(10 * time.Second):
		t.Fatal("broker never saw the client leave")
	}
}
