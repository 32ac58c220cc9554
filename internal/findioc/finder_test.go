package findioc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// silentGateway returns a UDP address nothing listens on, so every
// search sent to it goes unanswered.
func silentGateway(t *testing.T) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	require.NoError(t, err)
	addr := conn.LocalAddr().(*net.UDPAddr)
	require.NoError(t, conn.Close())
	return addr
}

func TestFinderTimesOutAndRetriesThenReportsNotFound(t *testing.T) {
	gw := silentGateway(t)
	f, err := New(Config{
		Gateways:    []*net.UDPAddr{gw},
		Timeout:     200 * time.Millisecond,
		MaxRetries:  1,
		MaxInFlight: 4,
	})
	require.NoError(t, err)
	defer f.Close()

	start := time.Now()
	f.Push("SOME:CHANNEL")
	f.CloseInput()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, ok, err := f.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "SOME:CHANNEL", res.Channel)
	assert.Nil(t, res.ResponseAddr)
	assert.Nil(t, res.Addr)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 350*time.Millisecond)

	_, ok, err = f.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFinderRespectsBlacklist(t *testing.T) {
	reply := make(chan struct{})
	server, err := net.ListenUDP("udp4", &net.UDPAddr{})
	require.NoError(t, err)
	defer server.Close()

	go func() {
		buf := make([]byte, 1500)
		n, from, err := server.ReadFromUDP(buf)
		if err != nil || n < 16 {
			return
		}
		id := buf[12:16]
		out := make([]byte, 22)
		copy(out[0:2], buf[0:2])
		out[3] = 6
		copy(out[12:16], id)
		out[16], out[17] = 0, 5064>>8&0xff // port bytes; the reply's IP field stays 0.0.0.0, matching the blacklist entry
		server.WriteToUDP(out, from)
		close(reply)
	}()

	gwAddr := server.LocalAddr().(*net.UDPAddr)
	f, err := New(Config{
		Gateways:    []*net.UDPAddr{gwAddr},
		Blacklist:   []*net.UDPAddr{{IP: gwAddr.IP, Port: 0}},
		Timeout:     500 * time.Millisecond,
		MaxRetries:  0,
		MaxInFlight: 4,
	})
	require.NoError(t, err)
	defer f.Close()

	f.Push("BLACKLISTED:CHANNEL")
	f.CloseInput()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, ok, err := f.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "BLACKLISTED:CHANNEL", res.Channel)
	assert.Nil(t, res.ResponseAddr)
	assert.Nil(t, res.Addr)

	select {
	case <-reply:
	case <-time.After(time.Second):
		t.Fatal("server goroutine never observed the search datagram")
	}
}
