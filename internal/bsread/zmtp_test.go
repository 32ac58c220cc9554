package bsread

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFrameThenReadFrameRoundTrips(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	ca := &Conn{nc: a}
	cb := &Conn{nc: b}

	done := make(chan error, 1)
	go func() { done <- ca.writeFrame([]byte("hello"), true, false) }()

	body, more, err := cb.readFrame()
	require.NoError(t, <-done)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.True(t, more)
}

func TestReadMessageCollectsAllPartsUntilNoMoreFlag(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	ca := &Conn{nc: a}
	cb := &Conn{nc: b}

	go func() {
		ca.writeFrame([]byte("part1"), true, false)
		ca.writeFrame([]byte("part2"), true, false)
		ca.writeFrame([]byte("part3"), false, false)
	}()

	parts, err := cb.ReadMessage()
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Equal(t, "part1", string(parts[0]))
	assert.Equal(t, "part2", string(parts[1]))
	assert.Equal(t, "part3", string(parts[2]))
}

func TestWriteFrameLongLengthEncodingForLargeBody(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	ca := &Conn{nc: a}
	cb := &Conn{nc: b}

	big := make([]byte, 300)
	for i := range big {
		big[i] = byte(i)
	}
	go func() { ca.writeFrame(big, false, false) }()

	body, more, err := cb.readFrame()
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, big, body)
}
