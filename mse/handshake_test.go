package mse

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmoreau/gobt/core"
)

func TestNegotiateRC4WhenBothAllow(t *testing.T) {
	ih := core.InfoHashFixture()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	type result struct {
		rw        io.ReadWriter
		encrypted bool
		err       error
	}
	initRes := make(chan result, 1)
	acceptRes := make(chan result, 1)

	go func() {
		rw, enc, err := InitiateOutgoing(a, ih, Allow)
		initRes <- result{rw, enc, err}
	}()
	go func() {
		rw, enc, err := AcceptIncoming(b, SecretKeyIterator(func(f func([]byte) bool) {
			f(ih.Bytes())
		}), Allow)
		acceptRes <- result{rw, enc, err}
	}()

	ir := <-initRes
	ar := <-acceptRes
	require.NoError(t, ir.err)
	require.NoError(t, ar.err)
	assert.True(t, ir.encrypted)
	assert.True(t, ar.encrypted)

	done := make(chan error, 1)
	go func() {
		_, err := ir.rw.Write([]byte("hello"))
		done <- err
	}()
	buf := make([]byte, 5)
	_, err := io.ReadFull(ar.rw, buf)
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, "hello", string(buf))
}

func TestForbidPolicySkipsNegotiation(t *testing.T) {
	ih := core.InfoHashFixture()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	rw, enc, err := InitiateOutgoing(a, ih, Forbid)
	require.NoError(t, err)
	assert.False(t, enc)
	assert.Same(t, a, rw)

	rw2, enc2, err := AcceptIncoming(b, nil, Forbid)
	require.NoError(t, err)
	assert.False(t, enc2)
	assert.Same(t, b, rw2)
}

func TestRequireRejectsNoSecretKeyMatch(t *testing.T) {
	ih := core.InfoHashFixture()
	other := core.InfoHashFixture()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	initErr := make(chan error, 1)
	go func() {
		_, _, err := InitiateOutgoing(a, ih, Require)
		initErr <- err
	}()

	_, _, err := AcceptIncoming(b, SecretKeyIterator(func(f func([]byte) bool) {
		f(other.Bytes())
	}), Require)
	assert.Error(t, err)
	<-initErr
}
