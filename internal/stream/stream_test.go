package stream

import (
	"context"
	"crypto/tls"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixiwang/maproxy/internal/tlsconfig"
)

func TestWrapInboundTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			acceptedCh <- conn
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	client, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer client.Close()

	accepted := <-acceptedCh
	defer accepted.Close()

	s := WrapInbound(accepted)
	require.NoError(t, s.SetNoDelay(true))
	assert.NotNil(t, s.RemoteAddr())
}

func TestWrapInboundGeneric(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	s := WrapInbound(a)
	assert.NoError(t, s.SetNoDelay(true), "generic streams accept SetNoDelay as a no-op")
}

func TestDialPlain(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	s, err := Dial(context.Background(), "127.0.0.1", uint16(addr.Port), nil)
	require.NoError(t, err)
	defer s.Close()
}

func TestDialTLS(t *testing.T) {
	cert, _, err := tlsconfig.GenerateSelfSignedCert()
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			buf := make([]byte, 4)
			conn.Read(buf)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	s, err := Dial(context.Background(), "127.0.0.1", uint16(addr.Port), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Write([]byte("ping"))
	require.NoError(t, err)
}

func TestDialContextAlreadyCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Dial(ctx, "127.0.0.1", 1, nil)
	assert.Error(t, err)
}
