package listener

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEchoUpstream(t *testing.T) (host string, port uint16) {
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
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", uint16(addr.Port)
}

func TestListenerAcceptAndRelay(t *testing.T) {
	upstreamHost, upstreamPort := startEchoUpstream(t)

	// Probe an ephemeral port, release it, then bind the Listener to
	// that address, since Config.Address must be known up front.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	probe.Close()

	l := New(Config{
		Address:    addr,
		TargetHost: upstreamHost,
		TargetPort: upstreamPort,
	}, zerolog.Nop())

	require.NoError(t, l.Start())
	defer l.Stop()

	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	payload := []byte("ping-pong")
	_, err = client.Write(payload)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	total := 0
	for total < len(buf) {
		n, err := client.Read(buf[total:])
		require.NoError(t, err)
		total += n
	}
	assert.Equal(t, payload, buf)

	require.Eventually(t, func() bool {
		return l.LiveSessionCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestListenerStopClosesListenerSocket(t *testing.T) {
	upstreamHost, upstreamPort := startEchoUpstream(t)

	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	probe.Close()

	l := New(Config{Address: addr, TargetHost: upstreamHost, TargetPort: upstreamPort}, zerolog.Nop())
	require.NoError(t, l.Start())
	require.NoError(t, l.Stop())

	_, err = net.Dial("tcp", addr)
	assert.Error(t, err, "no listener should remain bound after Stop")
}

// TestListenerDialFailureDoesNotLeakSession guards against a session
// being registered in l.sessions after its own RemoveSession call has
// already run: an instant dial failure must never outrace the map
// insertion and get stuck there forever.
func TestListenerDialFailureDoesNotLeakSession(t *testing.T) {
	deadLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := deadLn.Addr().(*net.TCPAddr)
	deadLn.Close()

	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	probe.Close()

	l := New(Config{
		Address:    addr,
		TargetHost: "127.0.0.1",
		TargetPort: uint16(deadAddr.Port),
	}, zerolog.Nop())
	require.NoError(t, l.Start())
	defer l.Stop()

	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool {
		return l.LiveSessionCount() == 0
	}, 2*time.Second, 10*time.Millisecond, "a failed dial must not leave the session stuck in the listener's map")
}

func TestListenerLiveSessionCountStartsAtZero(t *testing.T) {
	l := New(Config{Address: "unused:0"}, zerolog.Nop())
	assert.Equal(t, 0, l.LiveSessionCount())
}

func TestListenerAddressAccessor(t *testing.T) {
	l := New(Config{Address: "127.0.0.1:9999"}, zerolog.Nop())
	assert.Equal(t, "127.0.0.1:9999", l.Address())
}

func TestListenerForceCloseSessionsClosesClients(t *testing.T) {
	upstreamHost, upstreamPort := startEchoUpstream(t)

	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	probe.Close()

	l := New(Config{Address: addr, TargetHost: upstreamHost, TargetPort: upstreamPort}, zerolog.Nop())
	require.NoError(t, l.Start())
	defer l.Stop()

	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool {
		return l.LiveSessionCount() == 1
	}, time.Second, 10*time.Millisecond)

	l.ForceCloseSessions()

	buf := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(time.Second))
	_, err = client.Read(buf)
	assert.Error(t, err, "ForceCloseSessions should close the client-facing side of every live session")

	require.Eventually(t, func() bool {
		return l.LiveSessionCount() == 0
	}, time.Second, 10*time.Millisecond)
}
