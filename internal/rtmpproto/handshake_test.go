package rtmpproto

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestServerHandshakeEchoesC1AsS2 exercises spec.md §8 scenario 1: S2's
// time2 field echoes C1 verbatim.
func TestServerHandshakeEchoesC1AsS2(t *testing.T) {
	c1 := make([]byte, HandshakeSize)
	for i := range c1 {
		c1[i] = byte(i)
	}

	var clientToServer bytes.Buffer
	clientToServer.WriteByte(Version)
	clientToServer.Write(c1)
	c2 := make([]byte, HandshakeSize)
	clientToServer.Write(c2)

	var serverToClient bytes.Buffer

	err := ServerHandshake(bufio.NewReader(&clientToServer), &serverToClient)
	require.NoError(t, err)

	reply := serverToClient.Bytes()
	require.Equal(t, 1+HandshakeSize+HandshakeSize, len(reply))
	require.Equal(t, byte(Version), reply[0])

	s2 := reply[1+HandshakeSize:]
	require.Equal(t, c1, s2)
}

func TestServerHandshakeRejectsBadVersion(t *testing.T) {
	var in bytes.Buffer
	in.WriteByte(9)

	err := ServerHandshake(bufio.NewReader(&in), &bytes.Buffer{})
	require.ErrorIs(t, err, ErrBadVersion)
}

func TestClientServerHandshakeInterop(t *testing.T) {
	// Connect a client and a server over a pair of in-memory pipes, proving
	// the two halves agree on message framing end to end.
	clientReadsFromServer, serverWritesToClient := io.Pipe()
	serverReadsFromClient, clientWritesToServer := io.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- ClientHandshake(bufio.NewReader(clientReadsFromServer), clientWritesToServer)
	}()

	err := ServerHandshake(bufio.NewReader(serverReadsFromClient), serverWritesToClient)
	require.NoError(t, err)
	require.NoError(t, <-done)
}
