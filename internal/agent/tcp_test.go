package agent

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

// testAgentServer is a minimal stand-in for the on-device agent's TCP
// listener: it serves exactly one connection per Accept, handling both
// push (store the uploaded payload) and pull (serve a fixed payload) so
// the client's wire-format encode/decode can be exercised without a
// real device.
type testAgentServer struct {
	ln          net.Listener
	pushed      []byte
	pullPayload []byte
}

func newTestAgentServer(t *testing.T) *testAgentServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return &testAgentServer{ln: ln}
}

func (s *testAgentServer) addr() string { return s.ln.Addr().String() }

func (s *testAgentServer) serveOnce(t *testing.T) {
	conn, err := s.ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	reader := bufio.NewReaderSize(conn, bufferSize)
	header, err := readHeader(reader)
	require.NoError(t, err)

	switch header.Op {
	case OpPush:
		hash := sha256.New()
		buf := &bytes.Buffer{}
		_, err := io.CopyN(io.MultiWriter(buf, hash), reader, header.Size)
		require.NoError(t, err)
		trailer := make([]byte, digestSize)
		_, err = io.ReadFull(reader, trailer)
		require.NoError(t, err)
		require.Equal(t, hash.Sum(nil), trailer)
		s.pushed = buf.Bytes()
	case OpPull:
		respHeader := wireHeader{Op: OpPull, Path: header.Path, Size: int64(len(s.pullPayload))}
		require.NoError(t, writeHeader(conn, respHeader))
		hash := sha256.New()
		_, err := io.Copy(io.MultiWriter(conn, hash), bytes.NewReader(s.pullPayload))
		require.NoError(t, err)
		_, err = conn.Write(hash.Sum(nil))
		require.NoError(t, err)
	}
}

func TestTCPClientPushStreamsPayloadAndDigest(t *testing.T) {
	srv := newTestAgentServer(t)
	defer srv.ln.Close()

	payload := bytes.Repeat([]byte("thinpull-device-sync"), 1000)
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.serveOnce(t)
	}()

	c := NewTCPClient(srv.addr(), "tok")
	err := c.Push(context.Background(), "/sdcard/DCIM/photo.jpg", int64(len(payload)), bytes.NewReader(payload))
	require.NoError(t, err)
	<-done
	require.Equal(t, payload, srv.pushed)
}

func TestTCPClientPullVerifiesDigestAndReturnsSize(t *testing.T) {
	srv := newTestAgentServer(t)
	defer srv.ln.Close()
	srv.pullPayload = bytes.Repeat([]byte("recovered-bytes"), 500)

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.serveOnce(t)
	}()

	c := NewTCPClient(srv.addr(), "tok")
	var out bytes.Buffer
	n, err := c.Pull(context.Background(), "/sdcard/DCIM/photo.jpg", &out)
	require.NoError(t, err)
	<-done
	require.EqualValues(t, len(srv.pullPayload), n)
	require.Equal(t, srv.pullPayload, out.Bytes())
}

func TestWriteAndReadHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	h := wireHeader{Op: OpPush, Path: "/sdcard/foo", Size: 42, Token: "abc"}
	require.NoError(t, writeHeader(&buf, h))
	require.Equal(t, headerSize, buf.Len())

	got, err := readHeader(&buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}
