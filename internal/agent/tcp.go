package agent

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"
)

// headerSize is the fixed zero-padded header frame every TCP message
// starts with (spec.md §4.8/§6).
const headerSize = 512

// digestSize is the trailing integrity digest's length: raw SHA-256.
const digestSize = sha256.Size

// bufferSize is the buffered I/O chunk size spec.md §4.8 specifies.
const bufferSize = 256 * 1024

// Op names the two TCP bulk-transfer operations.
type Op string

const (
	OpPull Op = "pull"
	OpPush Op = "push"
)

// wireHeader is the JSON payload carried in the first 512 bytes of every
// TCP message (spec.md §4.8: `{op, path, size?, token}`).
type wireHeader struct {
	Op    Op     `json:"op"`
	Path  string `json:"path"`
	Size  int64  `json:"size,omitempty"`
	Token string `json:"token"`
}

// TCPClient is the bulk-file-transfer channel: a raw socket carrying a
// fixed-frame header, the file payload, and a trailing SHA-256 digest
// (spec.md §4.8). Never retried — see HTTPClient.Get's doc comment for
// why only the idempotent JSON channel retries.
type TCPClient struct {
	addr  string
	token string
}

// NewTCPClient constructs a TCPClient targeting addr (host:port).
func NewTCPClient(addr, token string) *TCPClient {
	return &TCPClient{addr: addr, token: token}
}

func (c *TCPClient) dial(ctx context.Context) (*net.TCPConn, error) {
	d := net.Dialer{Timeout: DefaultDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("agent: tcp dial failed: %w", err)
	}
	tcpConn := conn.(*net.TCPConn)
	if err := tcpConn.SetNoDelay(true); err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("agent: failed to disable Nagle's algorithm: %w", err)
	}
	return tcpConn, nil
}

// Push streams size bytes read from r to remotePath on the agent, then
// appends a 32-byte SHA-256 digest of the stream the server verifies
// against its own incremental hash.
func (c *TCPClient) Push(ctx context.Context, remotePath string, size int64, r io.Reader) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	header := wireHeader{Op: OpPush, Path: remotePath, Size: size, Token: c.token}
	if err := writeHeader(conn, header); err != nil {
		return err
	}

	hash := sha256.New()
	writer := bufio.NewWriterSize(conn, bufferSize)
	if _, err := io.Copy(writer, io.TeeReader(r, hash)); err != nil {
		return fmt.Errorf("agent: push stream failed: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("agent: push flush failed: %w", err)
	}
	if _, err := conn.Write(hash.Sum(nil)); err != nil {
		return fmt.Errorf("agent: push digest write failed: %w", err)
	}
	return nil
}

// Pull requests remotePath from the agent and writes size bytes to w,
// verifying the trailing digest against a locally-computed running hash
// (spec.md §4.8: "Integrity is always verified by comparing the
// locally-computed digest against the one in the trailer").
func (c *TCPClient) Pull(ctx context.Context, remotePath string, w io.Writer) (int64, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	header := wireHeader{Op: OpPull, Path: remotePath, Token: c.token}
	if err := writeHeader(conn, header); err != nil {
		return 0, err
	}

	reader := bufio.NewReaderSize(conn, bufferSize)
	respHeader, err := readHeader(reader)
	if err != nil {
		return 0, err
	}

	hash := sha256.New()
	written, err := io.CopyN(io.MultiWriter(w, hash), reader, respHeader.Size)
	if err != nil {
		return 0, fmt.Errorf("agent: pull stream failed: %w", err)
	}

	trailer := make([]byte, digestSize)
	if _, err := io.ReadFull(reader, trailer); err != nil {
		return 0, fmt.Errorf("agent: pull digest read failed: %w", err)
	}
	computed := hash.Sum(nil)
	if !bytesEqual(computed, trailer) {
		return 0, fmt.Errorf("agent: pull integrity check failed for %s", remotePath)
	}
	return written, nil
}

// writeHeader JSON-encodes h into exactly headerSize bytes, zero-padded.
func writeHeader(w io.Writer, h wireHeader) error {
	encoded, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("agent: encoding wire header: %w", err)
	}
	if len(encoded) > headerSize {
		return fmt.Errorf("agent: wire header exceeds %d bytes", headerSize)
	}
	frame := make([]byte, headerSize)
	copy(frame, encoded)
	_, err = w.Write(frame)
	return err
}

// readHeader reads a fixed headerSize frame and decodes the JSON payload
// up to its first NUL byte (the zero-padding).
func readHeader(r io.Reader) (wireHeader, error) {
	frame := make([]byte, headerSize)
	if _, err := io.ReadFull(r, frame); err != nil {
		return wireHeader{}, fmt.Errorf("agent: reading wire header: %w", err)
	}
	end := headerSize
	for i, b := range frame {
		if b == 0 {
			end = i
			break
		}
	}
	var h wireHeader
	if err := json.Unmarshal(frame[:end], &h); err != nil {
		return wireHeader{}, fmt.Errorf("agent: decoding wire header: %w", err)
	}
	return h, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// DefaultDialTimeout bounds how long establishing the TCP channel is
// allowed to take; dial returns an error once it expires.
const DefaultDialTimeout = 10 * time.Second
