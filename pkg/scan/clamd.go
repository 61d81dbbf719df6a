package scan

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"strings"
	"time"
)

const (
	clamdEngine    = "clamd"
	clamdChunkSize = 32 << 10
)

// ClamdScanner streams bytes to a ClamAV daemon with the INSTREAM command.
type ClamdScanner struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer
}

func NewClamdScanner(addr string, timeout time.Duration) (*ClamdScanner, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("clamd address required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ClamdScanner{addr: addr, timeout: timeout}, nil
}

func (c *ClamdScanner) Scan(ctx context.Context, data []byte) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return Verdict{}, unavailable("dial clamd: %v", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString("zINSTREAM\x00"); err != nil {
		return Verdict{}, unavailable("write clamd command: %v", err)
	}
	var size [4]byte
	for off := 0; off < len(data); off += clamdChunkSize {
		end := min(off+clamdChunkSize, len(data))
		binary.BigEndian.PutUint32(size[:], uint32(end-off))
		if _, err := w.Write(size[:]); err != nil {
			return Verdict{}, unavailable("write clamd chunk: %v", err)
		}
		if _, err := w.Write(data[off:end]); err != nil {
			return Verdict{}, unavailable("write clamd chunk: %v", err)
		}
	}
	binary.BigEndian.PutUint32(size[:], 0)
	if _, err := w.Write(size[:]); err != nil {
		return Verdict{}, unavailable("terminate clamd stream: %v", err)
	}
	if err := w.Flush(); err != nil {
		return Verdict{}, unavailable("flush clamd stream: %v", err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\x00')
	if err != nil && reply == "" {
		return Verdict{}, unavailable("read clamd reply: %v", err)
	}
	return parseClamdReply(reply)
}

// parseClamdReply understands "stream: OK", "stream: <name> FOUND" and
// "... ERROR" replies.
func parseClamdReply(reply string) (Verdict, error) {
	reply = strings.TrimSpace(strings.TrimRight(reply, "\x00"))
	_, status, _ := strings.Cut(reply, ": ")
	switch {
	case status == "OK":
		return Clean(clamdEngine), nil
	case strings.HasSuffix(status, " FOUND"):
		return Rejected(clamdEngine, strings.TrimSuffix(status, " FOUND")), nil
	default:
		return Verdict{}, unavailable("clamd reply %q", reply)
	}
}
