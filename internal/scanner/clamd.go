package scanner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"time"
)

// chunkSize bounds each INSTREAM frame; clamd rejects frames above its
// StreamMaxLength anyway.
const chunkSize = 64 << 10

// Clamd speaks the clamd null-terminated command protocol over TCP.
type Clamd struct {
	addr    string
	timeout time.Duration
}

func NewClamd(addr string, timeout time.Duration) *Clamd {
	return &Clamd{addr: addr, timeout: timeout}
}

func (c *Clamd) dial(ctx context.Context, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func readReply(conn net.Conn) (string, error) {
	reply, err := bufio.NewReader(conn).ReadString(0)
	if err != nil && reply == "" {
		return "", err
	}
	return strings.TrimRight(reply, "\x00\n"), nil
}

// Ping sends zPING and expects PONG.
func (c *Clamd) Ping(ctx context.Context, timeout time.Duration) error {
	const op = "scanner.Clamd.Ping"
	conn, err := c.dial(ctx, timeout)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("zPING\x00")); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	reply, err := readReply(conn)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if reply != "PONG" {
		return fmt.Errorf("%s: unexpected reply %q", op, reply)
	}
	return nil
}

// Verdict is the parsed tri-state answer to an INSTREAM request.
type Verdict struct {
	Clean  bool
	Threat string
	Error  string
}

// InStream streams data as length-prefixed chunks and parses the reply.
func (c *Clamd) InStream(ctx context.Context, data []byte) (*Verdict, error) {
	const op = "scanner.Clamd.InStream"
	conn, err := c.dial(ctx, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString("zINSTREAM\x00"); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var size [4]byte
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		binary.BigEndian.PutUint32(size[:], uint32(end-off))
		if _, err := w.Write(size[:]); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if _, err := w.Write(data[off:end]); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	binary.BigEndian.PutUint32(size[:], 0)
	if _, err := w.Write(size[:]); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	reply, err := readReply(conn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return parseReply(reply), nil
}

// parseReply reads "stream: OK", "stream: <name> FOUND" or "<msg> ERROR".
func parseReply(reply string) *Verdict {
	body := reply
	if i := strings.Index(body, ": "); i >= 0 {
		body = body[i+2:]
	}
	switch {
	case body == "OK":
		return &Verdict{Clean: true}
	case strings.HasSuffix(body, " FOUND"):
		return &Verdict{Threat: strings.TrimSuffix(body, " FOUND")}
	case strings.HasSuffix(body, " ERROR"):
		return &Verdict{Error: strings.TrimSuffix(body, " ERROR")}
	default:
		return &Verdict{Error: "unrecognised reply: " + reply}
	}
}

// eicar is the standard antivirus test string.
var eicar = []byte(`X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`)

var heuristics = []struct {
	name    string
	pattern []byte
}{
	{"Heuristic.Script.Tag", []byte("<script")},
	{"Heuristic.ActiveX", []byte("activexobject")},
	{"Heuristic.PowerShell.Encoded", []byte("powershell -enc")},
	{"Heuristic.PowerShell.Encoded", []byte("powershell.exe -enc")},
	{"Heuristic.PowerShell.Encoded", []byte("-encodedcommand")},
	{"Heuristic.WScript.Shell", []byte("wscript.shell")},
	{"Heuristic.PHP.EvalBase64", []byte("eval(base64_decode")},
	{"Heuristic.VBA.AutoOpen", []byte("sub autoopen()")},
}

// heuristicScan is the fallback pass used when the daemon is unreachable.
func heuristicScan(data []byte) string {
	if bytes.Contains(data, eicar) {
		return "Eicar-Test-Signature"
	}
	lower := bytes.ToLower(data)
	for _, h := range heuristics {
		if bytes.Contains(lower, h.pattern) {
			return h.name
		}
	}
	return ""
}
