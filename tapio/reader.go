// Package tapio provides the buffered reader/writer shims the Connect
// Handler runs its embedded HTTP/1.x parser over, plus the small amount of
// peek/IO-retry plumbing spec.md §4.C and §9 call for.
package tapio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// MinBufferSize is the minimum read buffer size spec.md §4.C requires
// ("≥ 16 KiB").
const MinBufferSize = 16 * 1024

// Reader is a line-oriented buffered reader over a raw stream socket. It
// wraps bufio.Reader (which already amortizes small reads the way the
// spec's "buffered reader" exists to do) and adds the request-line/header
// parsing vocabulary the Connect Handler needs.
type Reader struct {
	*bufio.Reader
	conn net.Conn
}

// NewReader wraps conn with a buffer of at least MinBufferSize.
func NewReader(conn net.Conn) *Reader {
	return &Reader{Reader: bufio.NewReaderSize(conn, MinBufferSize), conn: conn}
}

// ReadLine reads a single CRLF- or LF-terminated line, with the
// terminator stripped. io.EOF is returned verbatim so callers can
// distinguish "clean connection close between requests" (exit the tunnel
// loop) from a mid-request protocol error.
func (r *Reader) ReadLine() (string, error) {
	line, err := r.Reader.ReadString('\n')
	if err != nil {
		if len(line) == 0 {
			return "", err
		}
		// a non-EOF partial line is still a protocol error upstream;
		// return what we have and let the caller decide
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// RequestLine is a parsed "METHOD SP URI SP VERSION" line.
type RequestLine struct {
	Method  string
	URI     string
	Version string
}

// ErrMalformedRequestLine is returned by ReadRequestLine when the line has
// fewer than three whitespace-separated tokens (spec.md §4.E: "if
// malformed (fewer than 3 tokens) -> fatal").
var ErrMalformedRequestLine = errors.New("tapio: malformed request line")

// ReadRequestLine reads and parses one HTTP request line. io.EOF
// propagates unchanged to signal a clean end of the tunnel's keep-alive
// loop.
func (r *Reader) ReadRequestLine() (RequestLine, error) {
	line, err := r.ReadLine()
	if err != nil {
		return RequestLine{}, err
	}
	if line == "" {
		// tolerate a single leading blank line some clients send between
		// keep-alive requests, matching net/http's own leniency
		line, err = r.ReadLine()
		if err != nil {
			return RequestLine{}, err
		}
	}
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return RequestLine{}, fmt.Errorf("%w: %q", ErrMalformedRequestLine, line)
	}
	return RequestLine{Method: fields[0], URI: fields[1], Version: fields[2]}, nil
}

// Header is one parsed "Name: value" header line.
type Header struct {
	Name  string
	Value string
}

// ReadHeaders reads header lines until the blank line that terminates the
// header block.
func (r *Reader) ReadHeaders() ([]Header, error) {
	var headers []Header
	for {
		line, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			return headers, nil
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, fmt.Errorf("tapio: malformed header line %q", line)
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		headers = append(headers, Header{Name: name, Value: value})
	}
}

// Peek16 returns up to 16 bytes from the stream without consuming them,
// for the §4.E "peek to distinguish ws:// from TLS on a non-standard
// port" tie-break. Because it goes through the same bufio.Reader that
// subsequent reads use, the peeked bytes are never lost.
func (r *Reader) Peek16() ([]byte, error) {
	b, err := r.Reader.Peek(16)
	if err != nil && !errors.Is(err, io.EOF) {
		return b, err
	}
	return b, nil
}
