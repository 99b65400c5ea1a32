// Package httpx parses just enough of an HTTP/1.x request line and
// header block to route it to a tunnel and relay it onward — it never
// touches the body (§4.5 "does NOT parse HTTP bodies").
package httpx

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Header is a single header field, name case preserved as seen on the wire.
type Header struct {
	Name  string
	Value string
}

// Request is the parsed start-line + headers of a public request
// bound for a tunnel stream.
type Request struct {
	Method  string
	URI     string
	Proto   string
	Headers []Header
	// RawBodyStart holds any body bytes that were already read past
	// the header terminator while scanning for it.
	RawBodyStart []byte
}

// Get returns the first value associated with name (case-insensitive) or empty.
func (r *Request) Get(name string) string {
	lname := strings.ToLower(name)
	for _, h := range r.Headers {
		if strings.ToLower(h.Name) == lname {
			return h.Value
		}
	}
	return ""
}

// ParseRequest reads from r until the header block is complete or max
// is exceeded. prefill seeds the scan with bytes already read off the
// wire by the caller.
func ParseRequest(r *bufio.Reader, max int, prefill []byte) (*Request, int, error) {
	buf := append([]byte{}, prefill...)
	for {
		if hasHeaderEnd(buf) {
			break
		}
		if len(buf) > max {
			return nil, 0, fmt.Errorf("header too large (%d>%d)", len(buf), max)
		}
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			buf = append(buf, line...)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, 0, err
		}
	}
	req, err := parseBuffer(buf)
	if err != nil {
		return nil, 0, err
	}
	return req, len(buf), nil
}

func hasHeaderEnd(b []byte) bool {
	return bytes.Contains(b, []byte("\r\n\r\n")) || bytes.Contains(b, []byte("\n\n"))
}

func parseBuffer(buf []byte) (*Request, error) {
	var headerPart, bodyStart []byte
	if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx != -1 {
		headerPart = buf[:idx+4]
		bodyStart = buf[idx+4:]
	} else if idx := bytes.Index(buf, []byte("\n\n")); idx != -1 {
		headerPart = buf[:idx+2]
		bodyStart = buf[idx+2:]
	} else {
		headerPart = buf
	}
	reader := bufio.NewReader(bytes.NewReader(headerPart))
	reqLine, err := reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	reqLine = strings.TrimRight(reqLine, "\r\n")
	parts := strings.Split(reqLine, " ")
	if len(parts) < 3 {
		return nil, fmt.Errorf("bad request line: %q", reqLine)
	}
	req := &Request{Method: parts[0], URI: parts[1], Proto: parts[2]}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) || len(line) == 0 {
				break
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		colon := strings.Index(line, ":")
		if colon <= 0 {
			continue
		}
		name := line[:colon]
		value := strings.TrimSpace(line[colon+1:])
		req.Headers = append(req.Headers, Header{Name: name, Value: value})
	}
	if len(bodyStart) > 0 {
		req.RawBodyStart = append([]byte{}, bodyStart...)
	}
	return req, nil
}

// WriteTo re-serializes the request line and headers to w, followed by
// any body bytes already read past the terminator. Further body bytes
// are the caller's responsibility to relay.
func (r *Request) WriteTo(w io.Writer) (int64, error) {
	var total int64
	write := func(b []byte) error {
		n, err := w.Write(b)
		total += int64(n)
		return err
	}
	if err := write([]byte(fmt.Sprintf("%s %s %s\r\n", r.Method, r.URI, r.Proto))); err != nil {
		return total, err
	}
	for _, h := range r.Headers {
		if err := write([]byte(h.Name + ": " + h.Value + "\r\n")); err != nil {
			return total, err
		}
	}
	if err := write([]byte("\r\n")); err != nil {
		return total, err
	}
	if len(r.RawBodyStart) > 0 {
		if err := write(r.RawBodyStart); err != nil {
			return total, err
		}
	}
	return total, nil
}

// AugmentXFF appends clientIP to an existing X-Forwarded-For header, or
// adds one.
func (r *Request) AugmentXFF(clientIP string) {
	if clientIP == "" {
		return
	}
	lname := "x-forwarded-for"
	for i, h := range r.Headers {
		if strings.ToLower(h.Name) == lname {
			r.Headers[i].Value = h.Value + ", " + clientIP
			return
		}
	}
	r.Headers = append(r.Headers, Header{Name: "X-Forwarded-For", Value: clientIP})
}
