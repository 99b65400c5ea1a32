package client

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strings"

	"github.com/siphon-tunnel/siphon/internal/mux"
	"github.com/siphon-tunnel/siphon/internal/obs"
)

// rewriteAndPump bridges the relay stream and the local target
// connection, optionally stripping or rewriting the Host header on the
// first request line read off the stream. Grounded on teacher's
// handleRequest/readAndMaybeRewriteHeaders.
func rewriteAndPump(local net.Conn, st *mux.Stream, stripHost bool, hostRewrite string) {
	if !stripHost && hostRewrite == "" {
		pump(local, st)
		return
	}

	rd := bufio.NewReader(st)
	modified, err := rewriteHostHeader(rd, stripHost, hostRewrite)
	if err != nil {
		if len(modified) > 0 {
			_, _ = local.Write(modified)
		}
		pumpReader(local, st, rd)
		return
	}
	if _, err := local.Write(modified); err != nil {
		_ = local.Close()
		_ = st.Close()
		return
	}
	pumpReader(local, st, rd)
}

// rewriteHostHeader reads HTTP/1.x request headers from rd line by line
// and strips or replaces the Host header, returning the rewritten header
// bytes including the terminating blank line.
func rewriteHostHeader(rd *bufio.Reader, stripHost bool, hostRewrite string) ([]byte, error) {
	const maxHeaderBytes = 64 * 1024
	var raw bytes.Buffer
	var lines []string
	for {
		if raw.Len() > maxHeaderBytes {
			return raw.Bytes(), nil
		}
		line, err := rd.ReadString('\n')
		if err != nil {
			return raw.Bytes(), err
		}
		raw.WriteString(line)
		lines = append(lines, line)
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	var out bytes.Buffer
	hostHandled := false
	for i, line := range lines {
		if i == 0 {
			out.WriteString(line)
			continue
		}
		if strings.HasPrefix(strings.ToLower(line), "host:") {
			if stripHost {
				continue
			}
			if hostRewrite != "" {
				out.WriteString("Host: " + hostRewrite + "\r\n")
				hostHandled = true
				continue
			}
		}
		out.WriteString(line)
	}
	if !stripHost && hostRewrite != "" && !hostHandled {
		outs := out.String()
		switch {
		case strings.HasSuffix(outs, "\r\n\r\n"):
			outs = strings.TrimSuffix(outs, "\r\n\r\n") + "\r\nHost: " + hostRewrite + "\r\n\r\n"
		case strings.HasSuffix(outs, "\n\n"):
			outs = strings.TrimSuffix(outs, "\n\n") + "\nHost: " + hostRewrite + "\n\n"
		default:
			outs += "Host: " + hostRewrite + "\r\n\r\n"
		}
		out.Reset()
		out.WriteString(outs)
	}
	return out.Bytes(), nil
}

type writeCloser interface {
	CloseWrite() error
}

func closeWrite(c net.Conn) {
	if wc, ok := c.(writeCloser); ok {
		_ = wc.CloseWrite()
		return
	}
	_ = c.Close()
}

// pump bridges local and st with no header inspection (the common case).
func pump(local net.Conn, st *mux.Stream) {
	done := make(chan struct{}, 2)
	go func() {
		n, _ := io.Copy(local, st)
		obs.BytesTotal.WithLabelValues("inbound").Add(float64(n))
		closeWrite(local)
		done <- struct{}{}
	}()
	go func() {
		n, _ := io.Copy(st, local)
		obs.BytesTotal.WithLabelValues("outbound").Add(float64(n))
		_ = st.CloseWrite()
		done <- struct{}{}
	}()
	<-done
	<-done
	_ = local.Close()
	_ = st.Close()
}

// pumpReader is pump but draining any bytes already buffered in rd before
// continuing to copy from st directly.
func pumpReader(local net.Conn, st *mux.Stream, rd *bufio.Reader) {
	done := make(chan struct{}, 2)
	go func() {
		n, _ := rd.WriteTo(local)
		obs.BytesTotal.WithLabelValues("inbound").Add(float64(n))
		closeWrite(local)
		done <- struct{}{}
	}()
	go func() {
		n, _ := io.Copy(st, local)
		obs.BytesTotal.WithLabelValues("outbound").Add(float64(n))
		_ = st.CloseWrite()
		done <- struct{}{}
	}()
	<-done
	<-done
	_ = local.Close()
	_ = st.Close()
}
