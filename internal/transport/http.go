package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// maxBodyBytes is the largest read response accepted; longer bodies are a
// protocol error.
const maxBodyBytes = 4 << 20

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	Endpoint string // e.g. http://localhost:8080
	KeyPath  string // path prefix in front of the key, e.g. /kv/
	Headers  map[string]string
	MaxConns int
}

// HTTPTransport talks to the syncstore over plain HTTP: PUT to write, GET to read.
type HTTPTransport struct {
	base    string
	headers map[string]string
	client  *http.Client
}

func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 2000
	}

	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = maxConns
	t.MaxConnsPerHost = maxConns
	t.MaxIdleConnsPerHost = maxConns
	t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}

	keyPath := cfg.KeyPath
	if keyPath == "" {
		keyPath = "/kv/"
	}
	if !strings.HasPrefix(keyPath, "/") {
		keyPath = "/" + keyPath
	}
	if !strings.HasSuffix(keyPath, "/") {
		keyPath += "/"
	}

	return &HTTPTransport{
		base:    strings.TrimRight(cfg.Endpoint, "/") + keyPath,
		headers: cfg.Headers,
		// Per-op timeouts come from the request context, not the client.
		client: &http.Client{Transport: t},
	}
}

func (t *HTTPTransport) keyURL(key string) string {
	return t.base + url.PathEscape(key)
}

func (t *HTTPTransport) Write(ctx context.Context, key string, value []byte, timeout time.Duration) Result {
	resp, res := t.do(ctx, http.MethodPut, key, value, timeout)
	if resp == nil {
		return res
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	res.Status = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.Success = true
	} else {
		res.ErrKind = ErrProtocol
		res.Err = fmt.Errorf("write %s: unexpected status %d", key, resp.StatusCode)
	}
	return finish(res)
}

func (t *HTTPTransport) Read(ctx context.Context, key string, timeout time.Duration) Result {
	resp, res := t.do(ctx, http.MethodGet, key, nil, timeout)
	if resp == nil {
		return res
	}
	defer resp.Body.Close()

	res.Status = resp.StatusCode
	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
		if err == nil && len(body) > maxBodyBytes {
			res.ErrKind = ErrProtocol
			res.Err = fmt.Errorf("read %s: body exceeds %d bytes", key, maxBodyBytes)
			return finish(res)
		}
		if err != nil {
			// A body cut short is a malformed response unless the op timed out.
			res.ErrKind = classify(err)
			if res.ErrKind != ErrTransportTimeout {
				res.ErrKind = ErrProtocol
			}
			res.Err = fmt.Errorf("read %s: body: %w", key, err)
			return finish(res)
		}
		res.Success = true
		res.Found = true
		res.Payload = body
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		res.Success = true
	default:
		io.Copy(io.Discard, resp.Body)
		res.ErrKind = ErrProtocol
		res.Err = fmt.Errorf("read %s: unexpected status %d", key, resp.StatusCode)
	}
	return finish(res)
}

// do sends the request. A nil response means the returned Result is final.
func (t *HTTPTransport) do(ctx context.Context, method, key string, body []byte, timeout time.Duration) (*http.Response, Result) {
	// In-flight calls are never aborted by run cancellation; only the op timeout bounds them.
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)

	res := Result{Start: time.Now()}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(opCtx, method, t.keyURL(key), rdr)
	if err != nil {
		cancel()
		res.ErrKind = ErrProtocol
		res.Err = fmt.Errorf("%s %s: build request: %w", method, key, err)
		return nil, finish(res)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		res.ErrKind = classify(err)
		res.Err = fmt.Errorf("%s %s: %w", method, key, err)
		return nil, finish(res)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, res
}

func finish(res Result) Result {
	res.End = time.Now()
	res.Latency = res.End.Sub(res.Start)
	return res
}

// classify maps a client error onto the error taxonomy.
func classify(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrTransportTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTransportTimeout
	}
	return ErrTransportConnection
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
