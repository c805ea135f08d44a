package edgeplane

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OriginRequest is a request forwarded to the origin application.
type OriginRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// OriginResponse is a fully buffered origin response.
type OriginResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// Origin fetches responses from the origin application.
type Origin interface {
	Fetch(ctx context.Context, req *OriginRequest) (*OriginResponse, error)
}

// OriginFunc adapts a function to Origin.
type OriginFunc func(ctx context.Context, req *OriginRequest) (*OriginResponse, error)

func (f OriginFunc) Fetch(ctx context.Context, req *OriginRequest) (*OriginResponse, error) {
	return f(ctx, req)
}

// hop-by-hop headers are never forwarded in either direction.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// HTTPOrigin fetches over net/http with a bounded body size.
type HTTPOrigin struct {
	client  *http.Client
	maxBody int64
	logger  Logger
}

// NewHTTPOrigin builds an origin client. timeout bounds each fetch.
func NewHTTPOrigin(timeout time.Duration, maxBody int64, logger Logger) (*HTTPOrigin, error) {
	if logger == nil {
		return nil, ErrNilLogger
	}
	if maxBody <= 0 {
		maxBody = 8 << 20
	}
	return &HTTPOrigin{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxBody: maxBody,
		logger:  logger.Named("origin"),
	}, nil
}

func (o *HTTPOrigin) Fetch(ctx context.Context, req *OriginRequest) (*OriginResponse, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = strings.NewReader(string(req.Body))
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build origin request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		hreq.Header.Del(h)
	}

	resp, err := o.client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("origin %s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, o.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read origin body: %w", err)
	}
	if int64(len(data)) > o.maxBody {
		return nil, fmt.Errorf("origin body exceeds %d bytes", o.maxBody)
	}

	header := resp.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}
	header.Del("Content-Length")
	return &OriginResponse{Status: resp.StatusCode, Header: header, Body: data}, nil
}
