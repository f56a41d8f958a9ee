package bus

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPTransport builds remote Handlers that POST payloads to
// <baseURL>/bus/<service>. The collaborator mounts the matching server side
// with NewHTTPHandler.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport creates a transport for a collaborator base URL.
// A nil client gets a 10s-timeout default.
func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPTransport{baseURL: baseURL, client: client}
}

// Handler returns a remote Handler for one service.
func (t *HTTPTransport) Handler(service string) Handler {
	url := t.baseURL + "/bus/" + service
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("bus: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("bus: call %s: %w", service, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("bus: read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("bus: %s returned %d: %s", service, resp.StatusCode, body)
		}
		return body, nil
	}
}

// RegisterAll points every named service at this transport's endpoint.
func (t *HTTPTransport) RegisterAll(r *Router, services ...string) {
	for _, s := range services {
		r.RegisterRemote(s, t.Handler(s), nil)
	}
}

// NewHTTPHandler exposes a Router's local handlers over HTTP, matching the
// client side of HTTPTransport. The final path segment names the service.
func NewHTTPHandler(r *Router) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		service := req.URL.Path
		if i := bytes.LastIndexByte([]byte(service), '/'); i >= 0 {
			service = service[i+1:]
		}
		payload, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		resp, err := r.Call(req.Context(), service, payload)
		if err != nil {
			if _, notFound := err.(*ErrServiceNotFound); notFound {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(resp)
	})
}
