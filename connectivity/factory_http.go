package connectivity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hazyhaar/readtheroom/horosafe"
)

// maxHTTPResponseBody caps what is read back from a remote endpoint (1 MiB).
const maxHTTPResponseBody int64 = 1 << 20

// httpConfig is the per-route config JSON.
type httpConfig struct {
	TimeoutMs   int64  `json:"timeout_ms"`
	ContentType string `json:"content_type"`
}

type httpFactoryOptions struct {
	allowPrivate bool
	client       *http.Client
}

// HTTPOption configures HTTPFactory.
type HTTPOption func(*httpFactoryOptions)

// AllowPrivateEndpoints lets routes target loopback and private addresses,
// for a collector running next to the daemon.
func AllowPrivateEndpoints() HTTPOption {
	return func(o *httpFactoryOptions) { o.allowPrivate = true }
}

// WithHTTPClient overrides the client used for every route. The per-route
// timeout still applies through the request context.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(o *httpFactoryOptions) { o.client = c }
}

// HTTPFactory builds handlers that POST the message to the route endpoint.
// Endpoints resolving to private or loopback addresses are rejected unless
// AllowPrivateEndpoints is set.
//
//	bus.RegisterTransport("http", connectivity.HTTPFactory())
func HTTPFactory(opts ...HTTPOption) TransportFactory {
	var fo httpFactoryOptions
	for _, o := range opts {
		o(&fo)
	}
	return func(endpoint string, config json.RawMessage) (Handler, func(), error) {
		if !fo.allowPrivate {
			if err := horosafe.ValidateURL(endpoint); err != nil {
				return nil, nil, fmt.Errorf("connectivity/http: %w", err)
			}
		}

		var cfg httpConfig
		if len(config) > 0 {
			_ = json.Unmarshal(config, &cfg)
		}
		timeout := 10 * time.Second
		if cfg.TimeoutMs > 0 {
			timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
		}
		contentType := "application/json"
		if cfg.ContentType != "" {
			contentType = cfg.ContentType
		}

		client := fo.client
		if client == nil {
			client = &http.Client{}
		}

		handler := func(ctx context.Context, payload []byte) ([]byte, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: create request: %w", err)
			}
			req.Header.Set("Content-Type", contentType)

			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: do request: %w", err)
			}
			defer resp.Body.Close()

			body, err := horosafe.LimitedReadAll(resp.Body, maxHTTPResponseBody)
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: read response: %w", err)
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return nil, fmt.Errorf("connectivity/http: status %d: %s", resp.StatusCode, body)
			}
			return body, nil
		}
		return handler, client.CloseIdleConnections, nil
	}
}
