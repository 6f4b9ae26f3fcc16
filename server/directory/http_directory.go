package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mailkeep/mailkeep/consts"
	"github.com/mailkeep/mailkeep/logger"
	"github.com/mailkeep/mailkeep/pkg/circuitbreaker"
)

// HTTPDirectory resolves routes by querying the account backend over
// HTTP. A circuit breaker keeps a misbehaving backend from stalling the
// authentication path.
type HTTPDirectory struct {
	baseURL   string
	authToken string
	client    *http.Client
	breaker   *circuitbreaker.CircuitBreaker
}

// httpRouteResponse is the JSON shape served by the account backend.
type httpRouteResponse struct {
	UpstreamHost string `json:"upstream_host"`
	UpstreamPort int    `json:"upstream_port"`
	UpstreamSSL  bool   `json:"upstream_ssl"`
}

// NewHTTPDirectory creates an HTTP lookup client against baseURL. The
// identity is appended as a "user" query parameter.
func NewHTTPDirectory(baseURL, authToken string, timeout time.Duration) *HTTPDirectory {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPDirectory{
		baseURL:   baseURL,
		authToken: authToken,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breaker: circuitbreaker.New(circuitbreaker.Settings{
			Name:        "account-directory",
			MaxRequests: 3,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c circuitbreaker.Counts) bool {
				return c.Requests >= 3 && float64(c.TotalFailures)/float64(c.Requests) >= 0.6
			},
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				logger.Warn("Directory circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

func (d *HTTPDirectory) Lookup(ctx context.Context, identity string) (Route, error) {
	var route Route
	err := d.breaker.Execute(func() error {
		var lookupErr error
		route, lookupErr = d.lookup(ctx, identity)
		if errors.Is(lookupErr, consts.ErrIdentityNotFound) {
			// A clean 404 is a healthy backend answer, not a failure.
			return nil
		}
		return lookupErr
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return Route{}, fmt.Errorf("%w: %v", consts.ErrDirectoryUnavailable, err)
		}
		return Route{}, err
	}
	if route == (Route{}) {
		return Route{}, consts.ErrIdentityNotFound
	}
	return route, nil
}

func (d *HTTPDirectory) lookup(ctx context.Context, identity string) (Route, error) {
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return Route{}, fmt.Errorf("invalid directory url: %w", err)
	}
	q := u.Query()
	q.Set("user", identity)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Route{}, err
	}
	if d.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.authToken)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return Route{}, fmt.Errorf("%w: %v", consts.ErrDirectoryUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Route{}, consts.ErrIdentityNotFound
	case resp.StatusCode >= 500:
		return Route{}, fmt.Errorf("%w: directory returned status %d", consts.ErrDirectoryUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return Route{}, fmt.Errorf("directory returned unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Route{}, fmt.Errorf("%w: %v", consts.ErrDirectoryUnavailable, err)
	}

	var rr httpRouteResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return Route{}, fmt.Errorf("malformed directory response: %w", err)
	}
	if rr.UpstreamHost == "" {
		return Route{}, fmt.Errorf("malformed directory response: missing upstream_host")
	}
	port := rr.UpstreamPort
	if port == 0 {
		if rr.UpstreamSSL {
			port = 993
		} else {
			port = 143
		}
	}
	return Route{Host: rr.UpstreamHost, Port: port, TLS: rr.UpstreamSSL}, nil
}
