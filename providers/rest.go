package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const restTimeout = 10 * time.Second

// restClient wraps venue REST access with a shared rate limiter and a
// circuit breaker so a misbehaving endpoint cannot hammer the venue.
type restClient struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func newRESTClient(name, baseURL string, rps float64, burst int) *restClient {
	settings := gobreaker.Settings{
		Name:     name,
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &restClient{
		http:    resty.New().SetBaseURL(baseURL).SetTimeout(restTimeout),
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// getJSON performs one rate-limited GET and decodes the body into out.
func (c *restClient) getJSON(ctx context.Context, path string, query map[string]string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.http.R().SetContext(ctx).SetQueryParams(query).Get(path)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
			return nil, fmt.Errorf("GET %s: status %d", path, resp.StatusCode())
		}
		return resp.Body(), nil
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body.([]byte), out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// withRetry retries fn up to attempts times with linear backoff. Used for
// startup catalog fetches where a cold venue should not abort boot.
func withRetry(attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i < attempts {
			time.Sleep(time.Duration(i) * delay)
		}
	}
	return err
}
