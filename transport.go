package uploader

import (
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// HTTPDoer is satisfied by *http.Client. Requests carry the caller's context,
// so cancelling it aborts in-flight transfers.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewHTTPClient returns a client tuned for many concurrent PUTs to the same host.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	return &http.Client{
		Timeout:   DefaultRequestTimeout,
		Transport: transport,
	}
}

// RateLimitedDoer paces outgoing requests; waiting honors the request context.
type RateLimitedDoer struct {
	next    HTTPDoer
	limiter *rate.Limiter
}

// NewRateLimitedDoer allows rps requests per second with the given burst.
func NewRateLimitedDoer(next HTTPDoer, rps float64, burst int) *RateLimitedDoer {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedDoer{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (d *RateLimitedDoer) Do(req *http.Request) (*http.Response, error) {
	if err := d.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return d.next.Do(req)
}
