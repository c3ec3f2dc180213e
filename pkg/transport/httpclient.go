package transport

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/richard-senior/podds/internal/logger"
	"golang.org/x/time/rate"
)

const browserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

// ClientOptions configures an HTTP Client. Zero values take sensible defaults.
type ClientOptions struct {
	Timeout           time.Duration
	UserAgent         string
	RequestsPerSecond float64
	Retries           int
	RetryWaitMin      time.Duration
	RetryWaitMax      time.Duration
	// CABundle is an extra PEM bundle appended to the system roots, for
	// networks that intercept TLS (e.g. Zscaler)
	CABundle string
}

// Client fetches remote documents politely: requests are rate limited,
// transient failures retried and compressed bodies decoded
type Client struct {
	http      *retryablehttp.Client
	limiter   *rate.Limiter
	userAgent string
}

// NewClient builds a Client
func NewClient(opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = browserAgent
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 1
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryWaitMin <= 0 {
		opts.RetryWaitMin = 500 * time.Millisecond
	}
	if opts.RetryWaitMax < opts.RetryWaitMin {
		opts.RetryWaitMax = 6 * opts.RetryWaitMin
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.Retries
	rc.RetryWaitMin = opts.RetryWaitMin
	rc.RetryWaitMax = opts.RetryWaitMax
	rc.Logger = leveledLogger{}
	rc.HTTPClient = &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: rootCAs(opts.CABundle)},
			Proxy:           http.ProxyFromEnvironment,
		},
		Timeout: opts.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("stopped after 10 redirects")
			}
			return nil
		},
	}

	return &Client{
		http:      rc,
		limiter:   rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		userAgent: opts.UserAgent,
	}
}

// rootCAs returns the system pool, plus bundle when it can be read
func rootCAs(bundle string) *x509.CertPool {
	pool, err := x509.SystemCertPool()
	if err != nil {
		logger.Warn("Failed to get system cert pool", err)
		pool = x509.NewCertPool()
	}
	if bundle == "" {
		return pool
	}
	pem, err := os.ReadFile(bundle)
	if err != nil {
		logger.Warn("Proceeding without CA bundle", err)
		return pool
	}
	if !pool.AppendCertsFromPEM(pem) {
		logger.Warn("Failed to append CA bundle " + bundle)
	} else {
		logger.Info("Added CA bundle to root CAs " + bundle)
	}
	return pool
}

// Get fetches url and returns the decoded body. Anything other than 200 is
// an error.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,text/csv,*/*;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	req.Header.Set("Accept-Language", "en-GB,en;q=0.9")

	logger.Inform("HTTP get called for " + url)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request returned error status %d", resp.StatusCode)
	}

	reader, err := decodeBody(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}
	return data, nil
}

// decodeBody unwraps a Content-Encoding. Unknown encodings pass through.
func decodeBody(encoding string, body io.ReadCloser) (io.ReadCloser, error) {
	switch encoding {
	case "gzip":
		r, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return r, nil
	case "deflate":
		return flate.NewReader(body), nil
	case "br":
		return io.NopCloser(brotli.NewReader(body)), nil
	case "", "identity":
	default:
		logger.Warn("Unknown content encoding: " + encoding)
	}
	return io.NopCloser(body), nil
}

// leveledLogger routes retryablehttp chatter to the podds logger
type leveledLogger struct{}

func (leveledLogger) Error(msg string, kv ...interface{}) { logger.Error(msg, flatten(kv)...) }
func (leveledLogger) Info(msg string, kv ...interface{})  { logger.Debug(msg, flatten(kv)...) }
func (leveledLogger) Debug(msg string, kv ...interface{}) { logger.Debug(msg, flatten(kv)...) }
func (leveledLogger) Warn(msg string, kv ...interface{})  { logger.Warn(msg, flatten(kv)...) }

// flatten renders key/value pairs as key=value strings
func flatten(kv []interface{}) []any {
	out := make([]any, 0, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		if i+1 < len(kv) {
			out = append(out, fmt.Sprintf("%v=%v", kv[i], kv[i+1]))
		} else {
			out = append(out, fmt.Sprint(kv[i]))
		}
	}
	return out
}
