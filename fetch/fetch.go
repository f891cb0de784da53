// Package fetch is the shared download manager: one HTTP client per
// repository carrying its auth, TLS, proxy, pacing and retry policy.
//
// All fetching in chantal funnels through here so that every byte read from
// an upstream obeys the same rules.
package fetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/quay/zlog"
	"golang.org/x/net/http/httpproxy"
	"golang.org/x/time/rate"

	chantal "github.com/slauger/chantal-sub001"
)

const userAgent = `chantal/1.0`

// Base is the instance-wide download policy that per-repository settings
// override.
type Base struct {
	Proxy    *chantal.ProxyConfig
	TLS      *chantal.TLSConfig
	Download chantal.DownloadConfig
}

// Client is an upstream-facing HTTP client for one repository.
type Client struct {
	c       *http.Client
	limiter *rate.Limiter
	auth    *chantal.Auth
	retries int
	// TLS verification is off; every Get repeats the warning
	insecure bool
}

// NewClient merges the base policy with the repository's overrides. The
// proxy is resolved in order: repository setting, base setting, process
// environment. A present-but-disabled proxy setting forces direct
// connections.
func NewClient(ctx context.Context, base Base, repo *chantal.RepositoryConfig) (*Client, error) {
	const op = `fetch/NewClient`
	dl := base.Download
	if repo.Download != nil {
		if repo.Download.Workers != 0 {
			dl.Workers = repo.Download.Workers
		}
		if repo.Download.Retries != 0 {
			dl.Retries = repo.Download.Retries
		}
		if repo.Download.Timeout != 0 {
			dl.Timeout = repo.Download.Timeout
		}
		if repo.Download.HeaderTimeout != 0 {
			dl.HeaderTimeout = repo.Download.HeaderTimeout
		}
		if repo.Download.RatePerSecond != 0 {
			dl.RatePerSecond = repo.Download.RatePerSecond
		}
	}
	if dl.Retries == 0 {
		dl.Retries = chantal.DefaultRetries
	}
	if dl.Timeout == 0 {
		dl.Timeout = chantal.Duration(chantal.DefaultTimeout)
	}
	if dl.HeaderTimeout == 0 {
		dl.HeaderTimeout = chantal.Duration(chantal.DefaultHeaderTimeout)
	}

	tcfg := base.TLS
	if repo.TLS != nil {
		tcfg = repo.TLS
	}
	tlsCfg, err := tlsConfig(tcfg)
	if err != nil {
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrConfig, Message: "bad TLS configuration", Inner: err}
	}
	insecure := tlsCfg != nil && tlsCfg.InsecureSkipVerify
	if insecure {
		zlog.Warn(ctx).
			Str("repository", repo.ID).
			Msg("upstream TLS verification disabled")
	}

	tr := &http.Transport{
		Proxy:                 proxyFunc(repo.Proxy, base.Proxy),
		TLSClientConfig:       tlsCfg,
		ResponseHeaderTimeout: time.Duration(dl.HeaderTimeout),
		MaxIdleConnsPerHost:   8,
	}

	var limiter *rate.Limiter
	if rps := dl.RatePerSecond; rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}

	return &Client{
		c: &http.Client{
			Transport: tr,
			Timeout:   time.Duration(dl.Timeout),
		},
		limiter:  limiter,
		auth:     repo.Auth,
		retries:  dl.Retries,
		insecure: insecure,
	}, nil
}

func tlsConfig(c *chantal.TLSConfig) (*tls.Config, error) {
	if c == nil {
		return nil, nil
	}
	cfg := &tls.Config{
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
	if c.CACert != "" {
		pem, err := os.ReadFile(c.CACert)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %q", c.CACert)
		}
		cfg.RootCAs = pool
	}
	if c.ClientCert != "" {
		crt, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{crt}
	}
	return cfg, nil
}

func proxyFunc(repo, base *chantal.ProxyConfig) func(*http.Request) (*url.URL, error) {
	pick := func(pc *chantal.ProxyConfig) func(*http.Request) (*url.URL, error) {
		if !pc.Enabled {
			return func(*http.Request) (*url.URL, error) { return nil, nil }
		}
		cfg := &httpproxy.Config{
			HTTPProxy:  pc.URL,
			HTTPSProxy: pc.URL,
			NoProxy:    pc.NoProxy,
		}
		pf := cfg.ProxyFunc()
		return func(r *http.Request) (*url.URL, error) { return pf(r.URL) }
	}
	switch {
	case repo != nil:
		return pick(repo)
	case base != nil:
		return pick(base)
	}
	pf := httpproxy.FromEnvironment().ProxyFunc()
	return func(r *http.Request) (*url.URL, error) { return pf(r.URL) }
}

func (c *Client) decorate(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	if a := c.auth; a != nil {
		switch {
		case a.Username != "":
			req.SetBasicAuth(a.Username, a.Password)
		case a.Bearer != "":
			req.Header.Set("Authorization", "Bearer "+a.Bearer)
		case a.Header != "":
			if k, v, ok := strings.Cut(a.Header, ":"); ok {
				req.Header.Set(strings.TrimSpace(k), strings.TrimSpace(v))
			}
		}
	}
}

// Get issues a GET with the client's policy applied: pacing, auth, and
// retries with exponential backoff on transient failure. Terminal failures
// come back classified: auth errors for 401/403, not-found for 404/410, and
// network errors otherwise.
//
// The caller owns the response body. 304 responses are returned, not
// retried; pass conditional headers via hdr.
func (c *Client) Get(ctx context.Context, u string, hdr http.Header) (*http.Response, error) {
	const op = `fetch/Client.Get`
	if c.insecure {
		zlog.Warn(ctx).
			Str("url", u).
			Msg("fetching without TLS verification")
	}
	attempt := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, backoff.Permanent(&chantal.Error{Op: op, Kind: chantal.ErrConfig, Message: "bad url", Inner: err})
		}
		for k, vs := range hdr {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		c.decorate(req)
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(err)
			}
		}
		res, err := c.c.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(&chantal.Error{Op: op, Kind: chantal.ErrCancelled, Inner: ctx.Err()})
			}
			requestCounter.WithLabelValues("error").Inc()
			return nil, err
		}
		requestCounter.WithLabelValues(codeClass(res.StatusCode)).Inc()
		switch {
		case res.StatusCode >= 200 && res.StatusCode < 300:
			return res, nil
		case res.StatusCode == http.StatusNotModified:
			return res, nil
		}
		err = statusError(op, res)
		drain(res)
		switch res.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return nil, err
		case http.StatusUnauthorized, http.StatusForbidden,
			http.StatusNotFound, http.StatusGone:
			return nil, backoff.Permanent(err)
		}
		if res.StatusCode >= 500 {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	res, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(c.retries)+1),
	)
	if err != nil {
		var domain *chantal.Error
		if errors.As(err, &domain) {
			return nil, err
		}
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrNetwork, Message: "request failed", Inner: err}
	}
	return res, nil
}

func statusError(op string, res *http.Response) error {
	head, _ := io.ReadAll(io.LimitReader(res.Body, 256))
	msg := fmt.Sprintf("unexpected status: %s (body starts: %q)", res.Status, head)
	kind := chantal.ErrNetwork
	switch res.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = chantal.ErrAuth
	case http.StatusNotFound, http.StatusGone:
		kind = chantal.ErrNotFound
	}
	return &chantal.Error{Op: op, Kind: kind, Message: msg}
}

// Drain lets the transport reuse the connection.
func drain(res *http.Response) {
	io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
	res.Body.Close()
}
