// Package strategy implements the three fetch strategies behind one contract.
package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dealhound/fetchengine/internal/fetch"
)

// Strategy identifiers, in escalation order of cost.
const (
	DirectAPIID = "direct_api"
	StaticID    = "static"
	StealthID   = "stealth"
)

// ErrNoEndpoint is returned when a site has no registered structured
// endpoint. The dispatcher filters such jobs out before ranking.
var ErrNoEndpoint = errors.New("no direct endpoint registered for site")

// DirectConfig registers structured endpoints per site. The %s placeholder
// receives the escaped target URL.
type DirectConfig struct {
	Endpoints map[string]string
	Timeout   time.Duration
}

// Direct issues requests against a site's known structured endpoint. Fastest
// tier, least resilient to blocking.
type Direct struct {
	cfg    DirectConfig
	client *http.Client
}

// NewDirect builds the direct-API executor.
func NewDirect(cfg DirectConfig) *Direct {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Direct{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout, Transport: newTransport("")},
	}
}

// ID implements fetch.Strategy.
func (d *Direct) ID() string { return DirectAPIID }

// Supports reports whether the site has a registered endpoint.
func (d *Direct) Supports(job fetch.Job) bool {
	_, ok := d.cfg.Endpoints[strings.ToLower(job.Site)]
	return ok
}

// Fetch implements fetch.Strategy. The proxy is optional for this tier.
func (d *Direct) Fetch(ctx context.Context, job fetch.Job, proxyAddr string) (fetch.RawResult, error) {
	template, ok := d.cfg.Endpoints[strings.ToLower(job.Site)]
	if !ok {
		return fetch.RawResult{}, ErrNoEndpoint
	}
	endpoint := fmt.Sprintf(template, url.QueryEscape(job.URL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fetch.RawResult{}, fetch.Fatalf("build direct request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if job.SolvedToken != "" {
		req.Header.Set("X-Captcha-Token", job.SolvedToken)
	}

	client := d.client
	if proxyAddr != "" {
		client = &http.Client{Timeout: d.cfg.Timeout, Transport: newTransport(proxyAddr)}
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return fetch.RawResult{}, fmt.Errorf("direct request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fetch.RawResult{}, fmt.Errorf("read direct response: %w", err)
	}

	result := fetch.RawResult{
		URL:        endpoint,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       body,
		Duration:   time.Since(start),
	}
	if resp.StatusCode == http.StatusOK {
		result.Fields = decodeFields(body, job.Fields)
	}
	return result, nil
}

// decodeFields pulls the requested top-level keys out of a JSON payload.
func decodeFields(body []byte, wanted []string) map[string]string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}
	fields := make(map[string]string)
	for _, name := range wanted {
		v, ok := payload[name]
		if !ok || v == nil {
			continue
		}
		fields[name] = strings.TrimSpace(fmt.Sprint(v))
	}
	return fields
}

func newTransport(proxyAddr string) *http.Transport {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if proxyAddr != "" {
		if proxyURL, err := url.Parse(proxyAddr); err == nil {
			t.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return t
}
