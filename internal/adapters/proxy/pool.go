// Package proxy provides a latency-scored rotation pool for outbound
// crawler requests.
//
// Selection is power-of-two-choices over an exponentially weighted moving
// average of per-request latency. Failed proxies are penalized, never
// removed, so a proxy that stops failing drifts back into rotation
package proxy

import (
	"bufio"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"strings"
	"time"

	perr "repolens/internal/platform/errors"
	"repolens/internal/platform/metrics"
)

const (
	// emaSeed is the optimistic starting latency for a fresh proxy
	emaSeed = 1000.0 // ms

	// emaKeep is the weight of history in the EMA update
	emaKeep = 0.8

	// failPenaltyMS is the synthetic latency charged for a network failure.
	// Must stay >= 15000 so repeat offenders fall out of the selection front
	failPenaltyMS = 15000.0
)

// Proxy is one pool entry handed to callers
type Proxy struct {
	ID  int
	URL *url.URL
}

// Pool scores proxies and selects via power-of-two-choices.
//
// urls and ema are flat parallel slices indexed by the stable proxy ID.
// EMA writes are deliberately unsynchronized: updates are last-writer-wins
// floats and a lost sample is cheaper than a lock on the crawl hot path
type Pool struct {
	urls []*url.URL
	ema  []float64
	rnd  func(n int) int
}

// New builds a pool from proxy source lines. Supported forms are
// host:port and host:port:user:pass; blank lines and #-comments are
// skipped. Duplicate entries collapse to one ID
func New(lines []string) (*Pool, error) {
	p := &Pool{rnd: rand.Intn}
	seen := map[string]bool{}
	for _, ln := range lines {
		ln = strings.TrimSpace(ln)
		if ln == "" || strings.HasPrefix(ln, "#") {
			continue
		}
		u, err := parseLine(ln)
		if err != nil {
			return nil, err
		}
		key := u.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		p.urls = append(p.urls, u)
		p.ema = append(p.ema, emaSeed)
	}
	metrics.ProxyPoolSize.Set(float64(len(p.urls)))
	return p, nil
}

// Load reads one or more proxy list files and builds a pool
func Load(paths []string) (*Pool, error) {
	var lines []string
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, perr.Wrapf(err, perr.ErrorCodeInvalidArgument, "open proxy file %s", path)
		}
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			lines = append(lines, sc.Text())
		}
		serr := sc.Err()
		_ = f.Close()
		if serr != nil {
			return nil, perr.Wrapf(serr, perr.ErrorCodeInvalidArgument, "read proxy file %s", path)
		}
	}
	return New(lines)
}

// parseLine turns host:port[:user:pass] into an http proxy URL
func parseLine(ln string) (*url.URL, error) {
	parts := strings.Split(ln, ":")
	switch len(parts) {
	case 2:
		return url.Parse(fmt.Sprintf("http://%s:%s", parts[0], parts[1]))
	case 4:
		return url.Parse(fmt.Sprintf("http://%s:%s@%s:%s",
			url.QueryEscape(parts[2]), url.QueryEscape(parts[3]), parts[0], parts[1]))
	default:
		return nil, perr.InvalidArgf("bad proxy line %q: want host:port or host:port:user:pass", ln)
	}
}

// Len returns the number of proxies in the pool
func (p *Pool) Len() int { return len(p.urls) }

// Pick selects a proxy by power-of-two-choices on EMA latency.
// ok is false when the pool is empty; callers then go direct
func (p *Pool) Pick() (Proxy, bool) {
	n := len(p.urls)
	switch n {
	case 0:
		return Proxy{}, false
	case 1:
		return Proxy{ID: 0, URL: p.urls[0]}, true
	}
	i := p.rnd(n)
	j := p.rnd(n - 1)
	if j >= i {
		j++
	}
	if p.ema[j] < p.ema[i] {
		i = j
	}
	return Proxy{ID: i, URL: p.urls[i]}, true
}

// Observe folds a completed request latency into the proxy's EMA.
// Any HTTP response counts, including error statuses
func (p *Pool) Observe(id int, d time.Duration) {
	if id < 0 || id >= len(p.ema) {
		return
	}
	p.ema[id] = emaKeep*p.ema[id] + (1-emaKeep)*float64(d.Milliseconds())
}

// Fail charges a network failure against the proxy's EMA
func (p *Pool) Fail(id int) {
	if id < 0 || id >= len(p.ema) {
		return
	}
	p.ema[id] = emaKeep*p.ema[id] + (1-emaKeep)*failPenaltyMS
}

// EMA reports the current score for a proxy ID (testing and diagnostics)
func (p *Pool) EMA(id int) float64 {
	if id < 0 || id >= len(p.ema) {
		return 0
	}
	return p.ema[id]
}
