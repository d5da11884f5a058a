package engine

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// LinkDiscoverer expands a crawl robot's seed URL into the set of same-host
// pages to visit. Discovery runs over plain HTTP, not through the browser
// worker, since it only needs anchors.
type LinkDiscoverer struct {
	userAgent string
	logger    *zap.Logger
}

// NewLinkDiscoverer constructs a LinkDiscoverer.
func NewLinkDiscoverer(userAgent string, logger *zap.Logger) *LinkDiscoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LinkDiscoverer{userAgent: userAgent, logger: logger}
}

// Discover fetches the seed page and returns up to limit same-host URLs,
// seed first. Fragments are stripped and duplicates dropped.
func (d *LinkDiscoverer) Discover(ctx context.Context, seed string, limit int) ([]string, error) {
	seedURL, err := url.Parse(seed)
	if err != nil {
		return nil, fmt.Errorf("parse seed url: %w", err)
	}

	c := colly.NewCollector(
		colly.AllowedDomains(seedURL.Hostname()),
		colly.MaxDepth(1),
	)
	if d.userAgent != "" {
		c.UserAgent = d.userAgent
	}

	var (
		mu    sync.Mutex
		seen  = map[string]bool{normalizeLink(seed): true}
		links = []string{seed}
	)

	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link == "" || !strings.HasPrefix(link, "http") {
			return
		}
		// AllowedDomains only bounds what colly visits; the frontier needs
		// its own host check so the browser never navigates off-host.
		parsed, err := url.Parse(link)
		if err != nil || parsed.Hostname() != seedURL.Hostname() {
			return
		}
		link = normalizeLink(link)
		mu.Lock()
		defer mu.Unlock()
		if seen[link] || len(links) >= limit {
			return
		}
		seen[link] = true
		links = append(links, link)
	})

	var fetchErr error
	c.OnError(func(r *colly.Response, cerr error) {
		fetchErr = fmt.Errorf("fetch %s: %w", r.Request.URL, cerr)
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(seed)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("link discovery canceled: %w", ctx.Err())
	case visitErr := <-done:
		if visitErr != nil {
			return nil, fmt.Errorf("visit seed: %w", visitErr)
		}
	}
	if fetchErr != nil {
		return nil, fetchErr
	}

	d.logger.Debug("link discovery finished",
		zap.String("seed", seed),
		zap.Int("pages", len(links)),
	)
	return links, nil
}

func normalizeLink(link string) string {
	if i := strings.IndexByte(link, '#'); i >= 0 {
		link = link[:i]
	}
	return strings.TrimSuffix(link, "/")
}
