package transport

import (
	"github.com/gocolly/colly/v2"
)

// NewCollector returns a synchronous colly collector that fetches through the
// client's rate-limited transport and cookie jar. Pagination is driven by the
// caller, one Visit at a time.
func (c *Client) NewCollector() *colly.Collector {
	collector := colly.NewCollector(
		colly.AllowURLRevisit(),
	)
	if t, ok := c.HTTP.Transport.(*Transport); ok && t.opts.UserAgent != "" {
		collector.UserAgent = t.opts.UserAgent
	}

	// retries live in the transport; a client deadline would cut them short
	collector.SetRequestTimeout(0)
	collector.WithTransport(c.HTTP.Transport)
	if c.HTTP.Jar != nil {
		collector.SetCookieJar(c.HTTP.Jar)
	}
	return collector
}
