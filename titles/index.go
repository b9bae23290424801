package titles

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-wikidump/models"
	"github.com/aluiziolira/go-wikidump/transport"
	"github.com/gocolly/colly/v2"
)

const (
	namespaceOptions = `select[name="namespace"] option`
	allpagesEntries  = `ul.mw-allpages-chunk li a, table.mw-allpages-table-chunk td a, table.allpageslist td a`
	allpagesNav      = `.mw-allpages-nav a, .mw-allpages-nav-link a, td.mw-allpages-nav a`
)

// IndexEnumerator scrapes Special:Allpages on index.php, following the
// "next page" link until none remains.
type IndexEnumerator struct {
	Client *transport.Client
	Keep   func(ns int) bool
	Logger *slog.Logger
}

// Enumerate implements Enumerator.
func (e *IndexEnumerator) Enumerate(ctx context.Context, emit func([]models.Title) error) error {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	namespaces, err := e.namespaces(ctx)
	if err != nil {
		return err
	}

	for _, ns := range namespaces {
		if e.Keep != nil && !e.Keep(ns) {
			continue
		}
		count, err := e.walk(ctx, ns, emit)
		if err != nil {
			return fmt.Errorf("list namespace %d: %w", ns, err)
		}
		logger.Info("namespace enumerated",
			slog.Int("namespace", ns),
			slog.Int("titles", count),
		)
	}
	return nil
}

func (e *IndexEnumerator) namespaces(ctx context.Context) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	collector := e.Client.NewCollector()
	seen := map[int]struct{}{}
	collector.OnHTML(namespaceOptions, func(el *colly.HTMLElement) {
		id, err := strconv.Atoi(strings.TrimSpace(el.Attr("value")))
		if err != nil || id < 0 {
			return
		}
		seen[id] = struct{}{}
	})
	if err := collector.Visit(e.pageURL(-1)); err != nil {
		return nil, fmt.Errorf("fetch Special:Allpages: %w", err)
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		ids = append(ids, 0)
	}
	sort.Ints(ids)
	return ids, nil
}

func (e *IndexEnumerator) walk(ctx context.Context, ns int, emit func([]models.Title) error) (int, error) {
	visited := map[string]struct{}{}
	next := e.pageURL(ns)
	total := 0

	for next != "" {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		visited[next] = struct{}{}

		var batch []models.Title
		var links []string
		collector := e.Client.NewCollector()
		collector.OnHTML(allpagesEntries, func(el *colly.HTMLElement) {
			name := strings.TrimSpace(el.Attr("title"))
			if name == "" {
				name = strings.TrimSpace(el.Text)
			}
			if name == "" {
				return
			}
			batch = append(batch, models.Title{Name: name, Namespace: ns})
		})
		collector.OnHTML(allpagesNav, func(el *colly.HTMLElement) {
			href := el.Attr("href")
			if !strings.Contains(href, "from=") {
				return
			}
			links = append(links, el.Request.AbsoluteURL(href))
		})
		if err := collector.Visit(next); err != nil {
			return total, err
		}

		if len(batch) > 0 {
			total += len(batch)
			if err := emit(batch); err != nil {
				return total, err
			}
		}

		// the last unvisited nav link is "next"; "previous" points back
		next = ""
		for i := len(links) - 1; i >= 0; i-- {
			if _, done := visited[links[i]]; !done {
				next = links[i]
				break
			}
		}
		if len(batch) == 0 {
			next = ""
		}
	}
	return total, nil
}

func (e *IndexEnumerator) pageURL(ns int) string {
	q := url.Values{"title": {"Special:Allpages"}}
	if ns >= 0 {
		q.Set("namespace", strconv.Itoa(ns))
	}
	return e.Client.Index + "?" + q.Encode()
}
