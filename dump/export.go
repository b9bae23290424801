package dump

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-wikidump/models"
	"github.com/aluiziolira/go-wikidump/parser"
	"github.com/aluiziolira/go-wikidump/transport"
)

// exportHistoryLimit is the revision page size requested from Special:Export.
const exportHistoryLimit = 1000

// ExportSource fetches pages through Special:Export on index.php.
type ExportSource struct {
	Client  *transport.Client
	CurOnly bool
	// Limit overrides the history page size, mainly for tests.
	Limit int
}

// FetchHeader implements PageFetcher.
func (s *ExportSource) FetchHeader(ctx context.Context, title string) (string, error) {
	xml, err := s.export(ctx, exportForm(title, true, 0, ""))
	if err != nil {
		return "", err
	}
	header, ok := parser.Header(xml)
	if !ok {
		return "", fmt.Errorf("export of %q has no header", title)
	}
	return header, nil
}

// FetchPage implements PageFetcher. Histories longer than one export page
// are merged into a single <page> element.
func (s *ExportSource) FetchPage(ctx context.Context, title string) (string, error) {
	if s.CurOnly {
		xml, err := s.export(ctx, exportForm(title, true, 0, ""))
		if err != nil {
			return "", err
		}
		page, ok := parser.PageFragment(xml)
		if !ok {
			return "", fmt.Errorf("%q: %w", title, models.ErrPageMissing)
		}
		return page, nil
	}

	limit := s.Limit
	if limit <= 0 {
		limit = exportHistoryLimit
	}
	offset := "1"
	page := ""
	for {
		xml, err := s.export(ctx, exportForm(title, false, limit, offset))
		if err != nil {
			return "", err
		}
		fragment, ok := parser.PageFragment(xml)
		if !ok {
			if page == "" {
				return "", fmt.Errorf("%q: %w", title, models.ErrPageMissing)
			}
			return page, nil
		}
		if page == "" {
			page = fragment
		} else {
			page = appendRevisions(page, parser.Revisions(fragment))
		}

		last := parser.LastTimestamp(fragment)
		if parser.CountRevisions(fragment) < limit || last == "" || last == offset {
			return page, nil
		}
		offset = last
	}
}

func (s *ExportSource) export(ctx context.Context, form url.Values) (string, error) {
	body, err := s.Client.PostIndex(ctx, form)
	if err != nil {
		return "", err
	}
	xml := string(body)
	if !strings.Contains(xml, "<mediawiki") {
		return "", fmt.Errorf("export of %q did not return xml", form.Get("pages"))
	}
	return xml, nil
}

func exportForm(title string, curOnly bool, limit int, offset string) url.Values {
	form := url.Values{
		"title":  {"Special:Export"},
		"pages":  {title},
		"action": {"submit"},
	}
	if curOnly {
		form.Set("curonly", "1")
		form.Set("limit", "1")
		return form
	}
	form.Set("limit", strconv.Itoa(limit))
	form.Set("offset", offset)
	return form
}

// appendRevisions inserts revisions before the closing </page> line of page.
func appendRevisions(page, revisions string) string {
	if revisions == "" {
		return page
	}
	end := strings.LastIndex(page, "</page>")
	if end < 0 {
		return page
	}
	lineStart := strings.LastIndex(page[:end], "\n") + 1
	return page[:lineStart] + revisions + page[lineStart:]
}
