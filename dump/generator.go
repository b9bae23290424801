package dump

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-wikidump/checkpoint"
	"github.com/aluiziolira/go-wikidump/models"
	"github.com/aluiziolira/go-wikidump/parser"
	"github.com/aluiziolira/go-wikidump/titles"
	"github.com/aluiziolira/go-wikidump/transport"
)

// maxExportRevIDs is the API limit on revids per request.
const maxExportRevIDs = 50

// GeneratorSource walks list=allpages namespace by namespace, independent of
// the title list. For each batch of pages it collects every revision id and
// exports them by id, so a batch holds complete <page> elements only and the
// cursor saved after it never falls inside a page.
type GeneratorSource struct {
	Client    *transport.Client
	ChunkSize int
	Keep      func(ns int) bool
	// SampleTitle is exported to obtain the dump header.
	SampleTitle string
	// Resume continues a previous walk; nil starts from the first namespace.
	Resume *checkpoint.GeneratorCursor
	Logger *slog.Logger
}

// Header implements PageSource.
func (s *GeneratorSource) Header(ctx context.Context) (string, error) {
	sample := s.SampleTitle
	if sample == "" {
		sample = "Main_Page"
	}
	header, err := apiHeader(ctx, s.Client, url.Values{"titles": {sample}})
	if err != nil {
		return "", &models.FatalConfigError{Reason: "cannot retrieve dump header", Err: err}
	}
	return header, nil
}

// Stream implements PageSource.
func (s *GeneratorSource) Stream(ctx context.Context, sink Sink) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if s.Resume != nil && s.Resume.Finished {
		return nil
	}

	all, err := titles.Namespaces(ctx, s.Client)
	if err != nil {
		return err
	}
	var namespaces []int
	for _, ns := range all {
		if s.Keep == nil || s.Keep(ns) {
			namespaces = append(namespaces, ns)
		}
	}

	for i, ns := range namespaces {
		var start transport.Cursor
		if s.Resume != nil {
			if ns < s.Resume.Namespace {
				continue
			}
			if ns == s.Resume.Namespace {
				start = transport.Cursor(s.Resume.Continue).Clone()
			}
		}

		// the position after this namespace is the start of the next one
		after := checkpoint.GeneratorCursor{Finished: true}
		if i+1 < len(namespaces) {
			after = checkpoint.GeneratorCursor{Namespace: namespaces[i+1]}
		}

		params := url.Values{
			"action":      {"query"},
			"list":        {"allpages"},
			"apnamespace": {strconv.Itoa(ns)},
			"aplimit":     {strconv.Itoa(s.chunk())},
		}
		batches := 0
		err := s.Client.Continue(ctx, params, start, func(query json.RawMessage, next transport.Cursor) error {
			pages, err := decodeAllPages(query)
			if err != nil {
				return err
			}
			xml, err := s.exportPages(ctx, pages, sink)
			if err != nil {
				return err
			}
			cursor := after
			if next != nil {
				cursor = checkpoint.GeneratorCursor{Namespace: ns, Continue: next}
			}
			last := ""
			if names := parser.Titles(xml); len(names) > 0 {
				last = names[len(names)-1]
			}
			batches++
			return sink.Commit(ctx, Chunk{XML: xml, Title: last, Cursor: &cursor})
		})
		if err != nil {
			return fmt.Errorf("walk pages of namespace %d: %w", ns, err)
		}
		logger.Info("namespace exported",
			slog.Int("namespace", ns),
			slog.Int("batches", batches),
		)
	}
	return nil
}

func (s *GeneratorSource) chunk() int {
	if s.ChunkSize <= 0 {
		return maxExportRevIDs
	}
	return s.ChunkSize
}

// exportPages returns the full history of every page in names, one <page>
// element per title. Pages the wiki no longer has are skipped.
func (s *GeneratorSource) exportPages(ctx context.Context, names []string, sink Sink) (string, error) {
	var revids []string
	for _, title := range names {
		ids, err := s.revisionIDs(ctx, title)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			sink.Skip(title, err)
			continue
		}
		revids = append(revids, ids...)
	}
	fragment, err := s.exportRevisions(ctx, revids)
	if err != nil {
		return "", err
	}
	return groupPages(fragment), nil
}

// revisionIDs lists every revision of title, oldest first.
func (s *GeneratorSource) revisionIDs(ctx context.Context, title string) ([]string, error) {
	params := url.Values{
		"action":        {"query"},
		"prop":          {"revisions"},
		"titles":        {title},
		"rvprop":        {"ids"},
		"rvlimit":       {strconv.Itoa(s.chunk())},
		"rvdir":         {"newer"},
		"formatversion": {"2"},
	}
	var ids []string
	err := s.Client.Continue(ctx, params, nil, func(query json.RawMessage, _ transport.Cursor) error {
		var batch apiPagesQuery
		if len(query) > 0 {
			if err := json.Unmarshal(query, &batch); err != nil {
				return fmt.Errorf("decode revision ids: %w", err)
			}
		}
		page, err := singlePage(title, batch.Pages)
		if err != nil {
			return err
		}
		for _, rev := range page.Revisions {
			ids = append(ids, strconv.FormatInt(rev.RevID, 10))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%q: %w", title, models.ErrPageMissing)
	}
	return ids, nil
}

// groupPages merges the <page> elements of fragment that share a title, so a
// page exported across several requests comes out as one element in the
// position of its first part.
func groupPages(fragment string) string {
	var order []string
	pages := map[string]string{}
	for _, page := range parser.SplitPages(fragment) {
		title := ""
		if names := parser.Titles(page); len(names) > 0 {
			title = names[0]
		}
		if prev, ok := pages[title]; ok {
			pages[title] = appendRevisions(prev, parser.Revisions(page))
			continue
		}
		order = append(order, title)
		pages[title] = page
	}
	var out strings.Builder
	for _, title := range order {
		out.WriteString(pages[title])
	}
	return out.String()
}

// exportRevisions returns the page fragment holding revids, or "" for none.
func (s *GeneratorSource) exportRevisions(ctx context.Context, revids []string) (string, error) {
	var out strings.Builder
	for start := 0; start < len(revids); start += maxExportRevIDs {
		end := min(start+maxExportRevIDs, len(revids))
		params := url.Values{
			"action":       {"query"},
			"revids":       {strings.Join(revids[start:end], "|")},
			"export":       {"1"},
			"exportnowrap": {"1"},
		}
		body, err := s.Client.PostAPI(ctx, params)
		if err != nil {
			return "", err
		}
		xml := string(body)
		if !strings.Contains(xml, "<mediawiki") {
			return "", fmt.Errorf("export of revisions %s did not return xml", revids[start])
		}
		if fragment, ok := parser.PageFragment(xml); ok {
			out.WriteString(fragment)
		}
	}
	return out.String(), nil
}

func decodeAllPages(query json.RawMessage) ([]string, error) {
	if len(query) == 0 {
		return nil, nil
	}
	var batch struct {
		AllPages []struct {
			Title string `json:"title"`
		} `json:"allpages"`
	}
	if err := json.Unmarshal(query, &batch); err != nil {
		return nil, fmt.Errorf("decode allpages: %w", err)
	}
	names := make([]string, 0, len(batch.AllPages))
	for _, page := range batch.AllPages {
		names = append(names, page.Title)
	}
	return names, nil
}
