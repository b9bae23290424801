package dump

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-wikidump/models"
	"github.com/aluiziolira/go-wikidump/parser"
	"github.com/aluiziolira/go-wikidump/transport"
)

const revisionProps = "ids|timestamp|user|userid|comment|content|size|sha1|flags"

// APIPageSource fetches pages through prop=revisions and renders them in the
// export schema.
type APIPageSource struct {
	Client    *transport.Client
	CurOnly   bool
	ChunkSize int
}

type apiPage struct {
	PageID    int           `json:"pageid"`
	NS        int           `json:"ns"`
	Title     string        `json:"title"`
	Missing   bool          `json:"missing"`
	Invalid   bool          `json:"invalid"`
	Revisions []apiRevision `json:"revisions"`
}

type apiRevision struct {
	RevID         int64  `json:"revid"`
	ParentID      int64  `json:"parentid"`
	Minor         bool   `json:"minor"`
	User          string `json:"user"`
	UserID        int64  `json:"userid"`
	Anon          bool   `json:"anon"`
	UserHidden    bool   `json:"userhidden"`
	Timestamp     string `json:"timestamp"`
	Size          int64  `json:"size"`
	SHA1          string `json:"sha1"`
	SHA1Hidden    bool   `json:"sha1hidden"`
	Comment       string `json:"comment"`
	CommentHidden bool   `json:"commenthidden"`
	Slots         struct {
		Main struct {
			ContentModel  string `json:"contentmodel"`
			ContentFormat string `json:"contentformat"`
			Content       string `json:"content"`
			TextHidden    bool   `json:"texthidden"`
		} `json:"main"`
	} `json:"slots"`
}

type apiPagesQuery struct {
	Pages []apiPage `json:"pages"`
}

// FetchHeader implements PageFetcher.
func (s *APIPageSource) FetchHeader(ctx context.Context, title string) (string, error) {
	return apiHeader(ctx, s.Client, url.Values{"titles": {title}})
}

// FetchPage implements PageFetcher.
func (s *APIPageSource) FetchPage(ctx context.Context, title string) (string, error) {
	params := url.Values{
		"action":        {"query"},
		"prop":          {"revisions"},
		"titles":        {title},
		"rvprop":        {revisionProps},
		"rvslots":       {"main"},
		"formatversion": {"2"},
	}

	if s.CurOnly {
		params.Set("rvlimit", "1")
		var resp struct {
			Query apiPagesQuery `json:"query"`
		}
		if err := s.Client.Query(ctx, params, &resp); err != nil {
			return "", err
		}
		page, err := singlePage(title, resp.Query.Pages)
		if err != nil {
			return "", err
		}
		return renderPage(page), nil
	}

	chunk := s.ChunkSize
	if chunk <= 0 {
		chunk = 50
	}
	params.Set("rvlimit", strconv.Itoa(chunk))
	params.Set("rvdir", "newer")

	var merged *apiPage
	err := s.Client.Continue(ctx, params, nil, func(query json.RawMessage, _ transport.Cursor) error {
		var batch apiPagesQuery
		if len(query) > 0 {
			if err := json.Unmarshal(query, &batch); err != nil {
				return fmt.Errorf("decode revisions: %w", err)
			}
		}
		page, err := singlePage(title, batch.Pages)
		if err != nil {
			return err
		}
		if merged == nil {
			merged = &page
			return nil
		}
		merged.Revisions = append(merged.Revisions, page.Revisions...)
		return nil
	})
	if err != nil {
		return "", err
	}
	if merged == nil {
		return "", fmt.Errorf("%q: %w", title, models.ErrPageMissing)
	}
	return renderPage(*merged), nil
}

func singlePage(title string, pages []apiPage) (apiPage, error) {
	if len(pages) == 0 {
		return apiPage{}, fmt.Errorf("%q: %w", title, models.ErrPageMissing)
	}
	page := pages[0]
	if page.Missing || page.Invalid {
		return apiPage{}, fmt.Errorf("%q: %w", title, models.ErrPageMissing)
	}
	return page, nil
}

// apiHeader exports the pages selected by sel and keeps what precedes the
// first <page>.
func apiHeader(ctx context.Context, client *transport.Client, sel url.Values) (string, error) {
	params := url.Values{
		"action":       {"query"},
		"export":       {"1"},
		"exportnowrap": {"1"},
	}
	for k, v := range sel {
		params[k] = v
	}
	body, err := client.PostAPI(ctx, params)
	if err != nil {
		return "", err
	}
	header, ok := parser.Header(string(body))
	if !ok || !strings.Contains(header, "<mediawiki") {
		return "", fmt.Errorf("api export did not return a dump header")
	}
	return header, nil
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

func escape(s string) string {
	return xmlEscaper.Replace(s)
}

// renderPage writes page in the MediaWiki export schema, newline terminated.
func renderPage(page apiPage) string {
	var b strings.Builder
	b.WriteString("  <page>\n")
	fmt.Fprintf(&b, "    <title>%s</title>\n", escape(page.Title))
	fmt.Fprintf(&b, "    <ns>%d</ns>\n", page.NS)
	fmt.Fprintf(&b, "    <id>%d</id>\n", page.PageID)
	for _, rev := range page.Revisions {
		renderRevision(&b, rev)
	}
	b.WriteString("  </page>\n")
	return b.String()
}

func renderRevision(b *strings.Builder, rev apiRevision) {
	b.WriteString("    <revision>\n")
	fmt.Fprintf(b, "      <id>%d</id>\n", rev.RevID)
	if rev.ParentID > 0 {
		fmt.Fprintf(b, "      <parentid>%d</parentid>\n", rev.ParentID)
	}
	fmt.Fprintf(b, "      <timestamp>%s</timestamp>\n", escape(rev.Timestamp))
	switch {
	case rev.UserHidden:
		b.WriteString("      <contributor deleted=\"deleted\" />\n")
	case rev.Anon || rev.UserID == 0:
		b.WriteString("      <contributor>\n")
		fmt.Fprintf(b, "        <ip>%s</ip>\n", escape(rev.User))
		b.WriteString("      </contributor>\n")
	default:
		b.WriteString("      <contributor>\n")
		fmt.Fprintf(b, "        <username>%s</username>\n", escape(rev.User))
		fmt.Fprintf(b, "        <id>%d</id>\n", rev.UserID)
		b.WriteString("      </contributor>\n")
	}
	if rev.Minor {
		b.WriteString("      <minor />\n")
	}
	switch {
	case rev.CommentHidden:
		b.WriteString("      <comment deleted=\"deleted\" />\n")
	case rev.Comment != "":
		fmt.Fprintf(b, "      <comment>%s</comment>\n", escape(rev.Comment))
	}
	slot := rev.Slots.Main
	if slot.ContentModel != "" {
		fmt.Fprintf(b, "      <model>%s</model>\n", escape(slot.ContentModel))
	}
	if slot.ContentFormat != "" {
		fmt.Fprintf(b, "      <format>%s</format>\n", escape(slot.ContentFormat))
	}
	if slot.TextHidden {
		fmt.Fprintf(b, "      <text bytes=\"%d\" deleted=\"deleted\" />\n", rev.Size)
	} else {
		fmt.Fprintf(b, "      <text bytes=\"%d\" xml:space=\"preserve\">%s</text>\n", rev.Size, escape(slot.Content))
	}
	if rev.SHA1 != "" && !rev.SHA1Hidden {
		fmt.Fprintf(b, "      <sha1>%s</sha1>\n", escape(rev.SHA1))
	}
	b.WriteString("    </revision>\n")
}
