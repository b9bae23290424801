package images

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-wikidump/models"
	"github.com/aluiziolira/go-wikidump/transport"
	"github.com/gocolly/colly/v2"
)

const (
	listFilesRows = `table.listfiles tr, table.mw-datatable tr`
	listFilesName = `td.TablePager_col_img_name a`
	listFilesUser = `td.TablePager_col_img_actor a, td.TablePager_col_img_user_text a`
	listFilesNext = `a.mw-nextlink`
)

// IndexLister scrapes Special:ListFiles on index.php. The listing carries no
// size or hash, so records hold the three leading fields only.
type IndexLister struct {
	Client    *transport.Client
	ChunkSize int
	Logger    *slog.Logger
}

// List implements Lister.
func (l *IndexLister) List(ctx context.Context, emit func([]models.ImageRecord) error) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	visited := map[string]struct{}{}
	next := l.pageURL()
	total := 0

	for next != "" {
		if err := ctx.Err(); err != nil {
			return err
		}
		visited[next] = struct{}{}

		var batch []models.ImageRecord
		following := ""
		collector := l.Client.NewCollector()
		collector.OnHTML(listFilesRows, func(el *colly.HTMLElement) {
			if rec, ok := parseRow(el); ok {
				batch = append(batch, rec)
			}
		})
		collector.OnHTML(listFilesNext, func(el *colly.HTMLElement) {
			if following == "" {
				following = el.Request.AbsoluteURL(el.Attr("href"))
			}
		})
		if err := collector.Visit(next); err != nil {
			return err
		}

		if len(batch) > 0 {
			total += len(batch)
			logger.Info("images listed", slog.Int("total", total))
			if err := emit(batch); err != nil {
				return err
			}
		}

		next = ""
		if _, done := visited[following]; following != "" && !done && len(batch) > 0 {
			next = following
		}
	}
	return nil
}

func parseRow(el *colly.HTMLElement) (models.ImageRecord, bool) {
	names := el.ChildTexts(listFilesName)
	links := el.ChildAttrs(listFilesName, "href")
	if len(names) == 0 || len(links) < 2 {
		return models.ImageRecord{}, false
	}
	name := strings.TrimSpace(names[0])
	if name == "" {
		return models.ImageRecord{}, false
	}
	// first link is the description page, the last one the file itself
	rec := models.ImageRecord{
		Filename: name,
		URL:      el.Request.AbsoluteURL(links[len(links)-1]),
		Size:     -1,
	}
	if users := el.ChildTexts(listFilesUser); len(users) > 0 {
		rec.Uploader = strings.TrimSpace(users[0])
	}
	return rec, true
}

func (l *IndexLister) pageURL() string {
	chunk := l.ChunkSize
	if chunk <= 0 {
		chunk = 50
	}
	q := url.Values{
		"title": {"Special:ListFiles"},
		"limit": {strconv.Itoa(chunk)},
	}
	return l.Client.Index + "?" + q.Encode()
}
