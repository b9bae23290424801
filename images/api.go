package images

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/aluiziolira/go-wikidump/models"
	"github.com/aluiziolira/go-wikidump/parser"
	"github.com/aluiziolira/go-wikidump/transport"
)

const imageProps = "url|user|size|sha1|timestamp"

// APILister walks list=allimages.
type APILister struct {
	Client    *transport.Client
	ChunkSize int
	Logger    *slog.Logger
}

type apiImage struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	User      string `json:"user"`
	Size      *int64 `json:"size"`
	SHA1      string `json:"sha1"`
	Timestamp string `json:"timestamp"`
}

func (img apiImage) record(filename string) models.ImageRecord {
	rec := models.ImageRecord{
		Filename: filename,
		URL:      img.URL,
		Uploader: img.User,
		Size:     -1,
		SHA1:     img.SHA1,
	}
	if img.Size != nil {
		rec.Size = *img.Size
	}
	if ts, err := time.Parse(time.RFC3339, img.Timestamp); err == nil {
		rec.Timestamp = ts
	}
	return rec
}

// List implements Lister.
func (l *APILister) List(ctx context.Context, emit func([]models.ImageRecord) error) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	chunk := l.ChunkSize
	if chunk <= 0 {
		chunk = 50
	}
	params := url.Values{
		"action":  {"query"},
		"list":    {"allimages"},
		"aiprop":  {imageProps},
		"ailimit": {strconv.Itoa(chunk)},
	}
	total := 0
	err := l.Client.Continue(ctx, params, nil, func(query json.RawMessage, _ transport.Cursor) error {
		var batch struct {
			AllImages []apiImage `json:"allimages"`
		}
		if len(query) > 0 {
			if err := json.Unmarshal(query, &batch); err != nil {
				return fmt.Errorf("decode allimages: %w", err)
			}
		}
		out := make([]models.ImageRecord, 0, len(batch.AllImages))
		for _, img := range batch.AllImages {
			if img.Name == "" || img.URL == "" {
				continue
			}
			out = append(out, img.record(parser.NormalizeTitle(img.Name)))
		}
		total += len(out)
		logger.Info("images listed", slog.Int("total", total))
		if len(out) == 0 {
			return nil
		}
		return emit(out)
	})
	return err
}

// ImageInfo looks up the current revision metadata of one file.
func ImageInfo(ctx context.Context, client *transport.Client, filename string) (models.ImageRecord, error) {
	params := url.Values{
		"action":        {"query"},
		"prop":          {"imageinfo"},
		"titles":        {"File:" + filename},
		"iiprop":        {imageProps},
		"formatversion": {"2"},
	}
	var resp struct {
		Query struct {
			Pages []struct {
				Missing   bool       `json:"missing"`
				Invalid   bool       `json:"invalid"`
				ImageInfo []apiImage `json:"imageinfo"`
			} `json:"pages"`
		} `json:"query"`
	}
	if err := client.Query(ctx, params, &resp); err != nil {
		return models.ImageRecord{}, fmt.Errorf("imageinfo of %s: %w", filename, err)
	}
	if len(resp.Query.Pages) == 0 || len(resp.Query.Pages[0].ImageInfo) == 0 || resp.Query.Pages[0].Invalid {
		return models.ImageRecord{}, fmt.Errorf("imageinfo of %s: %w", filename, models.ErrPageMissing)
	}
	return resp.Query.Pages[0].ImageInfo[0].record(filename), nil
}
