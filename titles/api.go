package titles

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"

	"github.com/aluiziolira/go-wikidump/models"
	"github.com/aluiziolira/go-wikidump/transport"
)

// APIEnumerator walks list=allpages for every kept namespace.
type APIEnumerator struct {
	Client    *transport.Client
	ChunkSize int
	// Keep selects the namespaces to walk; nil walks all of them.
	Keep   func(ns int) bool
	Logger *slog.Logger
}

// Namespaces returns the non-negative namespace ids of the wiki in ascending order.
func Namespaces(ctx context.Context, client *transport.Client) ([]int, error) {
	var resp struct {
		Query struct {
			Namespaces map[string]struct {
				ID int `json:"id"`
			} `json:"namespaces"`
		} `json:"query"`
	}
	params := url.Values{
		"action": {"query"},
		"meta":   {"siteinfo"},
		"siprop": {"namespaces"},
	}
	if err := client.Query(ctx, params, &resp); err != nil {
		return nil, fmt.Errorf("fetch namespaces: %w", err)
	}
	ids := make([]int, 0, len(resp.Query.Namespaces))
	for key, ns := range resp.Query.Namespaces {
		id := ns.ID
		if parsed, err := strconv.Atoi(key); err == nil {
			id = parsed
		}
		if id < 0 {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		ids = append(ids, 0)
	}
	sort.Ints(ids)
	return ids, nil
}

// Enumerate implements Enumerator.
func (e *APIEnumerator) Enumerate(ctx context.Context, emit func([]models.Title) error) error {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	namespaces, err := Namespaces(ctx, e.Client)
	if err != nil {
		return err
	}

	for _, ns := range namespaces {
		if e.Keep != nil && !e.Keep(ns) {
			logger.Debug("skipping namespace", slog.Int("namespace", ns))
			continue
		}
		count := 0
		params := url.Values{
			"action":      {"query"},
			"list":        {"allpages"},
			"apnamespace": {strconv.Itoa(ns)},
			"aplimit":     {strconv.Itoa(e.chunk())},
		}
		err := e.Client.Continue(ctx, params, nil, func(query json.RawMessage, _ transport.Cursor) error {
			var batch struct {
				AllPages []struct {
					NS    int    `json:"ns"`
					Title string `json:"title"`
				} `json:"allpages"`
			}
			if len(query) > 0 {
				if err := json.Unmarshal(query, &batch); err != nil {
					return fmt.Errorf("decode allpages: %w", err)
				}
			}
			out := make([]models.Title, 0, len(batch.AllPages))
			for _, page := range batch.AllPages {
				out = append(out, models.Title{Name: page.Title, Namespace: page.NS})
			}
			count += len(out)
			if len(out) == 0 {
				return nil
			}
			return emit(out)
		})
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

func (e *APIEnumerator) chunk() int {
	if e.ChunkSize <= 0 {
		return 50
	}
	return e.ChunkSize
}
