package images

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/aluiziolira/go-wikidump/config"
	"github.com/aluiziolira/go-wikidump/transport"
)

const (
	// DefaultWaybackBase is the Wayback Machine host.
	DefaultWaybackBase = "https://web.archive.org"
	// cdxTimestamp is the 14-digit YYYYMMDDhhmmss layout of CDX records.
	cdxTimestamp = "20060102150405"
)

// Snapshot is one archived capture of a URL.
type Snapshot struct {
	Timestamp string
	Original  string
	Time      time.Time
}

// Wayback queries the CDX index and rewrites URLs to archived captures.
type Wayback struct {
	Client *transport.Client
	// Base defaults to DefaultWaybackBase.
	Base string
}

func (w *Wayback) base() string {
	if w.Base == "" {
		return DefaultWaybackBase
	}
	return w.Base
}

// Snapshots lists successful captures of target.
func (w *Wayback) Snapshots(ctx context.Context, target string) ([]Snapshot, error) {
	q := url.Values{
		"url":    {target},
		"output": {"json"},
		"fl":     {"timestamp,original"},
		"filter": {"statuscode:200"},
	}
	resp, err := w.Client.Get(ctx, w.base()+"/cdx/search/cdx?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("query wayback index: %w", err)
	}
	body, err := transport.ReadBody(resp)
	if err != nil {
		return nil, fmt.Errorf("read wayback index: %w", err)
	}
	var rows [][]string
	if len(body) > 0 {
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("decode wayback index: %w", err)
		}
	}
	var snaps []Snapshot
	for i, row := range rows {
		// first row names the fields
		if i == 0 || len(row) < 2 {
			continue
		}
		ts, err := time.Parse(cdxTimestamp, row[0])
		if err != nil {
			continue
		}
		snaps = append(snaps, Snapshot{Timestamp: row[0], Original: row[1], Time: ts})
	}
	return snaps, nil
}

// URL is the raw-content address of snap.
func (w *Wayback) URL(snap Snapshot) string {
	return w.base() + "/web/" + snap.Timestamp + "id_/" + snap.Original
}

// SelectSnapshot picks a capture according to mode. Earliest ignores captures
// dated after now; closest compares against upload.
func SelectSnapshot(mode config.BoosterMode, snaps []Snapshot, upload, now time.Time) (Snapshot, bool) {
	var best Snapshot
	found := false
	for _, snap := range snaps {
		switch mode {
		case config.BoosterEarliest:
			if snap.Time.After(now) {
				continue
			}
			if !found || snap.Time.Before(best.Time) {
				best, found = snap, true
			}
		case config.BoosterLatest:
			if !found || snap.Time.After(best.Time) {
				best, found = snap, true
			}
		case config.BoosterClosest:
			if !found || absDuration(snap.Time.Sub(upload)) < absDuration(best.Time.Sub(upload)) {
				best, found = snap, true
			}
		default:
			return Snapshot{}, false
		}
	}
	return best, found
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
