package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
)

// Client talks to api.php and index.php of one wiki through a Transport.
type Client struct {
	HTTP  *http.Client
	API   string
	Index string
}

// NewClient builds a Client whose http.Client routes through t. jar may be
// nil; it carries the session cookies set up by the caller.
func NewClient(t *Transport, jar http.CookieJar, api, index string) *Client {
	return &Client{
		HTTP: &http.Client{
			Transport: t,
			Jar:       jar,
		},
		API:   api,
		Index: index,
	}
}

// Cursor is an opaque API continuation state.
type Cursor map[string]string

// Clone returns an independent copy.
func (c Cursor) Clone() Cursor {
	if c == nil {
		return nil
	}
	out := make(Cursor, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Get fetches rawURL. The caller closes the body. Non-2xx statuses are
// returned as *StatusError after the body is closed.
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		discard(resp)
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: rawURL}
	}
	return resp, nil
}

// PostForm posts form to target and returns the response body.
func (c *Client) PostForm(ctx context.Context, target string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		discard(resp)
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: target}
	}
	body, err := ReadBody(resp)
	if err != nil {
		return nil, fmt.Errorf("read response of %s: %w", target, err)
	}
	return body, nil
}

// PostIndex posts form to index.php.
func (c *Client) PostIndex(ctx context.Context, form url.Values) ([]byte, error) {
	if c.Index == "" {
		return nil, fmt.Errorf("index URL is not configured")
	}
	return c.PostForm(ctx, c.Index, form)
}

// GetIndex fetches index.php with params in the query string and returns
// the body.
func (c *Client) GetIndex(ctx context.Context, params url.Values) ([]byte, error) {
	if c.Index == "" {
		return nil, fmt.Errorf("index URL is not configured")
	}
	target := c.Index
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	resp, err := c.Get(ctx, target, nil)
	if err != nil {
		return nil, err
	}
	body, err := ReadBody(resp)
	if err != nil {
		return nil, fmt.Errorf("read response of %s: %w", target, err)
	}
	return body, nil
}

// NewBackoff returns the retry schedule of the client's transport.
func (c *Client) NewBackoff() *Backoff {
	if t, ok := c.HTTP.Transport.(*Transport); ok {
		return t.NewBackoff()
	}
	return NewBackoff(0, nil)
}

// PostAPI posts params to api.php and returns the raw body. API error
// objects in JSON responses are returned as *APIError.
func (c *Client) PostAPI(ctx context.Context, params url.Values) ([]byte, error) {
	if c.API == "" {
		return nil, fmt.Errorf("api URL is not configured")
	}
	body, err := c.PostForm(ctx, c.API, params)
	if err != nil {
		return nil, err
	}
	if params.Get("format") == "json" {
		var envelope struct {
			Error *struct {
				Code string `json:"code"`
				Info string `json:"info"`
			} `json:"error"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("parse api response: %w", err)
		}
		if envelope.Error != nil {
			return nil, &APIError{Code: envelope.Error.Code, Info: envelope.Error.Info}
		}
	}
	return body, nil
}

// Query posts a JSON API request and decodes the body into v.
func (c *Client) Query(ctx context.Context, params url.Values, v any) error {
	params = cloneValues(params)
	params.Set("format", "json")
	body, err := c.PostAPI(ctx, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode api response: %w", err)
	}
	return nil
}

// Continue repeats an API query with each continuation the server returns
// replacing the previous one, until none is returned. start resumes a
// previous walk. fn receives the "query" object of every batch and the
// cursor that would fetch the following one (nil on the last batch).
func (c *Client) Continue(ctx context.Context, params url.Values, start Cursor, fn func(query json.RawMessage, next Cursor) error) error {
	params = cloneValues(params)
	params.Set("format", "json")
	if _, ok := params["continue"]; !ok {
		params.Set("continue", "")
	}
	for k, v := range start {
		params.Set(k, v)
	}

	applied := start
	var prev Cursor
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		body, err := c.PostAPI(ctx, params)
		if err != nil {
			return err
		}
		var envelope struct {
			Continue      map[string]any            `json:"continue"`
			QueryContinue map[string]map[string]any `json:"query-continue"`
			Query         json.RawMessage           `json:"query"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return fmt.Errorf("decode api response: %w", err)
		}

		next := Cursor{}
		for k, v := range envelope.Continue {
			next[k] = stringify(v)
		}
		for _, group := range envelope.QueryContinue {
			for k, v := range group {
				next[k] = stringify(v)
			}
		}
		if len(next) == 0 {
			return fn(envelope.Query, nil)
		}
		if prev != nil && reflect.DeepEqual(prev, next) {
			return fmt.Errorf("api continuation did not advance: %v", next)
		}
		if err := fn(envelope.Query, next.Clone()); err != nil {
			return err
		}
		// a key the server no longer returns must not ride along
		for k := range applied {
			params.Del(k)
		}
		for k, v := range next {
			params.Set(k, v)
		}
		applied = next
		prev = next
	}
}

func stringify(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	case nil:
		return ""
	default:
		return fmt.Sprint(value)
	}
}

func cloneValues(in url.Values) url.Values {
	out := make(url.Values, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}
