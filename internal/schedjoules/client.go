// Package schedjoules proxies the SchedJoules calendar directory: a small
// REST client plus a read-through cache with conditional revalidation.
package schedjoules

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// The upstream API version is pinned; responses are not stable across versions.
const acceptHeader = "application/vnd.schedjoules; version=1"

var (
	// ErrNotFound maps upstream 404s.
	ErrNotFound = errors.New("schedjoules: page not found")
	// ErrUpstream covers every other upstream failure.
	ErrUpstream = errors.New("schedjoules: upstream error")
)

// Document is a raw upstream response plus the validators needed to
// revalidate it later.
type Document struct {
	Body         []byte
	ContentType  string
	ETag         string
	LastModified string
}

// Client talks to the SchedJoules REST API. The zero value is not usable;
// construct it with NewClient.
type Client struct {
	baseURL       string
	apiKey        string
	defaultLocale string
	httpClient    *http.Client
}

func NewClient(baseURL, apiKey, defaultLocale string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        apiKey,
		defaultLocale: defaultLocale,
		httpClient:    httpClient,
	}
}

// DefaultLocale is applied when a request carries no explicit locale.
func (c *Client) DefaultLocale() string { return c.defaultLocale }

// fetch performs a GET against the upstream. When etag or lastModified are
// set the request is conditional; a 304 returns (nil, true, nil).
func (c *Client) fetch(ctx context.Context, path string, query url.Values, etag, lastModified string) (*Document, bool, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Token token=%q", c.apiKey))
	req.Header.Set("Accept", acceptHeader)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		io.Copy(io.Discard, resp.Body)
		return nil, true, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, false, fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}
	return &Document{
		Body:         body,
		ContentType:  resp.Header.Get("Content-Type"),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, false, nil
}

func browsePath(pageID int) string {
	if pageID == 0 {
		return "/pages"
	}
	return fmt.Sprintf("/pages/%d", pageID)
}

func (c *Client) browseQuery(locale, location string) url.Values {
	q := url.Values{}
	if locale == "" {
		locale = c.defaultLocale
	}
	if locale != "" {
		q.Set("locale", locale)
	}
	if location != "" {
		q.Set("location", location)
	}
	return q
}

// Page is the envelope of a browse response. Only the fields needed for link
// rewriting are decoded; the raw document is what clients receive.
type Page struct {
	Name     string        `json:"name"`
	ItemID   int           `json:"item_id"`
	Sections []PageSection `json:"page_sections"`
}

type PageSection struct {
	Name  string     `json:"name"`
	Items []PageItem `json:"items"`
}

type PageItem struct {
	Kind string `json:"item_class"`
	Item struct {
		ID   int    `json:"item_id"`
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"item"`
}

type Language struct {
	ISO639 string `json:"iso_639_1"`
	Name   string `json:"name"`
}

type Country struct {
	ISO3166 string `json:"iso_3166"`
	Name    string `json:"name"`
}

// DecodePage parses the browse envelope out of a raw document.
func DecodePage(doc *Document) (*Page, error) {
	var page Page
	if err := json.Unmarshal(doc.Body, &page); err != nil {
		return nil, fmt.Errorf("decode page envelope: %w", err)
	}
	return &page, nil
}

// RewriteLinks points upstream item URLs at our proxy so clients never talk
// to the directory directly. The document is otherwise passed through as-is.
func RewriteLinks(body []byte, upstreamBase, proxyBase string) []byte {
	upstreamBase = strings.TrimRight(upstreamBase, "/")
	if upstreamBase == "" {
		return body
	}
	return bytes.ReplaceAll(body, []byte(upstreamBase), []byte(strings.TrimRight(proxyBase, "/")))
}
