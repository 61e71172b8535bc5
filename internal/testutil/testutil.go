// Package testutil provides fakes shared by the offline tests.
package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/meigma/offline/store"
)

// ErrNetworkDown is returned by Network.Fetch while the network is offline.
var ErrNetworkDown = errors.New("testutil: network down")

// Page is a canned network response.
type Page struct {
	Status      int
	ContentType string
	Header      http.Header
	Body        string
}

// Network is an in-memory fetcher. Unknown URLs answer 404.
// It is safe for concurrent use.
type Network struct {
	mu      sync.Mutex
	pages   map[string]Page
	hits    map[string]int
	offline bool
	failing map[string]bool
}

// NewNetwork returns a Network serving pages keyed by absolute URL.
func NewNetwork(pages map[string]Page) *Network {
	n := &Network{
		pages:   make(map[string]Page, len(pages)),
		hits:    make(map[string]int),
		failing: make(map[string]bool),
	}
	for k, v := range pages {
		n.pages[k] = v
	}
	return n
}

// Set adds or replaces the page at url.
func (n *Network) Set(url string, p Page) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pages[url] = p
}

// SetOffline makes every subsequent Fetch fail with ErrNetworkDown.
func (n *Network) SetOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

// Fail makes fetches of url fail with ErrNetworkDown.
func (n *Network) Fail(url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failing[url] = true
}

// Hits returns how many times url was fetched, including failed attempts.
func (n *Network) Hits(url string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hits[url]
}

// Total returns the number of fetches across all URLs.
func (n *Network) Total() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, c := range n.hits {
		total += c
	}
	return total
}

// Fetch implements offline.Fetcher.
func (n *Network) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := req.URL.String()

	n.mu.Lock()
	n.hits[key]++
	offline := n.offline || n.failing[key]
	page, ok := n.pages[key]
	n.mu.Unlock()

	if offline {
		return nil, fmt.Errorf("fetch %s: %w", key, ErrNetworkDown)
	}
	if !ok {
		page = Page{Status: http.StatusNotFound, ContentType: "text/plain", Body: "not found"}
	}
	if page.Status == 0 {
		page.Status = http.StatusOK
	}
	header := page.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if page.ContentType != "" {
		header.Set("Content-Type", page.ContentType)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", page.Status, http.StatusText(page.Status)),
		StatusCode:    page.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader([]byte(page.Body))),
		ContentLength: int64(len(page.Body)),
		Request:       req,
	}, nil
}

// FailingStorage wraps a Storage so that every Put on its stores fails.
type FailingStorage struct {
	store.Storage
	Err error
}

// Open returns the wrapped store with Put disabled.
func (s *FailingStorage) Open(ctx context.Context, name string) (store.Store, error) {
	st, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &failingStore{Store: st, err: s.Err}, nil
}

type failingStore struct {
	store.Store
	err error
}

func (s *failingStore) Put(context.Context, string, *store.Response) error {
	if s.err != nil {
		return s.err
	}
	return store.ErrQuotaExceeded
}

// Seed stores body under key in the named store of s.
func Seed(ctx context.Context, s store.Storage, name, key string, status int, body string) error {
	st, err := s.Open(ctx, name)
	if err != nil {
		return err
	}
	return st.Put(ctx, key, &store.Response{Status: status, Body: []byte(body)})
}
