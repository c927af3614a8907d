// Package netedge intercepts outbound requests at the transport layer:
// static assets and designated reads are served cache-first from a durable
// response cache, navigations fall back to the cached shell, and mutations
// go through a durable retry outbox.
package netedge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/retailpoint/storesync/pkg/bdkeeper"
	"github.com/retailpoint/storesync/pkg/logger"
	"github.com/retailpoint/storesync/pkg/models"
)

// Class is the policy bucket of an intercepted request.
type Class int

const (
	ClassPassthrough Class = iota
	ClassStaticAsset
	ClassNavigation
	ClassCacheableRead
	ClassMutation
)

// AbandonReporter receives outbox entries dropped after the retention
// window. *services.Service implements it.
type AbandonReporter interface {
	ReportAbandoned(entry models.OutboxEntry)
}

// Edge is an http.RoundTripper applying the per-class policies.
type Edge struct {
	keeper     *bdkeeper.Keeper
	next       http.RoundTripper
	log        logger.LoggerInterface
	reporter   AbandonReporter
	generation string
	retention  time.Duration

	// CacheablePrefixes marks GET paths served cache-first (resource
	// collections designated by the application).
	CacheablePrefixes []string

	// ShellURL is the cached application shell served for navigations.
	ShellURL string
}

// New builds an edge for one cache generation. next defaults to
// http.DefaultTransport.
func New(keeper *bdkeeper.Keeper, next http.RoundTripper, log logger.LoggerInterface,
	reporter AbandonReporter, generation string, retention time.Duration) *Edge {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Edge{
		keeper:     keeper,
		next:       next,
		log:        log,
		reporter:   reporter,
		generation: generation,
		retention:  retention,
		ShellURL:   "/index.html",
	}
}

var assetExtensions = map[string]bool{
	".js": true, ".css": true, ".html": true, ".json": true,
	".png": true, ".ico": true, ".svg": true, ".woff": true, ".woff2": true,
}

// Classify buckets a request. Mutating methods always win.
func (e *Edge) Classify(req *http.Request) Class {
	switch req.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return ClassMutation
	}
	if req.Method != http.MethodGet {
		return ClassPassthrough
	}
	if strings.Contains(req.Header.Get("Accept"), "text/html") {
		return ClassNavigation
	}
	if assetExtensions[path.Ext(req.URL.Path)] {
		return ClassStaticAsset
	}
	for _, prefix := range e.CacheablePrefixes {
		if strings.HasPrefix(req.URL.Path, prefix) {
			return ClassCacheableRead
		}
	}
	return ClassPassthrough
}

// RoundTrip implements http.RoundTripper.
func (e *Edge) RoundTrip(req *http.Request) (*http.Response, error) {
	switch e.Classify(req) {
	case ClassStaticAsset, ClassCacheableRead:
		return e.cacheFirst(req)
	case ClassNavigation:
		return e.navigation(req)
	case ClassMutation:
		return e.mutation(req)
	default:
		return e.next.RoundTrip(req)
	}
}

// cacheFirst serves a cached response when present, fetching and populating
// the cache otherwise. Only clean successes are cached; partial content and
// error statuses fail silently into no caching.
func (e *Edge) cacheFirst(req *http.Request) (*http.Response, error) {
	entry, err := e.keeper.GetCacheEntry(req.Context(), req.Method, req.URL.String(), e.generation)
	if err == nil {
		return e.respond(req, entry, true), nil
	}
	if !errors.Is(err, bdkeeper.ErrCacheMiss) {
		e.log.Warnf("response cache read failed for %s: %v", req.URL, err)
	}

	resp, err := e.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	return e.cacheResponse(req, resp), nil
}

// navigation serves the cached application shell and falls back to an
// offline page when neither cache nor network can answer.
func (e *Edge) navigation(req *http.Request) (*http.Response, error) {
	if entry, err := e.keeper.GetCacheEntry(req.Context(), http.MethodGet, req.URL.String(), e.generation); err == nil {
		return e.respond(req, entry, true), nil
	}

	resp, err := e.next.RoundTrip(req)
	if err == nil {
		return e.cacheResponse(req, resp), nil
	}

	shellURL := *req.URL
	shellURL.Path = e.ShellURL
	if entry, cerr := e.keeper.GetCacheEntry(req.Context(), http.MethodGet, shellURL.String(), e.generation); cerr == nil {
		return e.respond(req, entry, true), nil
	}
	return e.offlineFallback(req), nil
}

// mutation is network-only. Connectivity failures are recorded in the
// durable outbox and acknowledged to the caller as queued.
func (e *Edge) mutation(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	resp, err := e.next.RoundTrip(req)
	if err == nil {
		return resp, nil
	}

	entry := models.OutboxEntry{
		Method:      req.Method,
		URL:         req.URL.String(),
		ContentType: req.Header.Get("Content-Type"),
		Body:        body,
		LastError:   err.Error(),
	}
	if putErr := e.keeper.OutboxPut(req.Context(), entry); putErr != nil {
		e.log.Errorf("failed to store request in outbox: %v", putErr)
		return nil, err
	}
	e.log.Printf("queued %s %s in outbox after connectivity failure", req.Method, req.URL)

	return &http.Response{
		Status:     "202 Accepted",
		StatusCode: http.StatusAccepted,
		Proto:      "HTTP/1.1", ProtoMajor: 1, ProtoMinor: 1,
		Header:        http.Header{"X-Storesync-Queued": []string{"true"}},
		Body:          io.NopCloser(strings.NewReader("")),
		ContentLength: 0,
		Request:       req,
	}, nil
}

// RetryOutbox resends queued mutations. Entries older than the retention
// window are abandoned and surfaced through the reporter, never silently
// dropped. Rejected replays are also abandoned: the server has spoken.
func (e *Edge) RetryOutbox(ctx context.Context) error {
	entries, err := e.keeper.OutboxList(ctx)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if time.Since(entry.FirstTriedAt) > e.retention {
			if err := e.keeper.OutboxRemove(ctx, entry.ID); err != nil {
				return err
			}
			if e.reporter != nil {
				e.reporter.ReportAbandoned(entry)
			}
			continue
		}

		req, err := http.NewRequestWithContext(ctx, entry.Method, entry.URL, bytes.NewReader(entry.Body))
		if err != nil {
			return err
		}
		if entry.ContentType != "" {
			req.Header.Set("Content-Type", entry.ContentType)
		}
		resp, err := e.next.RoundTrip(req)
		if err != nil {
			if markErr := e.keeper.OutboxMarkError(ctx, entry.ID, err.Error()); markErr != nil {
				return markErr
			}
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode < 300:
			if err := e.keeper.OutboxRemove(ctx, entry.ID); err != nil {
				return err
			}
		case resp.StatusCode >= 500:
			if err := e.keeper.OutboxMarkError(ctx, entry.ID, resp.Status); err != nil {
				return err
			}
		default:
			entry.LastError = resp.Status
			if err := e.keeper.OutboxRemove(ctx, entry.ID); err != nil {
				return err
			}
			if e.reporter != nil {
				e.reporter.ReportAbandoned(entry)
			}
		}
	}
	return nil
}

// Precache fetches and caches the asset allow-list so first offline use
// already has the shell and static bundle.
func (e *Edge) Precache(ctx context.Context, baseURL string, urls []string) {
	for _, u := range urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+u, nil)
		if err != nil {
			e.log.Warnf("precache: bad url %s: %v", u, err)
			continue
		}
		resp, err := e.next.RoundTrip(req)
		if err != nil {
			e.log.Warnf("precache: fetch %s failed: %v", u, err)
			continue
		}
		e.cacheResponse(req, resp).Body.Close()
	}
}

// Activate purges every cache generation not in the allow-list, then retries
// the outbox once.
func (e *Edge) Activate(ctx context.Context) error {
	if err := e.keeper.PurgeGenerations(ctx, []string{e.generation}); err != nil {
		return fmt.Errorf("failed to purge stale cache generations: %w", err)
	}
	return e.RetryOutbox(ctx)
}

// cacheResponse stores a clean success and hands back an equivalent
// response. Anything but a plain 200 passes through uncached.
func (e *Edge) cacheResponse(req *http.Request, resp *http.Response) *http.Response {
	if resp.StatusCode != http.StatusOK {
		return resp
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		resp.Body = io.NopCloser(bytes.NewReader(nil))
		return resp
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	header := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		header[k] = resp.Header.Get(k)
	}
	entry := models.CacheEntry{
		Method:     req.Method,
		URL:        req.URL.String(),
		Generation: e.generation,
		Status:     resp.StatusCode,
		Header:     header,
		Body:       body,
	}
	if err := e.keeper.PutCacheEntry(req.Context(), entry); err != nil {
		e.log.Warnf("failed to cache response for %s: %v", req.URL, err)
	}
	return resp
}

func (e *Edge) respond(req *http.Request, entry models.CacheEntry, hit bool) *http.Response {
	header := http.Header{}
	for k, v := range entry.Header {
		header.Set(k, v)
	}
	if hit {
		header.Set("X-Cache", "HIT")
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", entry.Status, http.StatusText(entry.Status)),
		StatusCode:    entry.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: int64(len(entry.Body)),
		Request:       req,
	}
}

const offlinePage = `<!doctype html><html><head><title>Offline</title></head>
<body><h1>You are offline</h1><p>This page is not available without a connection.</p></body></html>`

func (e *Edge) offlineFallback(req *http.Request) *http.Response {
	header := http.Header{"Content-Type": []string{"text/html; charset=utf-8"}}
	return &http.Response{
		Status:        "503 Service Unavailable",
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(offlinePage)),
		ContentLength: int64(len(offlinePage)),
		Request:       req,
	}
}
