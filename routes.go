package greenroots

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/minus-twelve/greenroots/internal/apperr"
	"github.com/minus-twelve/greenroots/internal/metrics"
	"github.com/minus-twelve/greenroots/types"
	"go.uber.org/zap"
)

const (
	RegisterPath      = "/api/register"
	ControlPath       = "/sw/message"
	ControlSocketPath = "/sw/ws"
)

// Route pairs a predicate with the handler it selects. Routes are tried in
// order and the first match wins.
type Route struct {
	Name   string
	Match  func(r *http.Request) bool
	Handle gin.HandlerFunc
}

// Routes returns the routing table in precedence order.
func (w *Worker) Routes() []Route {
	return append([]Route(nil), w.routes...)
}

func (w *Worker) buildRoutes() []Route {
	return []Route{
		{
			Name:   "login",
			Match:  pathContains(w.config.LoginPath),
			Handle: w.handleLogin,
		},
		{
			Name:   "register",
			Match:  pathContains(RegisterPath),
			Handle: w.handleRegister,
		},
		{
			Name:   "control",
			Match:  pathEquals(ControlPath),
			Handle: w.handleControl,
		},
		{
			Name:   "control-socket",
			Match:  pathEquals(ControlSocketPath),
			Handle: w.handleControlSocket,
		},
		{
			Name:   "dashboard",
			Match:  pathContains(w.config.Protected...),
			Handle: w.handleDashboard,
		},
		{
			Name:   "cache-first",
			Match:  func(*http.Request) bool { return true },
			Handle: w.handleCacheFirst,
		},
	}
}

// Route returns the first route matching r.
func (w *Worker) Route(r *http.Request) Route {
	for _, route := range w.routes {
		if route.Match(r) {
			return route
		}
	}
	return w.routes[len(w.routes)-1]
}

func (w *Worker) dispatch(c *gin.Context) {
	// Pages are not controlled until activation; they talk to the origin directly.
	if w.State() != StateActivated {
		w.passThrough(c)
		return
	}
	w.Route(c.Request).Handle(c)
}

func pathContains(patterns ...string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		for _, p := range patterns {
			if p != "" && strings.Contains(r.URL.Path, p) {
				return true
			}
		}
		return false
	}
}

func pathEquals(path string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		return r.URL.Path == path
	}
}

func (w *Worker) handleCacheFirst(c *gin.Context) {
	ctx := c.Request.Context()
	req := c.Request
	key := requestKey(req)
	cacheable := req.Method == http.MethodGet

	bucket, err := w.bucket(ctx)
	if err != nil {
		w.log.Warn("open cache failed", zap.Error(err))
	}

	if bucket != nil && cacheable {
		entry, err := bucket.Match(ctx, key)
		if err == nil {
			metrics.CacheRequests.WithLabelValues("hit").Inc()
			writeEntry(c, entry, "HIT")
			return
		}
		if !errors.Is(err, types.ErrNotFound) {
			w.log.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
		}
	}

	entry, err := w.fetch(ctx, req.Method, key, req.Header, req.Body)
	if err != nil {
		w.log.Warn("network fetch failed", zap.String("key", key), zap.Error(err))
		if bucket != nil && isNavigation(req) {
			if page, err := bucket.Match(ctx, w.config.OfflinePage); err == nil {
				metrics.CacheRequests.WithLabelValues("offline").Inc()
				writeEntry(c, page, "OFFLINE")
				return
			}
		}
		metrics.CacheRequests.WithLabelValues("error").Inc()
		c.AbortWithStatusJSON(apperr.ErrOffline.StatusCode, apperr.ErrOffline.Body())
		return
	}

	result := "miss"
	if bucket != nil && cacheable && entry.Status == http.StatusOK {
		if err := bucket.Put(ctx, key, entry); err != nil {
			w.log.Warn("cache put failed", zap.String("key", key), zap.Error(err))
		} else {
			result = "stored"
		}
	}
	metrics.CacheRequests.WithLabelValues(result).Inc()
	writeEntry(c, entry, "MISS")
}

func (w *Worker) passThrough(c *gin.Context) {
	entry, err := w.fetch(c.Request.Context(), c.Request.Method, requestKey(c.Request), c.Request.Header, c.Request.Body)
	if err != nil {
		c.AbortWithStatusJSON(apperr.ErrOffline.StatusCode, apperr.ErrOffline.Body())
		return
	}
	writeEntry(c, entry, "")
}

// fetch performs the real network request for key and buffers the response.
func (w *Worker) fetch(ctx context.Context, method, key string, header http.Header, body io.Reader) (types.Entry, error) {
	target, err := w.upstreamURL(key)
	if err != nil {
		return types.Entry{}, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return types.Entry{}, err
	}
	if header != nil {
		req.Header = header.Clone()
		req.Header.Del("Accept-Encoding")
		stripHopHeaders(req.Header)
	}

	resp, err := w.fetcher.Do(req)
	if err != nil {
		return types.Entry{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.Entry{}, fmt.Errorf("read response: %w", err)
	}

	respHeader := resp.Header.Clone()
	if respHeader == nil {
		respHeader = http.Header{}
	}
	stripHopHeaders(respHeader)
	respHeader.Del("Content-Length")

	return types.Entry{
		Status:   resp.StatusCode,
		Header:   respHeader,
		Body:     data,
		StoredAt: w.now(),
	}, nil
}

func (w *Worker) upstreamURL(key string) (string, error) {
	ref, err := url.Parse(key)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", key, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	return w.origin.ResolveReference(ref).String(), nil
}

// requestKey is the bucket key for r: the full URL for absolute-form
// requests, the request URI otherwise.
func requestKey(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	return r.URL.RequestURI()
}

func assetKey(asset string) (string, error) {
	u, err := url.Parse(asset)
	if err != nil {
		return "", fmt.Errorf("invalid asset %q: %w", asset, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	return u.RequestURI(), nil
}

func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func stripHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func writeEntry(c *gin.Context, entry types.Entry, source string) {
	header := c.Writer.Header()
	for name, values := range entry.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	if source != "" {
		header.Set("X-Cache", source)
	}
	status := entry.Status
	if status == 0 {
		status = http.StatusOK
	}
	c.Status(status)
	_, _ = c.Writer.Write(entry.Body)
}
