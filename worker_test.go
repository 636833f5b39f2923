package greenroots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/minus-twelve/greenroots/storage"
	"github.com/minus-twelve/greenroots/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// origin serves every configured asset and counts requests per path.
type origin struct {
	*httptest.Server
	hits sync.Map
	fail atomic.Bool
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{}
	o.Server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		counter, _ := o.hits.LoadOrStore(r.URL.Path, new(atomic.Int64))
		counter.(*atomic.Int64).Add(1)

		if o.fail.Load() || r.URL.Path == "/missing.css" {
			http.NotFound(rw, r)
			return
		}
		if strings.HasSuffix(r.URL.Path, ".html") || r.URL.Path == "/" {
			rw.Header().Set("Content-Type", "text/html; charset=utf-8")
		}
		_, _ = rw.Write([]byte("origin:" + r.URL.Path))
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *origin) Hits(path string) int64 {
	counter, ok := o.hits.Load(path)
	if !ok {
		return 0
	}
	return counter.(*atomic.Int64).Load()
}

var testAssets = []string{"/", "/index.html", "/login.html", "/dashboard.html", "/offline.html", "/styles.css"}

func testConfig(originURL string) types.Config {
	cfg := DefaultConfig()
	cfg.Worker.Origin = originURL
	cfg.Worker.Assets = append([]string(nil), testAssets...)
	cfg.Worker.CleanupSchedule = ""
	return cfg
}

func newTestWorker(t *testing.T, store Store, cfg types.Config, clock *fakeClock) *Worker {
	t.Helper()
	if store == nil {
		store = storage.NewMemoryStore(0)
	}
	if clock == nil {
		clock = newFakeClock()
	}
	w, err := New(store, cfg, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func newActiveWorker(t *testing.T) (*Worker, *origin, *fakeClock) {
	t.Helper()
	o := newOrigin(t)
	clock := newFakeClock()
	w := newTestWorker(t, nil, testConfig(o.URL), clock)
	require.NoError(t, w.Install(context.Background()))
	require.NoError(t, w.Activate(context.Background()))
	return w, o, clock
}

func serve(w *Worker, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, req)
	return rec
}

func TestInstallCachesAppShell(t *testing.T) {
	o := newOrigin(t)
	store := storage.NewMemoryStore(0)
	w := newTestWorker(t, store, testConfig(o.URL), nil)

	require.Equal(t, StateNew, w.State())
	require.NoError(t, w.Install(context.Background()))
	require.Equal(t, StateInstalled, w.State())

	bucket, err := store.Open(context.Background(), w.config.CacheName)
	require.NoError(t, err)
	keys, err := bucket.Keys(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, testAssets, keys)

	entry, err := bucket.Match(context.Background(), "/styles.css")
	require.NoError(t, err)
	assert.Equal(t, "origin:/styles.css", string(entry.Body))
	assert.Equal(t, http.StatusOK, entry.Status)
}

func TestInstallIsIdempotent(t *testing.T) {
	o := newOrigin(t)
	w := newTestWorker(t, nil, testConfig(o.URL), nil)

	require.NoError(t, w.Install(context.Background()))
	require.NoError(t, w.Install(context.Background()))
	require.NoError(t, w.Activate(context.Background()))
	assert.Equal(t, StateActivated, w.State())
}

func TestReinstallKeepsSessionGate(t *testing.T) {
	w, o, _ := newActiveWorker(t)

	o.fail.Store(true)
	require.Error(t, w.Install(context.Background()))
	o.fail.Store(false)
	assert.Equal(t, StateActivated, w.State())

	rec := serve(w, httptest.NewRequest(http.MethodGet, "/dashboard.html", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login.html", rec.Header().Get("Location"))

	require.NoError(t, w.Install(context.Background()))
	assert.Equal(t, StateActivated, w.State())

	rec = serve(w, httptest.NewRequest(http.MethodGet, "/dashboard.html", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
}

func TestFailedReinstallKeepsInstalledState(t *testing.T) {
	o := newOrigin(t)
	w := newTestWorker(t, nil, testConfig(o.URL), nil)
	require.NoError(t, w.Install(context.Background()))

	o.fail.Store(true)
	require.Error(t, w.Install(context.Background()))
	assert.Equal(t, StateInstalled, w.State())
	require.NoError(t, w.Activate(context.Background()))
}

func TestInstallFailureWritesNothing(t *testing.T) {
	o := newOrigin(t)
	store := storage.NewMemoryStore(0)
	cfg := testConfig(o.URL)
	cfg.Worker.Assets = append(cfg.Worker.Assets, "/missing.css")
	w := newTestWorker(t, store, cfg, nil)

	err := w.Install(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/missing.css")
	assert.Equal(t, StateNew, w.State())

	exists, err := store.Has(context.Background(), cfg.Worker.CacheName)
	require.NoError(t, err)
	assert.False(t, exists)

	assert.ErrorIs(t, w.Activate(context.Background()), ErrNotInstalled)
}

func TestActivateDeletesStaleBuckets(t *testing.T) {
	o := newOrigin(t)
	store := storage.NewMemoryStore(0)
	ctx := context.Background()

	cfg := testConfig(o.URL)
	cfg.Worker.CacheName = "v1"
	v1 := newTestWorker(t, store, cfg, nil)
	require.NoError(t, v1.Install(ctx))
	require.NoError(t, v1.Activate(ctx))

	cfg.Worker.CacheName = "v2"
	v2 := newTestWorker(t, store, cfg, nil)
	require.NoError(t, v2.Install(ctx))

	names, err := store.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, names)

	require.NoError(t, v2.Activate(ctx))

	hasV1, err := store.Has(ctx, "v1")
	require.NoError(t, err)
	assert.False(t, hasV1)
	hasV2, err := store.Has(ctx, "v2")
	require.NoError(t, err)
	assert.True(t, hasV2)
}

func TestCacheFirstHitSkipsNetwork(t *testing.T) {
	w, o, _ := newActiveWorker(t)
	before := o.Hits("/styles.css")

	rec := serve(w, httptest.NewRequest(http.MethodGet, "/styles.css", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "origin:/styles.css", rec.Body.String())
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, before, o.Hits("/styles.css"))
}

func TestCacheMissIsStoredForNextRequest(t *testing.T) {
	w, o, _ := newActiveWorker(t)

	first := serve(w, httptest.NewRequest(http.MethodGet, "/img/tree.png", nil))
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))
	assert.Equal(t, int64(1), o.Hits("/img/tree.png"))

	second := serve(w, httptest.NewRequest(http.MethodGet, "/img/tree.png", nil))
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, "origin:/img/tree.png", second.Body.String())
	assert.Equal(t, int64(1), o.Hits("/img/tree.png"))
}

func TestCacheMissNotStoredOnFailureStatus(t *testing.T) {
	w, o, _ := newActiveWorker(t)

	for i := 0; i < 2; i++ {
		rec := serve(w, httptest.NewRequest(http.MethodGet, "/missing.css", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}
	assert.Equal(t, int64(2), o.Hits("/missing.css"))
}

func TestOfflineFallbackOnlyForNavigation(t *testing.T) {
	w, o, _ := newActiveWorker(t)
	o.Close()

	nav := httptest.NewRequest(http.MethodGet, "/about.html", nil)
	nav.Header.Set("Sec-Fetch-Mode", "navigate")
	rec := serve(w, nav)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "origin:/offline.html", rec.Body.String())
	assert.Equal(t, "OFFLINE", rec.Header().Get("X-Cache"))

	asset := serve(w, httptest.NewRequest(http.MethodGet, "/app.js", nil))
	assert.Equal(t, http.StatusBadGateway, asset.Code)
	assert.Contains(t, asset.Body.String(), "NETWORK_UNAVAILABLE")

	cached := serve(w, httptest.NewRequest(http.MethodGet, "/styles.css", nil))
	assert.Equal(t, http.StatusOK, cached.Code)
}

func TestRequestsPassThroughBeforeActivation(t *testing.T) {
	o := newOrigin(t)
	w := newTestWorker(t, nil, testConfig(o.URL), nil)
	require.NoError(t, w.Install(context.Background()))
	before := o.Hits("/styles.css")

	rec := serve(w, httptest.NewRequest(http.MethodGet, "/styles.css", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Cache"))
	assert.Equal(t, before+1, o.Hits("/styles.css"))
}

func TestRouteTablePrecedence(t *testing.T) {
	o := newOrigin(t)
	w := newTestWorker(t, nil, testConfig(o.URL), nil)

	cases := map[string]string{
		"/api/login":                "login",
		"/dashboard.html/api/login": "login",
		"/api/register":             "register",
		"/sw/message":               "control",
		"/sw/ws":                    "control-socket",
		"/dashboard.html":           "dashboard",
		"/dashboard.html?tab=map":   "dashboard",
		"/styles.css":               "cache-first",
		"/":                         "cache-first",
	}
	for target, want := range cases {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		assert.Equal(t, want, w.Route(req).Name, target)
	}

	names := make([]string, 0)
	for _, r := range w.Routes() {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"login", "register", "control", "control-socket", "dashboard", "cache-first"}, names)
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	require.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "activated", StateActivated.String())
	assert.Equal(t, "state(9)", State(9).String())
}
