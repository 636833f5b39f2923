package greenroots

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/minus-twelve/greenroots/internal/apperr"
	"github.com/minus-twelve/greenroots/internal/logger"
	"github.com/minus-twelve/greenroots/internal/metrics"
	"github.com/minus-twelve/greenroots/types"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Fetcher performs real network requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

type State int32

const (
	StateNew State = iota
	StateInstalling
	StateInstalled
	StateActivated
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivated:
		return "activated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var ErrNotInstalled = errors.New("worker: activate called before a successful install")

// Worker mediates every request a page issues: it serves the versioned cache
// bucket, emulates the login and session endpoints and gates protected pages.
type Worker struct {
	store          Store
	config         types.WorkerConfig
	security       types.SecurityConfig
	origin         *url.URL
	fetcher        Fetcher
	now            func() time.Time
	log            *zap.Logger
	rateLimiter    *RateLimiter
	trustedProxies []netip.Prefix
	janitor        *Janitor
	engine         *gin.Engine
	routes         []Route
	upgrader       websocket.Upgrader
	state          atomic.Int32
	closeOnce      sync.Once
}

type Option func(*Worker)

func WithFetcher(f Fetcher) Option {
	return func(w *Worker) {
		if f != nil {
			w.fetcher = f
		}
	}
}

// WithClock overrides the clock used for login timestamps and validity checks.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.log = l
		}
	}
}

func New(store Store, cfg types.Config, opts ...Option) (*Worker, error) {
	if store == nil {
		return nil, errors.New("worker: store is required")
	}

	origin, err := url.Parse(cfg.Worker.Origin)
	if err != nil {
		return nil, fmt.Errorf("worker: parse origin: %w", err)
	}
	if cfg.Worker.SessionTTL <= 0 {
		cfg.Worker.SessionTTL = 24 * time.Hour
	}

	w := &Worker{
		store:          store,
		config:         cfg.Worker,
		security:       cfg.Security,
		origin:         origin,
		fetcher:        &http.Client{},
		now:            time.Now,
		log:            logger.WithModule("worker"),
		trustedProxies: parseTrustedProxies(cfg.Security.TrustedProxies),
	}
	w.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     sameOrigin,
	}

	for _, opt := range opts {
		opt(w)
	}

	w.rateLimiter = NewRateLimiter(w.now)
	w.routes = w.buildRoutes()
	w.engine = w.buildEngine()

	if cfg.Worker.CleanupSchedule != "" {
		janitor, err := newJanitor(w, cfg.Worker.CleanupSchedule)
		if err != nil {
			return nil, err
		}
		w.janitor = janitor
		janitor.Start()
	}

	return w, nil
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// Handler is the HTTP entry point pages are served through.
func (w *Worker) Handler() http.Handler {
	return w.engine
}

func (w *Worker) bucket(ctx context.Context) (Bucket, error) {
	return w.store.Open(ctx, w.config.CacheName)
}

// Install fetches the whole app shell and stores it in the current bucket.
// Any failed asset aborts the install before anything is written and leaves
// the worker in the state it had before. Reinstalling an activated worker keeps
// it activated, so the session gate never lapses.
func (w *Worker) Install(ctx context.Context) error {
	prev := w.State()
	if prev < StateInstalled {
		w.setState(StateInstalling)
	}
	w.log.Info("installing", zap.String("cache", w.config.CacheName), zap.Int("assets", len(w.config.Assets)))

	if err := w.install(ctx); err != nil {
		w.state.CompareAndSwap(int32(StateInstalling), int32(prev))
		return err
	}

	w.state.CompareAndSwap(int32(StateInstalling), int32(StateInstalled))
	w.log.Info("app shell cached successfully", zap.String("cache", w.config.CacheName))
	return nil
}

func (w *Worker) install(ctx context.Context) error {
	var mu sync.Mutex
	entries := make(map[string]types.Entry, len(w.config.Assets))

	g, gctx := errgroup.WithContext(ctx)
	for _, asset := range w.config.Assets {
		g.Go(func() error {
			key, err := assetKey(asset)
			if err != nil {
				return err
			}
			entry, err := w.fetch(gctx, http.MethodGet, key, nil, nil)
			if err != nil {
				return fmt.Errorf("cache %s: %w", asset, err)
			}
			if entry.Status != http.StatusOK {
				return fmt.Errorf("cache %s: unexpected status %d", asset, entry.Status)
			}
			mu.Lock()
			entries[key] = entry
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		w.log.Error("error caching app shell", zap.Error(err))
		return err
	}

	bucket, err := w.bucket(ctx)
	if err != nil {
		return fmt.Errorf("open cache %s: %w", w.config.CacheName, err)
	}
	if err := bucket.PutAll(ctx, entries); err != nil {
		w.log.Error("error caching app shell", zap.Error(err))
		return fmt.Errorf("store app shell: %w", err)
	}
	return nil
}

// Activate deletes every bucket but the current one and takes over request
// handling.
func (w *Worker) Activate(ctx context.Context) error {
	if s := w.State(); s != StateInstalled && s != StateActivated {
		return ErrNotInstalled
	}

	names, err := w.store.Names(ctx)
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}
	for _, name := range names {
		if name == w.config.CacheName {
			continue
		}
		w.log.Info("deleting old cache", zap.String("cache", name))
		if _, err := w.store.Drop(ctx, name); err != nil {
			return fmt.Errorf("delete cache %s: %w", name, err)
		}
		metrics.BucketsDeleted.Inc()
	}

	w.setState(StateActivated)
	w.log.Info("activated", zap.String("cache", w.config.CacheName))
	return nil
}

// Close stops background jobs and closes the store.
func (w *Worker) Close() error {
	var err error
	w.closeOnce.Do(func() {
		if w.janitor != nil {
			<-w.janitor.Stop().Done()
		}
		err = multierr.Append(err, w.store.Close())
	})
	return err
}

func (w *Worker) buildEngine() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		w.log.Error("handler panic", zap.Any("panic", recovered), zap.String("path", c.Request.URL.Path))
		c.AbortWithStatusJSON(apperr.ErrInternalServer.StatusCode, apperr.ErrInternalServer.Body())
	}))
	engine.Any("/*path", w.dispatch)
	return engine
}
