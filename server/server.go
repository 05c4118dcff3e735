// Package server exposes the dashboard API over Fiber: the public gateway
// routes, the thumbnail relay, accounts and the per-user tracked channels.
package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	recoverer "github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"ytdash/auth"
	ythttp "ytdash/http"
	"ytdash/internal/cache"
	"ytdash/internal/metrics"
	"ytdash/storage"
	"ytdash/youtube"
)

const (
	// DefaultChannelVideos is how many uploads GET /channel returns by default.
	DefaultChannelVideos = 10
	// MaxChannelVideos caps maxResults on GET /channel and /search-channel.
	MaxChannelVideos = 50
	// InitialSyncMax is the window of the sync run after a channel is added.
	InitialSyncMax = 50
)

// Gateway is the remote video API as used by the handlers.
type Gateway interface {
	SearchVideos(ctx context.Context, q string, max int) ([]youtube.VideoSummary, error)
	SearchChannels(ctx context.Context, q string, max int) ([]youtube.ChannelInfo, error)
	ResolveChannelID(ctx context.Context, ident string) (string, error)
	GetChannel(ctx context.Context, channelID string) (*youtube.ChannelInfo, error)
	ListUploadIDs(ctx context.Context, playlistID string, max int) ([]string, error)
	GetVideos(ctx context.Context, ids []string) ([]youtube.VideoDetails, error)
}

// Syncer runs the channel sync routine.
type Syncer interface {
	Sync(ctx context.Context, channelID string, max int) (*youtube.SyncResult, error)
}

// Fetcher downloads relayed images.
type Fetcher interface {
	ValidateURL(rawURL string) error
	Get(ctx context.Context, rawURL string) (*ythttp.Response, error)
}

// circuitReporter is implemented by fetchers with per-host circuit breakers.
type circuitReporter interface {
	Circuits() map[string]ythttp.HostCircuit
}

// quotaReporter is implemented by gateways that estimate remaining quota.
type quotaReporter interface {
	EstimatedQuota() int
	QuotaExhausted() bool
}

// Config holds the request-level settings.
type Config struct {
	SearchPageSize int
	SyncMax        int
	CORSOrigins    []string
	// SecureCookies marks the session cookie Secure.
	SecureCookies bool
}

// Deps are the collaborators of a Server. Cache, Metrics and Gatherer may be nil.
type Deps struct {
	Gateway  Gateway
	Syncer   Syncer
	Fetcher  Fetcher
	Store    storage.Store
	Auth     *auth.Service
	Cache    *cache.Cache
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

// Server is the HTTP API.
type Server struct {
	app      *fiber.App
	cfg      Config
	gateway  Gateway
	syncer   Syncer
	fetcher  Fetcher
	store    storage.Store
	auth     *auth.Service
	cache    *cache.Cache
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	log      zerolog.Logger
	startAt  time.Time
}

// New builds the Fiber app and registers every route.
func New(cfg Config, deps Deps) *Server {
	if cfg.SearchPageSize <= 0 {
		cfg.SearchPageSize = 10
	}
	if cfg.SyncMax <= 0 {
		cfg.SyncMax = youtube.DefaultSyncMax
	}

	s := &Server{
		cfg:      cfg,
		gateway:  deps.Gateway,
		syncer:   deps.Syncer,
		fetcher:  deps.Fetcher,
		store:    deps.Store,
		auth:     deps.Auth,
		cache:    deps.Cache,
		metrics:  deps.Metrics,
		gatherer: deps.Gatherer,
		log:      deps.Logger.With().Str("component", "server").Logger(),
		startAt:  time.Now(),
	}

	s.app = fiber.New(fiber.Config{
		AppName:      "ytdash",
		ErrorHandler: s.errorHandler,
		BodyLimit:    1 << 20,
	})
	s.routes()
	return s
}

func (s *Server) routes() {
	app := s.app

	// order matters: the logger must see recovered panics
	app.Use(s.requestLogger())
	app.Use(recoverer.New())
	app.Use(newCORS(s.cfg.CORSOrigins))
	app.Use(s.loadSession())

	app.Get("/healthz", s.health)
	if s.gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	// Gateway routes are public.
	app.Get("/search", s.searchVideos)
	app.Get("/channel", s.channel)
	app.Get("/search-channel", s.searchChannels)
	app.Post("/sync", s.sync)
	app.Get("/download", s.download)

	app.Post("/auth/signup", s.signup)
	app.Post("/auth/login", s.login)
	app.Post("/auth/logout", s.logout)
	app.Get("/auth/me", requireUser, s.me)

	channels := app.Group("/channels", requireCapability(auth.CapManageChannels))
	channels.Get("/", s.listChannels)
	channels.Post("/", s.addChannel)
	channels.Delete("/:id", s.deleteChannel)
	channels.Get("/:channelId/videos", s.channelVideos)

	app.Get("/admin/stats", requireCapability(auth.CapViewAdmin), s.adminStats)
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on addr until Shutdown is called.
func (s *Server) Listen(addr string) error {
	s.log.Info().Str("addr", addr).Msg("listening")
	return s.app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
