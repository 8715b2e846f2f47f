package routes

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/picopay/picopay/internal/cache"
	"github.com/picopay/picopay/internal/charge"
	"github.com/picopay/picopay/internal/config"
	"github.com/picopay/picopay/internal/ledger"
	"github.com/picopay/picopay/internal/metrics"
	"github.com/picopay/picopay/internal/middleware"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger

	// Metrics overrides the default Prometheus recorder. Tests inject a fake
	// here to avoid double registration on the default registry.
	Metrics metrics.Recorder
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))

	recorder := d.Metrics
	if recorder == nil {
		recorder = metrics.New(prometheus.DefaultRegisterer)
	}

	// The durable store is authoritative; the cache only accelerates replays.
	var store ledger.Store
	if d.DB != nil {
		store = ledger.NewPostgresStore(d.DB)
	} else {
		store = ledger.NewInMemory()
	}

	var resultCache charge.ResultCache = cache.Noop{}
	if d.Cache != nil {
		resultCache = cache.NewRedis(d.Cache, d.Cfg.CacheTTL, d.Logger)
	}

	processor := charge.NewProcessor(store, resultCache, recorder, d.Logger)
	handler := charge.NewHandler(processor, store, recorder, d.Logger)

	app.Get("/", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"message": fmt.Sprintf("Welcome to %s", d.Cfg.AppName),
		})
	})

	RegisterHealthRoutes(app, d)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	gate := middleware.APIKey(d.Cfg.APIKey, d.Logger)
	app.Post("/charge", gate, handler.Charge)
	app.Get("/accounts/:id", gate, handler.Account)

	return nil
}
