package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nektus/exchange-server-go/internal/config"
	"github.com/nektus/exchange-server-go/internal/database"
	"github.com/nektus/exchange-server-go/internal/handler"
	"github.com/nektus/exchange-server-go/internal/jobs"
	"github.com/nektus/exchange-server-go/internal/middleware"
	"github.com/nektus/exchange-server-go/internal/redis"
	"github.com/nektus/exchange-server-go/internal/repository"
	"github.com/nektus/exchange-server-go/internal/service"
	"github.com/nektus/exchange-server-go/internal/sse"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	exchangeRepo := repository.NewExchangeRepository(redisClient, cfg.PendingTTL(), cfg.MatchTTL())
	profileRepo := repository.NewProfileRepository(db.DB)

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	geoService := service.NewGeoService(cfg.GeoLookupBaseURL)
	matcherService := service.NewMatcherService(
		exchangeRepo, geoService, sse.NewMatchNotifier(broker), cfg.RescanOnRepeat,
	)
	profileService := service.NewProfileService(profileRepo, exchangeRepo)
	rateLimiter := service.NewRateLimiter(redisClient.Client)

	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	hitRateLimitMiddleware := middleware.NewIPRateLimitMiddleware(
		rateLimiter, cfg.HitRateLimitPerMin, time.Minute, "hit",
	)

	exchangeHandler := handler.NewExchangeHandler(matcherService, profileService, geoService)
	profileHandler := handler.NewProfileHandler(profileService)
	eventsHandler := handler.NewEventsHandler(broker, matcherService)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		code := http.StatusOK

		pingCtx, pingCancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer pingCancel()
		if err := exchangeRepo.Ping(pingCtx); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    status,
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Route("/v1/exchange", func(r chi.Router) {
		r.Use(hitRateLimitMiddleware.Handler)
		r.Get("/events", eventsHandler.ServeHTTP)
		r.Mount("/", exchangeHandler.Routes())
	})

	r.Route("/v1/profiles", func(r chi.Router) {
		r.Mount("/", profileHandler.Routes())
	})

	promotionJob := jobs.NewPromotionJob(matcherService, config.PromotionJobInterval)
	promotionJob.Start()
	defer promotionJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
