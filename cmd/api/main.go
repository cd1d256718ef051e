// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/helplane/helplane/internal/chat"
	"github.com/helplane/helplane/internal/config"
	"github.com/helplane/helplane/internal/handler"
	"github.com/helplane/helplane/internal/knowledge"
	"github.com/helplane/helplane/internal/llm"
	"github.com/helplane/helplane/internal/middleware"
	"github.com/helplane/helplane/internal/realtime"
	"github.com/helplane/helplane/internal/store"
	"github.com/helplane/helplane/internal/usage"
	"github.com/helplane/helplane/internal/ws"
	"github.com/helplane/helplane/pkg/logger"
	"github.com/helplane/helplane/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting API server")

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "helplane", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Postgres
	if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
		log.Error("failed to run migrations", zap.Error(err))
		os.Exit(1)
	}
	pool, err := store.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to postgres", zap.Error(err))
		os.Exit(1)
	}
	defer pool.Close()
	pg := store.NewPostgres(pool)

	// NATS
	rtClient, err := realtime.Connect(realtime.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Error("failed to connect to NATS", zap.Error(err))
		os.Exit(1)
	}
	defer rtClient.Close()
	hub := realtime.NewHub(rtClient, []byte(cfg.ChannelDeriveKey), log)

	// Redis
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Error("invalid redis URL", zap.Error(err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	tracker := usage.NewTracker(rdb, log)

	// LLM providers
	clients := make(map[string]llm.Client)
	var embedder llm.Embedder
	if cfg.OpenAIAPIKey != "" {
		openaiClient, err := llm.NewOpenAIClient(cfg.OpenAIAPIKey)
		if err != nil {
			log.Error("failed to create OpenAI client", zap.Error(err))
			os.Exit(1)
		}
		clients[openaiClient.Name()] = openaiClient
		embedder = openaiClient
	}
	if cfg.AnthropicAPIKey != "" {
		anthropicClient, err := llm.NewAnthropicClient(cfg.AnthropicAPIKey)
		if err != nil {
			log.Error("failed to create Anthropic client", zap.Error(err))
			os.Exit(1)
		}
		clients[anthropicClient.Name()] = anthropicClient
	}
	if len(clients) == 0 {
		log.Error("no LLM provider configured, set OPENAI_API_KEY or ANTHROPIC_API_KEY")
		os.Exit(1)
	}

	// Knowledge retrieval needs an embedder; without OpenAI the index stays
	// offline and answers degrade to the system prompt alone.
	var retriever *knowledge.Retriever
	if embedder != nil {
		retriever = knowledge.NewRetriever(pg, embedder, log)
	} else {
		log.Warn("no embedding provider configured, knowledge retrieval disabled")
	}

	engine := chat.NewEngine(pg, clients, retrieverOrNil(retriever), tracker, hub, cfg.HandoffMarker, log)

	// Handlers
	chatHandler := handler.NewChatHandler(engine, hub)
	conversationsHandler := handler.NewConversationsHandler(engine)
	knowledgeHandler := handler.NewKnowledgeHandler(retriever, pg)
	usageHandler := handler.NewUsageHandler(tracker)
	realtimeHandler := handler.NewRealtimeHandler(cfg.JWTSecret, cfg.JWTExpiration)
	gateway := ws.NewGateway(pg, hub, log)
	healthHandler := handler.NewHealthHandler(map[string]handler.Pinger{
		"postgres": handler.PingFunc(pg.Ping),
		"redis": handler.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}),
		"nats": handler.PingFunc(func(ctx context.Context) error {
			if !rtClient.IsConnected() {
				return fmt.Errorf("nats disconnected")
			}
			return nil
		}),
	})

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	// Health and metrics
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	// Public widget surface. No auth: the channel public key and visitor id
	// scope every request.
	r.Group(func(r chi.Router) {
		r.Use(middleware.WidgetCORS())
		r.Use(middleware.Logging(log))
		r.Use(middleware.IPRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		r.Use(middleware.BodyLimit(cfg.MaxBodyBytes))

		r.Post("/chat", chatHandler.SendMessage)
		r.Get("/chat/{id}", chatHandler.GetConversation)
		r.Patch("/chat/{id}", chatHandler.CloseConversation)
		r.Get("/chat/{id}/typing-channel", chatHandler.TypingChannel)
		r.Get("/realtime/widget", gateway.ServeHTTP)
	})

	// Agent console API
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.ConsoleCORS(nil))
		r.Use(middleware.Logging(log))
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", conversationsHandler.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationsHandler.Get)
				r.Patch("/", conversationsHandler.Patch)
				r.Get("/messages", conversationsHandler.Messages)
				r.Post("/messages", conversationsHandler.Send)
			})
		})

		r.Route("/knowledge", func(r chi.Router) {
			r.Get("/", knowledgeHandler.List)
			r.Post("/", knowledgeHandler.Create)
			r.Put("/{id}", knowledgeHandler.Update)
			r.Delete("/{id}", knowledgeHandler.Delete)
		})

		r.Get("/usage", usageHandler.Get)
		r.Post("/realtime/token", realtimeHandler.Token)
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

// retrieverOrNil keeps the engine's retriever a plain nil interface when
// retrieval is disabled, instead of a nil *knowledge.Retriever inside a
// non-nil interface.
func retrieverOrNil(r *knowledge.Retriever) chat.Retriever {
	if r == nil {
		return nil
	}
	return r
}
