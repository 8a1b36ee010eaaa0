package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"periodontal-analyzer/batch"
	"periodontal-analyzer/classifier"
	"periodontal-analyzer/config"
	"periodontal-analyzer/gemini"
	"periodontal-analyzer/handlers"
	"periodontal-analyzer/imaging"
	"periodontal-analyzer/llm"
	"periodontal-analyzer/metrics"
	"periodontal-analyzer/middleware"
	"periodontal-analyzer/models"
	"periodontal-analyzer/openai"
	"periodontal-analyzer/rabbitmq"
	"periodontal-analyzer/retry"
	"periodontal-analyzer/service"
	"periodontal-analyzer/stubllm"
	"periodontal-analyzer/summary"
	"periodontal-analyzer/version"

	"github.com/apex/log"
	jsonhandler "github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/text"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	EndPointHealth       = "/health"
	EndPointVersion      = "/version"
	EndPointMetrics      = "/metrics"
	EndPointSymptoms     = "/symptoms"
	EndPointClassify     = "/classify"
	EndPointSummary      = "/summary"
	EndPointBatches      = "/batches"
	EndPointItems        = "/items"
	EndPointItemsSummary = "/items/summary"
	EndPointItemsStream  = "/items/stream"
)

const (
	publishTimeout  = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	// Load configuration
	cfg := config.Load()
	setupLogging(cfg)

	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	log.Infof("Starting %s %s...", version.ServiceName, version.Get().Version)
	metrics.Register()

	client, err := newLLMClient(cfg)
	if err != nil {
		log.Fatalf("Failed to configure model provider: %v", err)
	}
	log.Infof("Analyzer LLM provider=%s", client.SourceName())

	var publisher *rabbitmq.Publisher
	if cfg.AMQPURL != "" {
		publisher, err = rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRoutingKey)
		if err != nil {
			log.Warnf("Failed to initialize RabbitMQ publisher, item events will not be published: %v", err)
			publisher = nil
		}
	}

	normalizer := imaging.NewNormalizer(imaging.Options{
		JPEGQuality:  cfg.JPEGQuality,
		MaxDimension: cfg.MaxImageDimension,
	})
	controller := retry.NewController(
		classifier.New(client, cfg.EnforceOtherDescription),
		retry.Policy{MaxAttempts: cfg.MaxAttempts, Delay: cfg.RetryDelay},
		nil,
	)

	opts := []batch.Option{batch.WithConcurrencyLimit(cfg.MaxConcurrency)}
	if publisher != nil {
		opts = append(opts, batch.WithFinishHook(publishFinished(publisher)))
	}

	svc := service.NewService(normalizer, controller, summary.New(client), opts...)
	svc.Start()

	router := setupRouter(cfg, handlers.NewHandlers(svc, cfg.MaxUploadMB))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Infof("Starting HTTP server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}

	svc.Stop()

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			log.Errorf("Failed to close RabbitMQ publisher: %v", err)
		}
	}

	log.Info("Server exited")
}

func setupLogging(cfg *config.Config) {
	if cfg.LogFormat == "json" {
		log.SetHandler(jsonhandler.New(os.Stderr))
	} else {
		log.SetHandler(text.New(os.Stderr))
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warnf("Unknown LOG_LEVEL %q, using info", cfg.LogLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

// newLLMClient selects the model provider and checks its credentials.
func newLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLMProvider {
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return nil, errors.New("GEMINI_API_KEY environment variable is required")
		}
		return gemini.NewClient(cfg.GeminiAPIKey, cfg.GeminiModel,
			gemini.WithBaseURL(cfg.GeminiBaseURL),
			gemini.WithTimeout(cfg.LLMRequestTimeout),
		), nil
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, errors.New("OPENAI_API_KEY environment variable is required")
		}
		return openai.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIModel,
			openai.WithBaseURL(cfg.OpenAIBaseURL),
			openai.WithTimeout(cfg.LLMRequestTimeout),
		), nil
	case "stub":
		log.Warn("Using the stub model provider, classifications are not real")
		return stubllm.NewClient(), nil
	default:
		return nil, errors.New("unknown LLM_PROVIDER " + cfg.LLMProvider)
	}
}

// publishFinished forwards terminal item states to RabbitMQ.
func publishFinished(publisher *rabbitmq.Publisher) func(models.ImageItemState) {
	return func(state models.ImageItemState) {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := publisher.PublishItem(ctx, state); err != nil {
			metrics.EventPublishErrorsTotal.Inc()
			log.WithError(err).WithField("item_id", state.ID).Error("Failed to publish item event")
		}
	}
}

func setupRouter(cfg *config.Config, h *handlers.Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 0 || (len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	}
	router.Use(cors.New(corsConfig))

	router.GET(EndPointHealth, h.HealthCheck)
	router.GET(EndPointVersion, h.Version)
	router.GET(EndPointMetrics, gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.GET(EndPointSymptoms, h.Symptoms)
		api.GET(EndPointItems, gzip.Gzip(gzip.DefaultCompression), h.ListItems)
		api.DELETE(EndPointItems, h.ClearItems)
		api.GET(EndPointItemsStream, h.StreamItems)

		// Endpoints that call the model are rate limited per client IP.
		limited := api.Group("")
		limited.Use(middleware.RateLimitMiddleware(cfg.RateLimitPerMinute))
		limited.POST(EndPointClassify, h.Classify)
		limited.POST(EndPointSummary, h.Summary)
		limited.POST(EndPointBatches, h.CreateBatch)
		limited.POST(EndPointItemsSummary, h.SummarizeItems)
	}

	return router
}
