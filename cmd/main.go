package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/payflowhq/payflow/handler"
	"github.com/payflowhq/payflow/infra/config"
	"github.com/payflowhq/payflow/infra/conn"
	"github.com/payflowhq/payflow/infra/logger"
	"github.com/payflowhq/payflow/infra/opensearch"
	"github.com/payflowhq/payflow/infra/response"
	"github.com/payflowhq/payflow/payment"
	"github.com/payflowhq/payflow/provider"
	"github.com/payflowhq/payflow/router"
)

var openSearchLogger *opensearch.Logger

func init() {
	// Load Env
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using process environment")
	}

	cfg := config.GetAppConfig()
	if cfg.EnableLogging {
		osClient, err := opensearch.NewClient(cfg)
		if err != nil {
			log.Printf("Failed to initialize OpenSearch client: %v", err)
			log.Println("Continuing without OpenSearch logging...")
		} else {
			openSearchLogger = opensearch.NewLogger(osClient, "payflow")
			log.Println("OpenSearch logging initialized successfully")
		}
	} else {
		log.Println("OpenSearch logging is disabled")
	}

	logger.InitGlobalLogger(openSearchLogger)
}

func main() {
	cfg := config.GetAppConfig()
	policy := config.GetPaymentPolicy()

	db, err := conn.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	store, err := payment.NewStore(db)
	if err != nil {
		log.Fatalf("Failed to initialize payment store: %v", err)
	}

	// Provider credentials from the environment; the router's side-effect
	// imports registered the adapters already
	configs := loadProviderConfigs(provider.DefaultRegistry.Names())

	var publisher payment.EventPublisher
	if cfg.KafkaBrokers != "" {
		kafka, err := payment.NewKafkaPublisher(strings.Split(cfg.KafkaBrokers, ","), cfg.KafkaTopic)
		if err != nil {
			log.Printf("Failed to connect Kafka producer: %v", err)
			log.Println("Continuing without event publishing...")
		} else {
			defer kafka.Close()
			publisher = kafka
			log.Printf("Publishing payment events to %s", cfg.KafkaTopic)
		}
	}

	dispatcher := payment.NewDispatcher(publisher)
	orchestrator := payment.NewOrchestrator(store, provider.DefaultRegistry, configs, dispatcher, policy)
	webhooks := payment.NewWebhookRouter(store, provider.DefaultRegistry, configs, dispatcher)

	var claimer payment.Claimer
	if cfg.RedisAddr != "" {
		redisClaimer := payment.NewRedisClaimer(cfg.RedisAddr, config.GetEnv("REDIS_PASSWORD", ""))
		defer redisClaimer.Close()
		claimer = redisClaimer
		log.Printf("Job claims coordinated through redis at %s", cfg.RedisAddr)
	}
	scheduler := payment.NewScheduler(store, orchestrator, policy, claimer)

	paymentHandler := handler.NewPaymentHandler(orchestrator, webhooks, provider.DefaultRegistry, validator.New())
	healthHandler := handler.NewHealthHandler(db, provider.DefaultRegistry)

	// Chi Define Routes
	r := chi.NewRouter()

	// Basic Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "Origin", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300, // Preflight cache time (second)
	}))

	router.Routes(r, paymentHandler, healthHandler)

	// Not Found
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = response.WriteJSON(w, http.StatusNotFound, response.Response{Success: false, Message: "Not Found"})
	})

	// Create a context that listens for interrupt and terminate signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Background reconciliation and expiry
	go scheduler.Run(ctx)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           r,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 60 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err.Error())
		}
	}()

	log.Println("API is running on", cfg.Port)

	// Block until a signal is received
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Server stopped gracefully")
}

// loadProviderConfigs reads adapter credentials from the environment. A
// variable like PAYFLOW_MTNMOMO_SUBSCRIPTION_KEY becomes the mtnmomo config
// entry subscriptionKey.
func loadProviderConfigs(names []string) *payment.StaticConfigSource {
	source := &payment.StaticConfigSource{
		Configs: make(map[string]map[string]string),
	}

	// registry names come from a map, fix the selection order
	sort.Strings(names)

	for _, name := range names {
		prefix := "PAYFLOW_" + strings.ToUpper(name) + "_"
		conf := map[string]string{}
		for _, entry := range os.Environ() {
			key, value, found := strings.Cut(entry, "=")
			if !found || !strings.HasPrefix(key, prefix) {
				continue
			}
			conf[snakeToCamel(strings.TrimPrefix(key, prefix))] = value
		}
		if len(conf) > 0 {
			source.Configs[name] = conf
			source.Order = append(source.Order, name)
			log.Printf("Loaded %d config entries for provider %s", len(conf), name)
		}
	}

	return source
}

func snakeToCamel(s string) string {
	parts := strings.Split(strings.ToLower(s), "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] != "" {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, "")
}
