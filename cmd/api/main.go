package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"conversion-backend/cmd"
	"conversion-backend/internal/api"
	"conversion-backend/internal/config"
	"conversion-backend/internal/database"
	"conversion-backend/internal/engine"
	"conversion-backend/internal/messaging"
	"conversion-backend/internal/metrics"
	"conversion-backend/internal/notifier"
	"conversion-backend/internal/storage"
	"conversion-backend/internal/tasks"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const version = "1.2.0"

func main() {
	log.Println("Starting conversion API server...")

	cmd.LoadEnvFile()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	var store storage.ObjectStore
	if cfg.UseS3() {
		s3Store, err := storage.NewS3ObjectStore(storage.S3ClientConfig{
			Endpoint:        cfg.S3EndpointURL,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Bucket:          cfg.S3Bucket,
		})
		if err != nil {
			log.Fatalf("Failed to create S3 object store: %v", err)
		}
		if err := s3Store.CreateBucket(context.Background()); err != nil {
			log.Fatalf("Failed to create bucket: %v", err)
		}
		store = s3Store
	} else {
		store, err = storage.NewLocalObjectStore(cfg.DataDir)
		if err != nil {
			log.Fatalf("Failed to create local object store: %v", err)
		}
	}

	eng, err := engine.NewCommandEngine(cfg.ConverterBinary)
	if err != nil {
		log.Fatalf("Failed to locate converter binary: %v", err)
	}

	var events messaging.EventPublisher
	if cfg.RabbitMQURL != "" {
		events, err = messaging.NewRabbitMQEvents(cfg.RabbitMQURL)
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		defer events.Close()
	}

	manager := tasks.NewManager(db, store, eng, notifier.New(cfg.NotifyTimeout), events, tasks.Config{
		Workers:       cfg.WorkerConcurrency,
		QueueDepth:    cfg.QueueDepth,
		NotifyTimeout: cfg.NotifyTimeout,
	})
	manager.Start()
	defer manager.Stop()

	metrics.Register(prometheus.DefaultRegisterer)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	apiHandler := api.NewBackendService(manager, store, version)
	apiHandler.AddRoutes(r)

	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: r,
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}
	}()

	log.Printf("API server listening on port %s", cfg.APIPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", cfg.APIPort, err)
	}

	log.Println("Server stopped.")
}
