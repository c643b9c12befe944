// Command evalengine runs the evaluation pipeline engine: HTTP API plus the
// background scheduler that dispatches column and row tasks.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/promptforge/evalengine/pkg/api"
	"github.com/promptforge/evalengine/pkg/config"
	"github.com/promptforge/evalengine/pkg/database"
	"github.com/promptforge/evalengine/pkg/engine"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	httpAddr := ":" + getEnv("HTTP_PORT", "8080")

	log.Printf("Starting evalengine")
	log.Printf("HTTP Port: %s", httpAddr)
	log.Printf("Config Directory: %s", *configDir)

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("Failed to initialize configuration: %v", err)
	}

	dbClient, err := database.NewClient(ctx, toDatabaseConfig(cfg.Database))
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer dbClient.Close()
	log.Println("Connected to PostgreSQL database, migrations applied")

	// LLM invocation, prompt rendering, and feature-model resolution are
	// supplied by the host application (see pkg/ports); without them the
	// engine still runs pipelines built entirely from non-LLM columns
	// (exact, contains, regex, json_extraction, ...), but prompt_template
	// and llm_assertion columns fail at dispatch time with a clear error.
	eng := engine.New(dbClient, *cfg, engine.Dependencies{}, slog.Default())

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	defer eng.Stop()
	log.Println("Scheduler started")

	server := api.NewServer(eng)

	go func() {
		if err := server.Start(httpAddr); err != nil {
			log.Printf("HTTP server stopped: %v", err)
		}
	}()
	log.Printf("HTTP server listening on %s", httpAddr)
	log.Printf("Health check available at: http://localhost%s/health", httpAddr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}
}

func toDatabaseConfig(cfg config.DatabaseConfig) database.Config {
	return database.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MinIdleConns:    cfg.MinIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}
}
