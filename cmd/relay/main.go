package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"collaborative-report-sync/internal/config"
	"collaborative-report-sync/internal/relay"
)

func main() {
	// Load configuration
	config.LoadConfig()

	if config.AppConfig.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		gin.SetMode(gin.ReleaseMode)
	}

	// Cross-instance fan-out is optional; without Redis the relay runs
	// standalone.
	var bus relay.Bus
	if rb := relay.NewRedisBus(config.AppConfig.RedisAddress, log.Logger); rb != nil {
		bus = rb
		defer rb.Close()
	}

	hub := relay.NewHub(relay.Options{
		ConflictWindow:   config.AppConfig.ConflictWindow,
		PresenceTimeout:  config.AppConfig.PresenceTimeout,
		RoomIdleTimeout:  config.AppConfig.RoomIdleTimeout,
		ClientSendBuffer: config.AppConfig.ClientSendBuffer,
	}, bus, log.Logger)

	server := relay.NewServer(hub, []byte(config.AppConfig.JWTSecret), config.AppConfig.Environment, log.Logger)

	// Initialize Gin router
	router := gin.Default()

	// cors setting
	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
	}

	if config.AppConfig.Environment == "development" {
		// Allow all origins in development
		corsConfig.AllowAllOrigins = true
	} else {
		// Restrict origins in production
		corsConfig.AllowOrigins = []string{config.AppConfig.FrontendAddress}
	}
	router.Use(cors.New(corsConfig))

	server.Register(router)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", config.AppConfig.ServerPort),
		Handler: router.Handler(),
	}

	// Start server
	go func() {
		log.Info().Str("port", config.AppConfig.ServerPort).Msg("relay listening")
		err := httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("relay failed to start")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down relay")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	if err := hub.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("hub shutdown error")
	}
	log.Info().Msg("relay shutdown complete")
}
