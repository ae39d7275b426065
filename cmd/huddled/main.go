package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/akosyrev/huddle/internal/config"
	"github.com/akosyrev/huddle/internal/httpapi"
	"github.com/akosyrev/huddle/internal/server"
)

func main() {
	tcpPort := pflag.Int("tcp-port", 0, "control channel port (overrides config)")
	udpPort := pflag.Int("udp-port", 0, "media relay port (overrides config)")
	logLevel := pflag.String("log-level", "", "zerolog level (overrides config)")
	pflag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *tcpPort != 0 {
		cfg.Server.TCPPort = *tcpPort
	}
	if *udpPort != 0 {
		cfg.Server.UDPPort = *udpPort
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	srv := server.New(cfg.Server)
	if err := srv.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("relay start failed")
	}

	var api *http.Server
	if cfg.HTTP.Enabled {
		router := httpapi.SetupRouter(cfg.HTTP.Mode, srv)
		api = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
			Handler: router,
		}
		go func() {
			log.Info().Str("addr", api.Addr).Msg("monitoring api started")
			if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("monitoring api error")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	if api != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("monitoring api forced to shutdown")
		}
	}
	srv.Close()
	log.Info().Msg("relay exited gracefully")
}
