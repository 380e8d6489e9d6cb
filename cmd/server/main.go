package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"chatwire/broadcast"
	httpServer "chatwire/server/http"
	websocketServer "chatwire/server/websocket"
	"chatwire/service"
	"chatwire/storage/memory"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", ":8888", "websocket listen address")
		defaultRoom   = fs.StringP("default-room", "r", "general", "room joined when none is named")
		logLevel      = fs.StringP("log-level", "l", "debug", "log level")

		maxUsersPerRoom    = fs.Int("max-users-per-room", 100, "advisory per-room user cap")
		maxMessagesPerRoom = fs.Int("max-messages-per-room", 1000, "advisory per-room message cap")
		maxFileSize        = fs.Int64("max-file-size", 10<<20, "advisory max accepted file size in bytes")
		rateLimitMessages  = fs.Int("rate-limit-messages", 30, "advisory message rate limit per window")
		rateLimitWindowMs  = fs.Int64("rate-limit-window-ms", 60000, "advisory rate limit window in milliseconds")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	store := memory.NewStore(*defaultRoom)
	svc := service.NewService(service.Config{
		Store:       store,
		Broadcaster: broadcast.NewBroadcaster(&logger),
		Logger:      &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		RoomQueries: svc,
		ListenAddr:  *apiListenAddr,
		DefaultRoom: *defaultRoom,
		Limits: httpServer.Limits{
			MaxUsersPerRoom:    *maxUsersPerRoom,
			MaxMessagesPerRoom: *maxMessagesPerRoom,
			MaxFileSize:        *maxFileSize,
			RateLimitMessages:  *rateLimitMessages,
			RateLimitWindowMs:  *rateLimitWindowMs,
		},
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:         &logger,
		SessionService: svc,
		ListenAddr:     *wsListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go svc.Run(ctx)

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
