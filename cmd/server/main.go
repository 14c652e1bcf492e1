package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatrelay/internal/identity"
	"chatrelay/internal/server"
	"chatrelay/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run wires all components and manages the server lifecycle so that deferred
// cleanup (database close, connection drain) always executes on the way out.
func run() error {
	cfg, err := server.NewConfigFromEnv()
	if err != nil {
		return err
	}
	if cfg.TokenSecret == "" {
		return errors.New("TOKEN_SECRET must be set")
	}
	server.SetConfig(cfg)

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer func() {
		log.Println("Closing message database...")
		_ = db.Close()
	}()

	attachments, err := store.NewAttachments(cfg.UploadDir)
	if err != nil {
		return err
	}

	messages := store.NewMessageLog(db)
	users := store.NewUserStore(db)
	tokens := identity.NewTokenService(cfg.TokenSecret, cfg.TokenTTL)

	hub := server.NewHub(messages, attachments)
	go hub.Run()
	log.Println("Hub started and ready to manage WebSocket connections")

	gateway := server.NewGateway(hub, tokens, users, messages, attachments.Dir())
	httpServer := server.CreateServer(cfg.Port, gateway.Routes())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer)
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Println("Shutdown signal received")
	}

	if err := server.ShutdownServer(httpServer, shutdownTimeout); err != nil {
		log.Printf("HTTP shutdown incomplete: %v", err)
	}
	if err := hub.Shutdown(shutdownTimeout); err != nil {
		log.Printf("Hub shutdown incomplete: %v", err)
	}
	return nil
}
