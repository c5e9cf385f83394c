package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ashureev/docchat/internal/chat"
	"github.com/ashureev/docchat/internal/chatapi"
	"github.com/ashureev/docchat/internal/config"
	"github.com/ashureev/docchat/internal/store"
)

// openTokenStore opens the configured credential slot and checks it is usable.
func openTokenStore(ctx context.Context, cfg *config.Config) (store.TokenStore, error) {
	var tokens store.TokenStore
	if cfg.UsesMemoryStore() {
		tokens = store.NewMemory()
	} else {
		db, err := store.NewSQLite(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize token store: %w", err)
		}
		tokens = db
	}

	if err := tokens.Ping(ctx); err != nil {
		_ = tokens.Close()
		return nil, fmt.Errorf("token store health check failed: %w", err)
	}
	return tokens, nil
}

func closeTokenStore(tokens store.TokenStore) {
	if err := tokens.Close(); err != nil {
		slog.Error("Failed to close token store", "error", err)
	}
}

func newClient(cfg *config.Config, tokens store.TokenStore, logger *slog.Logger) *chatapi.Client {
	return chatapi.New(cfg.BaseURL, tokens,
		chatapi.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
		chatapi.WithLogger(logger),
	)
}

func newController(cfg *config.Config, client chat.SessionClient, logger *slog.Logger) *chat.Controller {
	return chat.New(client, chat.Options{
		Persona:      cfg.DefaultPersona,
		MaxChats:     cfg.MaxChats,
		HydrateDelay: cfg.HydrateDelay,
		Logger:       logger,
	})
}
