// Package app initializes the help-chat application: it wires configuration,
// Genkit, PostgreSQL, the vector index, the retrieval and generation
// pipeline, and the query log into one container with a single Close.
package app

import (
	"log/slog"

	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/altiqa/helpchat/internal/cache"
	"github.com/altiqa/helpchat/internal/chat"
	"github.com/altiqa/helpchat/internal/config"
	"github.com/altiqa/helpchat/internal/ingest"
	"github.com/altiqa/helpchat/internal/knowledge"
	"github.com/altiqa/helpchat/internal/querylog"
)

// App is the application container. Fields are wired once in Setup and
// read-only afterwards.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Genkit *genkit.Genkit
	Pool   *pgxpool.Pool

	Knowledge *knowledge.Store
	Responses *cache.ResponseCache
	QueryLog  *querylog.Store
	Chat      *chat.Service
	Ingest    *ingest.Service

	otelCleanup func()
}

// Close releases all resources acquired during Setup, in reverse order.
func (a *App) Close() error {
	a.Logger.Info("shutting down application")

	var firstErr error
	if a.QueryLog != nil {
		if err := a.QueryLog.Close(); err != nil {
			a.Logger.Warn("closing query log", "error", err)
			firstErr = err
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	if a.otelCleanup != nil {
		a.otelCleanup()
	}
	return firstErr
}
