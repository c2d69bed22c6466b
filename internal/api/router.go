package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/starford/docscope/internal/scope"
	"github.com/starford/docscope/internal/sse"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// broker, if non-nil, is mounted at GET /events inside the auth group and
// receives per-file motion statuses.
func NewRouter(reg *scope.Registry, authEnabled bool, token string, broker *sse.Broker) chi.Router {
	h := NewHandler(reg, broker)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	r.Get("/scopes", h.ListScopes)
	r.Route("/scopes/{id}", func(r chi.Router) {
		r.Get("/items", h.ListItems)
		r.Post("/rescan", h.Rescan)

		// Creation and content.
		r.Post("/documents", h.CreateDocument)
		r.Post("/import", h.ImportDocument)
		r.Post("/upload", h.Upload)
		r.Get("/content", h.Content)
		r.Put("/content", h.ReplaceContent)

		// Motion.
		r.Post("/copy", h.CopyItems)
		r.Post("/move", h.MoveItems)
		r.Post("/take", h.TakeItems)
		r.Post("/rename", h.Rename)
		r.Post("/folders", h.MakeFolder)
		r.Post("/delete", h.DeleteItems)
	})
	r.Post("/trash", h.Trash)

	// SSE endpoint (protected by same auth middleware).
	if broker != nil {
		r.Get("/events", broker.ServeHTTP)
	}

	return r
}
