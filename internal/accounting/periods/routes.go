package periods

import "github.com/go-chi/chi/v5"

// MountRoutes attaches the restriction endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/check-restriction", h.checkRestriction)
	r.Post("/override-log", h.logOverride)
}
