package api

import (
	"net/http"
	"strings"

	"github.com/tradeledger/position-engine/internal/model"
)

// ListPlatforms handles GET /api/v1/platforms
func (s *Service) ListPlatforms(w http.ResponseWriter, r *http.Request) {
	platforms, err := s.platforms.All(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, platforms)
}

// CreatePlatform handles POST /api/v1/platforms
func (s *Service) CreatePlatform(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		fail(w, r, validationf("name is required"))
		return
	}
	ctx := r.Context()
	_, exists, err := s.platforms.LookupID(ctx, name)
	if err != nil {
		fail(w, r, err)
		return
	}
	if exists {
		writeError(w, "platform already exists", http.StatusConflict)
		return
	}

	// A concurrent create can still win the race; the store reports it
	// as ErrDuplicate, which maps to the same 409.
	p := &model.Platform{Name: name}
	if err := s.store.InsertPlatform(ctx, p); err != nil {
		fail(w, r, err)
		return
	}
	s.platforms.Invalidate()
	writeJSON(w, http.StatusCreated, p)
}

// RefreshPlatforms handles POST /api/v1/platforms/refresh
func (s *Service) RefreshPlatforms(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.platforms.Refresh(ctx); err != nil {
		fail(w, r, err)
		return
	}
	platforms, err := s.platforms.All(ctx)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, platforms)
}
