// Package api exposes the intake HTTP surface and the MCP tool server.
// Document creation endpoints persist first, then fire the creation hooks;
// hook failures are logged, never returned to the reporter.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/itemradar/radar/internal/storage"
	"github.com/itemradar/radar/internal/trigger"
)

const maxRequestBodySize = 10 << 20 // 10MB, found-item reports may inline images

// Deps holds the handler's dependencies.
type Deps struct {
	Store   *storage.Store
	Hooks   *trigger.Hooks
	Token   string        // empty disables bearer auth
	ItemTTL time.Duration // how long a found item stays available
}

// NewHandler returns the intake HTTP handler.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/api/found-item", handleReportFoundItem(deps))
		r.Post("/api/matches", handleCreateMatch(deps))
		r.Get("/api/items/{id}", handleGetItem(deps))
		r.Get("/api/analytics", handleListAnalytics(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// FoundItemRequest mirrors the intake form for a found item.
type FoundItemRequest struct {
	ItemName           string    `json:"itemName"`
	Description        string    `json:"description"`
	FoundLocation      string    `json:"foundLocation"`
	PickupInstructions string    `json:"pickupInstructions"`
	ContactInfo        string    `json:"contactInfo"`
	Category           string    `json:"category"`
	Embedding          []float64 `json:"embedding"`
}

func handleReportFoundItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req FoundItemRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if req.ItemName == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "itemName is required")
			return
		}
		if req.FoundLocation == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "foundLocation is required")
			return
		}

		embedding := "[]"
		if len(req.Embedding) > 0 {
			b, err := json.Marshal(req.Embedding)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid embedding: %v", err)
				return
			}
			embedding = string(b)
		}

		now := time.Now().UTC()
		item := storage.FoundItem{
			ID:                 uuid.New().String(),
			Name:               req.ItemName,
			Description:        req.Description,
			Category:           req.Category,
			Location:           req.FoundLocation,
			PickupInstructions: req.PickupInstructions,
			ContactInfo:        req.ContactInfo,
			Embedding:          embedding,
			Status:             storage.StatusAvailable,
			CreatedAt:          now,
			ExpiryDate:         now.Add(deps.ItemTTL),
		}
		if err := deps.Store.SaveFoundItem(item); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving item: %v", err)
			return
		}

		// Fan-out is best-effort: the document exists, so the report
		// succeeded even if a side effect fails.
		if err := deps.Hooks.FoundItemCreated(r.Context(), item); err != nil {
			slog.Warn("found-item fan-out incomplete", "item_id", item.ID, "error", err)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"message": "Found item registered successfully. We'll match it with any lost item reports.",
			"item_id": item.ID,
		})
	}
}

// MatchRequest records a match produced by the external matcher.
type MatchRequest struct {
	FoundItemID string  `json:"found_item_id"`
	LostRef     string  `json:"lost_ref"`
	Score       float64 `json:"score"`
}

func handleCreateMatch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req MatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.FoundItemID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "found_item_id is required")
			return
		}

		if _, err := deps.Store.GetFoundItem(req.FoundItemID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "found item %s does not exist", req.FoundItemID)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "loading item: %v", err)
			return
		}

		m := storage.Match{
			ID:          uuid.New().String(),
			FoundItemID: req.FoundItemID,
			LostRef:     req.LostRef,
			Score:       req.Score,
			CreatedAt:   time.Now().UTC(),
		}
		if err := deps.Store.SaveMatch(m); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving match: %v", err)
			return
		}

		if err := deps.Hooks.MatchCreated(r.Context(), m); err != nil {
			slog.Warn("match hook incomplete", "match_id", m.ID, "error", err)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"success":  true,
			"match_id": m.ID,
		})
	}
}

func handleGetItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		item, err := deps.Store.GetFoundItem(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "item %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading item: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":          item.ID,
			"name":        item.Name,
			"description": item.Description,
			"category":    item.Category,
			"location":    item.Location,
			"status":      item.Status,
			"created_at":  item.CreatedAt.Format(time.RFC3339),
			"expiry_date": item.ExpiryDate.Format(time.RFC3339),
		})
	}
}

func handleListAnalytics(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid limit %q", s)
				return
			}
			if n < limit {
				limit = n
			}
		}

		events, err := deps.Store.ListAnalyticsEvents(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing events: %v", err)
			return
		}

		type eventJSON struct {
			ID        string `json:"id"`
			Kind      string `json:"kind"`
			Category  string `json:"category,omitempty"`
			Location  string `json:"location,omitempty"`
			CreatedAt string `json:"created_at"`
		}
		out := make([]eventJSON, len(events))
		for i, e := range events {
			out[i] = eventJSON{
				ID:        e.ID,
				Kind:      e.Kind,
				Category:  e.Category,
				Location:  e.Location,
				CreatedAt: e.CreatedAt.Format(time.RFC3339),
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
