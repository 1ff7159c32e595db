// Package status is the read-only ops API: what is scheduled today, what
// settled, what escalated, what was measured.
package status

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/carelink-health/carelink/pkg/common/logger"
	"github.com/carelink-health/carelink/pkg/obligation"
	"github.com/carelink-health/carelink/pkg/schedule"
	"github.com/gorilla/mux"
)

type Handler struct {
	repo  *obligation.Repository
	clock schedule.Clock
}

func NewHandler(repo *obligation.Repository, clock schedule.Clock) *Handler {
	return &Handler{repo: repo, clock: clock}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/obligations", h.handleObligations).Methods(http.MethodGet)
	r.HandleFunc("/readings", h.handleReadings).Methods(http.MethodGet)
}

type obligationsResponse struct {
	Day     string                   `json:"day"`
	Summary map[obligation.State]int `json:"summary"`
	Items   []obligation.Obligation  `json:"items"`
}

func (h *Handler) handleObligations(w http.ResponseWriter, r *http.Request) {
	day := r.URL.Query().Get("day")
	if day == "" {
		day = schedule.Day(h.clock, h.clock.Now())
	}

	items, err := h.repo.ListByDay(r.Context(), day)
	if err != nil {
		logger.Log.WithError(err).Error("failed to list obligations")
		http.Error(w, "failed to list obligations", http.StatusInternalServerError)
		return
	}

	resp := obligationsResponse{
		Day:     day,
		Summary: make(map[obligation.State]int),
		Items:   items,
	}
	for _, o := range items {
		resp.Summary[o.State]++
	}
	writeJSON(w, resp)
}

func (h *Handler) handleReadings(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := h.repo.RecentReadings(r.Context(), limit)
	if err != nil {
		logger.Log.WithError(err).Error("failed to list readings")
		http.Error(w, "failed to list readings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{"items": items})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.WithError(err).Error("failed to encode response")
	}
}
