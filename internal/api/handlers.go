// Package api exposes the generation queue and tier control over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vibrationalforce/echoel-inference/internal/activity"
	"github.com/vibrationalforce/echoel-inference/internal/orchestrator"
	"github.com/vibrationalforce/echoel-inference/internal/policy"
	"github.com/vibrationalforce/echoel-inference/internal/profile"
	"github.com/vibrationalforce/echoel-inference/internal/scheduler"
)

type Handler struct {
	Scheduler    *scheduler.Scheduler
	Orchestrator *orchestrator.Orchestrator
	Policies     *policy.Store
	Activity     *activity.Log
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/generations", h.HandleSubmit)
	mux.HandleFunc("/v1/generations/status", h.HandleStatus)
	mux.HandleFunc("/v1/generations/cancel", h.HandleCancel)
	mux.HandleFunc("/v1/tiers/select", h.HandleSelectTier)
	mux.HandleFunc("/v1/tiers", h.HandleTiers)
	mux.HandleFunc("/v1/policies", h.HandlePolicies)
	mux.HandleFunc("/v1/deadletters", h.HandleDeadLetters)
	mux.HandleFunc("/v1/stats", h.HandleStats)
	mux.HandleFunc("/v1/activity", h.HandleActivity)
}

type submitRequest struct {
	Description string `json:"description"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Frames      int    `json:"frames"`
	Priority    string `json:"priority"`
	DedupeKey   string `json:"dedupe_key,omitempty"`

	NeedsImageConditioning bool   `json:"needs_image_conditioning,omitempty"`
	NeedsControlSignal     bool   `json:"needs_control_signal,omitempty"`
	NeedsAdapters          bool   `json:"needs_adapters,omitempty"`
	ForceTier              string `json:"force_tier,omitempty"`
	PreferSpeed            bool   `json:"prefer_speed,omitempty"`
}

type submitResponse struct {
	ID       string   `json:"id"`
	Tier     string   `json:"tier"`
	Reason   string   `json:"reason"`
	Warnings []string `json:"warnings,omitempty"`
}

func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}

	dec, err := h.Orchestrator.SelectTier(orchestrator.Request{
		Description:            req.Description,
		Width:                  req.Width,
		Height:                 req.Height,
		Frames:                 req.Frames,
		NeedsImageConditioning: req.NeedsImageConditioning,
		NeedsControlSignal:     req.NeedsControlSignal,
		NeedsAdapters:          req.NeedsAdapters,
		ForceTier:              profile.Tier(req.ForceTier),
		PreferSpeed:            req.PreferSpeed,
	})
	if err != nil {
		writeStatusError(w, err)
		return
	}

	prio, _ := scheduler.ParsePriority(req.Priority)
	id, err := h.Scheduler.Submit(scheduler.Request{
		Description: req.Description,
		Width:       req.Width,
		Height:      req.Height,
		Frames:      req.Frames,
		Priority:    prio,
		Tier:        dec.Selected.Name,
		DedupeKey:   req.DedupeKey,
	})
	if err != nil {
		writeStatusError(w, err)
		return
	}

	writeJSON(w, submitResponse{
		ID:       id,
		Tier:     dec.Selected.Name,
		Reason:   dec.Reason,
		Warnings: dec.Warnings,
	})
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	snap, ok := h.Scheduler.Status(id)
	if !ok {
		http.Error(w, "unknown item", http.StatusNotFound)
		return
	}
	writeJSON(w, snap)
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	cancelled := h.Scheduler.Cancel(id)
	writeJSON(w, map[string]bool{"cancelled": cancelled})
}

func (h *Handler) HandleSelectTier(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}
	dec, err := h.Orchestrator.SelectTier(orchestrator.Request{
		Description:            req.Description,
		Width:                  req.Width,
		Height:                 req.Height,
		Frames:                 req.Frames,
		NeedsImageConditioning: req.NeedsImageConditioning,
		NeedsControlSignal:     req.NeedsControlSignal,
		NeedsAdapters:          req.NeedsAdapters,
		ForceTier:              profile.Tier(req.ForceTier),
		PreferSpeed:            req.PreferSpeed,
	})
	if err != nil {
		writeStatusError(w, err)
		return
	}
	writeJSON(w, dec)
}

func (h *Handler) HandleTiers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, map[string]any{
		"states":             h.Orchestrator.TierStates(),
		"available_resource": h.Orchestrator.AvailableResource(),
	})
}

func (h *Handler) HandlePolicies(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	switch r.Method {
	case http.MethodGet:
		list, err := h.Policies.ListPolicies(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, list)
	case http.MethodPost:
		var p policy.TierPolicy
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if p.Tier == "" {
			http.Error(w, "missing tier", http.StatusBadRequest)
			return
		}
		if err := h.Policies.UpsertPolicy(ctx, p); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, p)
	case http.MethodDelete:
		tier := r.URL.Query().Get("tier")
		if tier == "" {
			http.Error(w, "missing tier", http.StatusBadRequest)
			return
		}
		if err := h.Policies.DeletePolicy(ctx, tier); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) HandleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	list, err := h.Policies.ListDeadLetters(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, list)
}

func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, map[string]any{
		"queue": h.Scheduler.Stats(),
		"tiers": h.Orchestrator.TierStates(),
	})
}

func (h *Handler) HandleActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, h.Activity.List())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// writeStatusError maps the typed error taxonomy onto HTTP codes.
func writeStatusError(w http.ResponseWriter, err error) {
	switch status.Code(err) {
	case codes.InvalidArgument:
		http.Error(w, err.Error(), http.StatusBadRequest)
	case codes.ResourceExhausted:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case codes.NotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
