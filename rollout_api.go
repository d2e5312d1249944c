package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"paperminder/server/platform"
	"paperminder/server/rollout"
	"paperminder/server/storage"

	"github.com/Masterminds/semver/v3"
)

type createRolloutRequest struct {
	Name              string     `json:"name"`
	RolloutType       string     `json:"rollout_type,omitempty"`
	Version           string     `json:"version"`
	Platform          string     `json:"platform,omitempty"`
	Channels          []string   `json:"channels,omitempty"`
	TargetAll         bool       `json:"target_all"`
	TargetUserIDs     []string   `json:"target_user_ids,omitempty"`
	TargetPrinterIDs  []string   `json:"target_printer_ids,omitempty"`
	RolloutPercentage *int       `json:"rollout_percentage,omitempty"`
	MinVersion        string     `json:"min_version,omitempty"`
	MaxVersion        string     `json:"max_version,omitempty"`
	ScheduledAt       *time.Time `json:"scheduled_at,omitempty"`
}

// handleRollouts serves GET /api/rollouts (optionally ?status=) and
// POST /api/rollouts.
func (s *Server) handleRollouts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rollouts, err := s.store.ListRollouts(r.Context(), r.URL.Query().Get("status"))
		if err != nil {
			logError("Failed to list rollouts", "error", err)
			writeJSONError(w, http.StatusInternalServerError, "list failed")
			return
		}
		writeJSON(w, http.StatusOK, rollouts)

	case http.MethodPost:
		s.handleCreateRollout(w, r)

	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleCreateRollout(w http.ResponseWriter, r *http.Request) {
	var req createRolloutRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if strings.TrimSpace(req.Name) == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Version == "" {
		writeJSONError(w, http.StatusBadRequest, "version is required")
		return
	}
	if _, err := semver.NewVersion(req.Version); err != nil {
		writeJSONError(w, http.StatusBadRequest, "version is not valid semver")
		return
	}
	if !req.TargetAll && len(req.Channels) == 0 &&
		len(req.TargetUserIDs) == 0 && len(req.TargetPrinterIDs) == 0 {
		writeJSONError(w, http.StatusBadRequest,
			"rollout needs target_all, channels, target_user_ids, or target_printer_ids")
		return
	}

	rolloutType := req.RolloutType
	if rolloutType == "" {
		switch {
		case req.ScheduledAt != nil:
			rolloutType = storage.RolloutTypeScheduled
		case req.RolloutPercentage != nil && *req.RolloutPercentage < 100:
			rolloutType = storage.RolloutTypeGradual
		default:
			rolloutType = storage.RolloutTypeImmediate
		}
	}

	percentage := 100
	if req.RolloutPercentage != nil {
		percentage = *req.RolloutPercentage
		if percentage < 0 || percentage > 100 {
			writeJSONError(w, http.StatusBadRequest, "rollout_percentage must be 0 to 100")
			return
		}
	}

	switch rolloutType {
	case storage.RolloutTypeImmediate:
		if req.RolloutPercentage != nil && percentage != 100 {
			writeJSONError(w, http.StatusBadRequest, "immediate rollout does not take a partial rollout_percentage")
			return
		}
		if req.ScheduledAt != nil {
			writeJSONError(w, http.StatusBadRequest, "immediate rollout does not take scheduled_at")
			return
		}
	case storage.RolloutTypeGradual:
		if req.RolloutPercentage == nil {
			writeJSONError(w, http.StatusBadRequest, "gradual rollout requires rollout_percentage")
			return
		}
		if percentage < 1 {
			writeJSONError(w, http.StatusBadRequest, "gradual rollout_percentage must be 1 to 100")
			return
		}
		if req.ScheduledAt != nil {
			writeJSONError(w, http.StatusBadRequest, "gradual rollout does not take scheduled_at")
			return
		}
	case storage.RolloutTypeScheduled:
		if req.ScheduledAt == nil {
			writeJSONError(w, http.StatusBadRequest, "scheduled rollout requires scheduled_at")
			return
		}
	default:
		writeJSONError(w, http.StatusBadRequest, "unknown rollout_type "+rolloutType)
		return
	}

	ro := &storage.UpdateRollout{
		Name:              strings.TrimSpace(req.Name),
		RolloutType:       rolloutType,
		Version:           req.Version,
		Platform:          platform.Normalize(req.Platform),
		Channels:          req.Channels,
		TargetAll:         req.TargetAll,
		TargetUserIDs:     req.TargetUserIDs,
		TargetPrinterIDs:  req.TargetPrinterIDs,
		RolloutPercentage: percentage,
		MinVersion:        req.MinVersion,
		MaxVersion:        req.MaxVersion,
		Status:            storage.RolloutPending,
		ScheduledAt:       req.ScheduledAt,
	}

	if err := s.store.CreateRollout(r.Context(), ro); err != nil {
		logError("Failed to create rollout", "name", ro.Name, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "create failed")
		return
	}

	estimated := s.estimateTargets(r, ro)

	logInfo("Rollout created",
		"rollout", ro.ID, "name", ro.Name, "version", ro.Version,
		"percentage", ro.RolloutPercentage, "estimated_targets", estimated)

	writeJSON(w, http.StatusCreated, map[string]any{
		"rollout":           ro,
		"estimated_targets": estimated,
	})
}

// estimateTargets counts currently known printers the rollout would match.
// The figure is advisory; total_targets is accumulated lazily as printers
// are actually offered the update.
func (s *Server) estimateTargets(r *http.Request, ro *storage.UpdateRollout) int {
	printers, err := s.store.ListPrinters(r.Context())
	if err != nil {
		logWarn("Failed to estimate rollout targets", "rollout", ro.ID, "error", err)
		return 0
	}
	n := 0
	for _, p := range printers {
		if p.AutoUpdate && rollout.Matches(ro, p) {
			n++
		}
	}
	return n
}

// handleRolloutByID serves /api/rollouts/{id}, /api/rollouts/{id}/history,
// and the lifecycle actions activate, pause, resume, and cancel.
func (s *Server) handleRolloutByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/rollouts/"), "/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "rollout id is required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		ro, err := s.store.GetRollout(r.Context(), id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeJSONError(w, http.StatusNotFound, "rollout not found")
				return
			}
			logError("Failed to load rollout", "rollout", id, "error", err)
			writeJSONError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		writeJSON(w, http.StatusOK, ro)

	case action == "history" && r.Method == http.MethodGet:
		history, err := s.store.ListUpdateHistory(r.Context(), id)
		if err != nil {
			logError("Failed to list rollout history", "rollout", id, "error", err)
			writeJSONError(w, http.StatusInternalServerError, "history failed")
			return
		}
		writeJSON(w, http.StatusOK, history)

	case action == "percentage" && r.Method == http.MethodPost:
		s.handleRolloutPercentage(w, r, id)

	case r.Method == http.MethodPost:
		s.handleRolloutAction(w, r, id, action)

	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleRolloutPercentage widens or narrows a gradual campaign. Connected
// printers that fall inside the new bucket are reached on the next tick.
func (s *Server) handleRolloutPercentage(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		RolloutPercentage *int `json:"rollout_percentage"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.RolloutPercentage == nil {
		writeJSONError(w, http.StatusBadRequest, "rollout_percentage is required")
		return
	}
	pct := *req.RolloutPercentage
	if pct < 0 || pct > 100 {
		writeJSONError(w, http.StatusBadRequest, "rollout_percentage must be 0 to 100")
		return
	}

	if err := s.store.SetRolloutPercentage(r.Context(), id, pct); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "rollout not found")
			return
		}
		logError("Failed to change rollout percentage", "rollout", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "percentage change failed")
		return
	}

	logInfo("Rollout percentage changed", "rollout", id, "percentage", pct)

	ro, err := s.store.GetRollout(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"rollout_percentage": pct})
		return
	}
	writeJSON(w, http.StatusOK, ro)
}

func (s *Server) handleRolloutAction(w http.ResponseWriter, r *http.Request, id, action string) {
	var status string
	switch action {
	case "activate", "resume":
		status = storage.RolloutActive
	case "pause":
		status = storage.RolloutPaused
	case "cancel":
		status = storage.RolloutCancelled
	default:
		writeJSONError(w, http.StatusBadRequest, "unknown action "+action)
		return
	}

	if err := s.store.SetRolloutStatus(r.Context(), id, status, time.Now().UTC()); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeJSONError(w, http.StatusNotFound, "rollout not found")
		case errors.Is(err, storage.ErrInvalidTransition):
			writeJSONError(w, http.StatusConflict, err.Error())
		default:
			logError("Failed to change rollout status",
				"rollout", id, "action", action, "error", err)
			writeJSONError(w, http.StatusInternalServerError, "status change failed")
		}
		return
	}

	// Newly activated campaigns reach connected printers on the next
	// scheduler tick; kick one synchronously so activation feels immediate.
	if status == storage.RolloutActive && s.scheduler != nil {
		go func() {
			ctx, cancel := opCtx()
			defer cancel()
			s.scheduler.Tick(ctx)
		}()
	}

	logInfo("Rollout status changed", "rollout", id, "action", action, "status", status)

	ro, err := s.store.GetRollout(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": status})
		return
	}
	writeJSON(w, http.StatusOK, ro)
}
