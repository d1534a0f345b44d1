package api

import (
	"fmt"
	"net/http"

	"github.com/synoproxy/synoproxy/internal/syno"
)

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	export, err := s.bulk.ExportAll(r.Context())
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	s.metrics.RulesExported.Add(float64(export.Count))

	filename := fmt.Sprintf("synoproxy-rules-%s.json", export.ExportedAt.Format("2006-01-02"))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	WriteJSON(w, http.StatusOK, export)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	// Accepts either a bare rule array or a previous export document.
	var req struct {
		Rules []syno.Rule `json:"rules"`
	}
	if !BindJSONLenient(w, r, &req) {
		return
	}
	if len(req.Rules) == 0 {
		WriteError(w, http.StatusBadRequest, "rules must not be empty")
		return
	}

	result, err := s.bulk.ImportBatch(r.Context(), req.Rules)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	s.metrics.RecordImport(result.Created, result.Skipped, result.Failed)
	s.logger.Info("Import completed",
		"created", result.Created,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"user", sessionFromContext(r.Context()).Username,
	)
	WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var rule syno.Rule
	if !BindJSONLenient(w, r, &rule) {
		return
	}
	if len(rule) == 0 {
		WriteError(w, http.StatusBadRequest, ErrInvalidBody)
		return
	}

	excludeID := r.URL.Query().Get("exclude_rule_id")
	result, err := s.bulk.Validate(r.Context(), rule, excludeID)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// handleStatus reports the NAS connectivity snapshot: whether a device
// token is on record and whether the current session still probes live.
// It never triggers a renewal; the UI uses it to decide whether to show
// the first-login screen.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	hasDeviceToken, sessionLive := s.nas.Status(r.Context())
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"nas_url":          s.cfg.Synology.URL,
		"has_device_token": hasDeviceToken,
		"session_live":     sessionLive,
	})
}
