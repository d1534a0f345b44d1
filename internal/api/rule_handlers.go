package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/synoproxy/synoproxy/internal/syno"
)

// ruleID extracts and validates the {id} path value. Rule identifiers
// are vendor-assigned UUIDs; anything else is a client error, not a
// lookup miss.
func ruleID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid rule ID: must be a UUID")
		return "", false
	}
	return id, true
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.ruleClient.List(r.Context())
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"rules": list,
		"count": len(list),
	})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	rule, err := s.ruleClient.Get(r.Context(), id)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rule)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule syno.Rule
	if !BindJSONLenient(w, r, &rule) {
		return
	}
	if len(rule) == 0 {
		WriteError(w, http.StatusBadRequest, ErrInvalidBody)
		return
	}

	if err := s.ruleClient.Create(r.Context(), rule); err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	s.logger.Info("Rule created", "user", sessionFromContext(r.Context()).Username)
	WriteJSON(w, http.StatusCreated, map[string]bool{"success": true})
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	var rule syno.Rule
	if !BindJSONLenient(w, r, &rule) {
		return
	}
	if len(rule) == 0 {
		WriteError(w, http.StatusBadRequest, ErrInvalidBody)
		return
	}

	if err := s.ruleClient.Update(r.Context(), id, rule); err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	s.logger.Info("Rule updated", "rule_id", id, "user", sessionFromContext(r.Context()).Username)
	SuccessResponse(w)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	if err := s.ruleClient.Delete(r.Context(), id); err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	s.logger.Info("Rule deleted", "rule_id", id, "user", sessionFromContext(r.Context()).Username)
	SuccessResponse(w)
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RuleIDs []string `json:"rule_ids"`
	}
	if !BindJSON(w, r, &req) {
		return
	}
	if len(req.RuleIDs) == 0 {
		WriteError(w, http.StatusBadRequest, "rule_ids must not be empty")
		return
	}
	for _, id := range req.RuleIDs {
		if _, err := uuid.Parse(id); err != nil {
			WriteError(w, http.StatusBadRequest, "Invalid rule ID: must be a UUID", id)
			return
		}
	}

	if err := s.ruleClient.DeleteMany(r.Context(), req.RuleIDs); err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	s.logger.Info("Rules deleted", "count", len(req.RuleIDs), "user", sessionFromContext(r.Context()).Username)
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"deleted": len(req.RuleIDs),
	})
}
