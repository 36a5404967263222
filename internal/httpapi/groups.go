package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"brokergate/internal/domain"
)

// ---------------------------------------------------------------------------
// Order groups
// ---------------------------------------------------------------------------

func (s *Server) handlePlaceBracket(w http.ResponseWriter, r *http.Request) {
	var req domain.BracketRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	g, err := s.core.PlaceBracket(r.Context(), req)
	if err != nil {
		s.writeOrderError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, g)
}

func (s *Server) handlePlaceOCO(w http.ResponseWriter, r *http.Request) {
	var req domain.OCORequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	g, err := s.core.PlaceOCO(r.Context(), req)
	if err != nil {
		s.writeOrderError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, g)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, GroupsResponse{Groups: s.core.ListGroups()})
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	g, ok := s.core.GetGroup(id)
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, fmt.Sprintf("group %s not found", id))
		return
	}
	writeJSON(w, g)
}

func (s *Server) handleCancelGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.core.CancelGroup(r.PathValue("id"))
	switch {
	case err == nil:
		writeJSONStatus(w, http.StatusAccepted, g)
	case errors.Is(err, domain.ErrGroupNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	default:
		writeError(w, http.StatusConflict, CodeOrderTerminal, err.Error())
	}
}

// ---------------------------------------------------------------------------
// Conditional orders
// ---------------------------------------------------------------------------

func (s *Server) handlePlaceConditional(w http.ResponseWriter, r *http.Request) {
	var req domain.ConditionalRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	c, err := s.core.PlaceConditional(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidOrder, err.Error())
		return
	}
	writeJSONStatus(w, http.StatusCreated, c)
}

// handleListConditionals serves GET /api/conditionals with an optional
// comma separated status filter.
func (s *Server) handleListConditionals(w http.ResponseWriter, r *http.Request) {
	var statuses []domain.ConditionalStatus
	if q := strings.TrimSpace(r.URL.Query().Get("status")); q != "" {
		for _, part := range strings.Split(q, ",") {
			st := domain.ConditionalStatus(strings.ToLower(strings.TrimSpace(part)))
			switch st {
			case domain.ConditionalActive, domain.ConditionalTriggered, domain.ConditionalCancelled, domain.ConditionalFailed:
			default:
				writeError(w, http.StatusBadRequest, CodeInvalidRequest, fmt.Sprintf("unknown status %q", part))
				return
			}
			statuses = append(statuses, st)
		}
	}
	writeJSON(w, ConditionalsResponse{Conditionals: s.core.ListConditionals(statuses...)})
}

func (s *Server) handleCancelConditional(w http.ResponseWriter, r *http.Request) {
	c, err := s.core.CancelConditional(r.PathValue("id"))
	switch {
	case err == nil:
		writeJSON(w, c)
	case errors.Is(err, domain.ErrConditionalNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	default:
		writeError(w, http.StatusConflict, CodeOrderTerminal, err.Error())
	}
}

// handleCheckConditionals serves POST /api/conditionals/check, running one
// evaluation pass immediately.
func (s *Server) handleCheckConditionals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ConditionalsResponse{Conditionals: s.core.CheckConditionals(r.Context())})
}
