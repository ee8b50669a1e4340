package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/HainanZhao/clawless/internal/memory"
	"github.com/HainanZhao/clawless/internal/schedule"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": message})
}

// decodeJSON parses the request body, mapping the body-size cap to 413.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", maxErr.Limit))
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type callbackRequest struct {
	Text   string `json:"text"`
	ChatID string `json:"chatId"`
}

// handleCallback pushes text into a chat: explicit chatId in the body wins,
// then the query string, then the bound chat.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	platform := mux.Vars(r)["platform"]

	var req callbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	chatID := req.ChatID
	if chatID == "" {
		chatID = r.URL.Query().Get("chatId")
	}
	if chatID == "" {
		chatID = s.sender.BoundChatID()
	}
	if chatID == "" {
		writeError(w, http.StatusBadRequest, "no chatId given and no chat bound yet")
		return
	}

	if err := s.sender.SendToChat(r.Context(), chatID, req.Text); err != nil {
		writeError(w, http.StatusBadGateway, "send failed: "+err.Error())
		return
	}

	s.hub.Publish(Event{Type: "callback", Payload: map[string]any{"platform": platform, "chatId": chatID}})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "chatId": chatID})
}

type scheduleMetadata struct {
	ChatID string `json:"chatId"`
}

type scheduleCreateRequest struct {
	Message        string           `json:"message"`
	Description    string           `json:"description"`
	CronExpression string           `json:"cronExpression"`
	OneTime        bool             `json:"oneTime"`
	RunAt          string           `json:"runAt"`
	Type           string           `json:"type"`
	Metadata       scheduleMetadata `json:"metadata"`
	Active         *bool            `json:"active"`
}

func (s *Server) handleScheduleCreate(w http.ResponseWriter, r *http.Request) {
	var req scheduleCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	sched := schedule.Schedule{
		Message:        req.Message,
		Description:    req.Description,
		CronExpression: req.CronExpression,
		Type:           req.Type,
		Metadata:       schedule.Metadata{ChatID: req.Metadata.ChatID},
		Active:         true,
	}
	if req.Active != nil {
		sched.Active = *req.Active
	}

	if req.OneTime || req.RunAt != "" {
		sched.Kind = schedule.KindOneTime
		runAt, err := time.Parse(time.RFC3339, req.RunAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "runAt must be an ISO-8601 timestamp")
			return
		}
		sched.RunAt = &runAt
	} else {
		sched.Kind = schedule.KindRecurring
	}

	created, err := s.scheduler.Create(sched)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.hub.Publish(Event{Type: "schedule_created", Payload: created})
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "schedule": created})
}

func (s *Server) handleScheduleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "schedules": s.scheduler.List()})
}

func (s *Server) handleScheduleGet(w http.ResponseWriter, r *http.Request) {
	sched, err := s.scheduler.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "schedule": sched})
}

type schedulePatchRequest struct {
	Message        *string           `json:"message"`
	Description    *string           `json:"description"`
	CronExpression *string           `json:"cronExpression"`
	RunAt          *string           `json:"runAt"`
	Active         *bool             `json:"active"`
	Metadata       *scheduleMetadata `json:"metadata"`
}

func (p schedulePatchRequest) empty() bool {
	return p.Message == nil && p.Description == nil && p.CronExpression == nil &&
		p.RunAt == nil && p.Active == nil && p.Metadata == nil
}

func (s *Server) handleSchedulePatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req schedulePatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.empty() {
		writeError(w, http.StatusBadRequest, "at least one updatable field is required")
		return
	}

	sched, err := s.scheduler.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}

	if req.Message != nil {
		sched.Message = *req.Message
	}
	if req.Description != nil {
		sched.Description = *req.Description
	}
	if req.CronExpression != nil {
		sched.CronExpression = *req.CronExpression
	}
	if req.RunAt != nil {
		runAt, err := time.Parse(time.RFC3339, *req.RunAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "runAt must be an ISO-8601 timestamp")
			return
		}
		sched.RunAt = &runAt
	}
	if req.Active != nil {
		sched.Active = *req.Active
	}
	if req.Metadata != nil {
		sched.Metadata.ChatID = req.Metadata.ChatID
	}

	updated, err := s.scheduler.Update(id, sched)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.hub.Publish(Event{Type: "schedule_updated", Payload: updated})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "schedule": updated})
}

func (s *Server) handleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.scheduler.Delete(id); err != nil {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	s.hub.Publish(Event{Type: "schedule_deleted", Payload: map[string]string{"id": id}})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type recallRequest struct {
	Input  string `json:"input"`
	ChatID string `json:"chatId"`
	TopK   int    `json:"topK"`
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	var req recallRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Input == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}

	entries, err := s.store.Recall(r.Context(), req.Input, req.ChatID, req.TopK)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []memory.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "entries": entries})
}
