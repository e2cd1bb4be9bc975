package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/godeps/reborn-go/pkg/api"
	"go.uber.org/zap"
)

const stageNewUser = string(api.StageNewUser)

type errorResponse struct {
	Detail string `json:"detail"`
}

type phoneRequest struct {
	Phone string `json:"phone"`
	Code  string `json:"code,omitempty"`
}

type sendRequest struct {
	Message string `json:"message"`
}

type profileUpdate struct {
	AntiVision        *string  `json:"anti_vision"`
	Vision            *string  `json:"vision"`
	IdentityStatement *string  `json:"identity_statement"`
	KeyInsights       []string `json:"key_insights"`
}

type scheduleRequest struct {
	Count     *int `json:"reminder_count"`
	StartHour *int `json:"start_hour"`
	EndHour   *int `json:"end_hour"`
}

type scheduleItem struct {
	ScheduledTime string `json:"scheduled_time"`
	Question      string `json:"question"`
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST "+api.PathSendCode, s.handleSendCode)
	mux.HandleFunc("POST "+api.PathVerifyCode, s.handleVerifyCode)
	mux.HandleFunc("GET "+api.PathFirstMessage, s.authed(s.handleFirstMessage))
	mux.HandleFunc("GET "+api.PathHistory, s.authed(s.handleHistory))
	mux.HandleFunc("DELETE "+api.PathHistory, s.authed(s.handleClearHistory))
	mux.HandleFunc("POST "+api.PathSend, s.authed(s.handleSend))
	mux.HandleFunc("GET "+api.PathProfile, s.authed(s.handleGetProfile))
	mux.HandleFunc("PUT "+api.PathProfile, s.authed(s.handleUpdateProfile))
	mux.HandleFunc("GET "+api.PathQuestion, s.authed(s.handleQuestion))
	mux.HandleFunc("POST "+api.PathSchedule, s.authed(s.handleSchedule))
}

type authedHandler func(w http.ResponseWriter, r *http.Request, phone string)

func (s *Server) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		phone, ok := s.authenticate(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			s.writeJSON(w, http.StatusUnauthorized, errorResponse{Detail: "Could not validate credentials"})
			return
		}
		next(w, r, phone)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSendCode(w http.ResponseWriter, r *http.Request) {
	var req phoneRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Detail: err.Error()})
		return
	}
	phone := strings.TrimSpace(req.Phone)
	if phone == "" {
		s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Detail: "phone is required"})
		return
	}
	code := s.issueCode(phone)
	s.logger.Debug("verification code issued", zap.String("phone", maskPhone(phone)))
	resp := map[string]string{"message": "Code sent"}
	if s.opts.Debug {
		resp["code"] = code
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	var req phoneRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Detail: err.Error()})
		return
	}
	phone := strings.TrimSpace(req.Phone)
	code := strings.TrimSpace(req.Code)
	if phone == "" || len(code) != 6 || strings.Trim(code, "0123456789") != "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "Invalid code"})
		return
	}
	token, ok := s.verify(phone, code)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "Invalid code"})
		return
	}
	s.logger.Info("user logged in", zap.String("phone", maskPhone(phone)))
	s.writeJSON(w, http.StatusOK, map[string]string{"access_token": token, "token_type": "bearer"})
}

func (s *Server) handleFirstMessage(w http.ResponseWriter, _ *http.Request, _ string) {
	s.writeJSON(w, http.StatusOK, map[string]string{"message": FirstMessage})
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request, phone string) {
	messages := s.History(phone)
	if messages == nil {
		messages = []Message{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, _ *http.Request, phone string) {
	s.withUser(phone, func(u *user) { u.messages = nil })
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "History cleared"})
}

// handleSend stores the user message, then streams the reply as
// `data: <chunk>` lines followed by `data: [DONE]`, or `data: [ERROR] <detail>`
// when the responder fails. Only completed replies are stored.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, phone string) {
	var req sendRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Detail: err.Error()})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: "response writer does not support streaming"})
		return
	}

	var history []Message
	s.withUser(phone, func(u *user) {
		u.messages = append(u.messages, Message{Role: "user", Content: req.Message})
		history = append([]Message(nil), u.messages...)
	})

	ctx := r.Context()
	chunks, respondErr := s.opts.Responder.Respond(ctx, history)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var full strings.Builder
	for i, chunk := range chunks {
		if i > 0 && !s.pause(ctx) {
			return
		}
		if err := writeSSE(w, chunk); err != nil {
			s.logger.Debug("stream write failed", zap.Error(err))
			return
		}
		flusher.Flush()
		full.WriteString(chunk)
	}

	if respondErr != nil {
		s.logger.Warn("responder failed", zap.Error(respondErr))
		_ = writeSSE(w, "[ERROR] "+respondErr.Error())
		flusher.Flush()
		return
	}

	reply := full.String()
	s.withUser(phone, func(u *user) {
		u.messages = append(u.messages, Message{Role: "assistant", Content: reply})
		if found := extractInsights(reply); len(found) > 0 {
			u.profile.KeyInsights = mergeInsights(u.profile.KeyInsights, found, maxInsights)
		}
	})
	_ = writeSSE(w, "[DONE]")
	flusher.Flush()
}

// pause waits ChunkDelay and reports whether the client is still there.
func (s *Server) pause(ctx context.Context) bool {
	if s.opts.ChunkDelay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(s.opts.ChunkDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Server) handleGetProfile(w http.ResponseWriter, _ *http.Request, phone string) {
	var p profile
	s.withUser(phone, func(u *user) {
		p = u.profile
		p.KeyInsights = append([]string(nil), u.profile.KeyInsights...)
	})
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request, phone string) {
	var req profileUpdate
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Detail: err.Error()})
		return
	}
	s.withUser(phone, func(u *user) {
		if req.AntiVision != nil {
			u.profile.AntiVision = req.AntiVision
		}
		if req.Vision != nil {
			u.profile.Vision = req.Vision
		}
		if req.IdentityStatement != nil {
			u.profile.IdentityStatement = req.IdentityStatement
		}
		if req.KeyInsights != nil {
			u.profile.KeyInsights = req.KeyInsights
		}
		u.profile.CurrentStage = string(api.DeriveStage(deref(u.profile.Vision), deref(u.profile.AntiVision)))
	})
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Profile updated"})
}

func (s *Server) handleQuestion(w http.ResponseWriter, _ *http.Request, _ string) {
	s.writeJSON(w, http.StatusOK, map[string]string{"question": s.question()})
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request, _ string) {
	var req scheduleRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Detail: err.Error()})
		return
	}
	count, start, end := orDefault(req.Count, 3), orDefault(req.StartHour, 9), orDefault(req.EndHour, 21)
	if count <= 0 || start < 0 || end > 24 || start >= end {
		s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Detail: fmt.Sprintf("invalid schedule: count=%d hours=%d-%d", count, start, end),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, s.schedule(count, start, end))
}

func (s *Server) decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("request body is empty")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, defaultMaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response failed", zap.Error(err))
	}
}

// writeSSE frames payload as data lines. Embedded newlines become separate
// data lines, which line-oriented clients read as separate deltas.
func writeSSE(w io.Writer, payload string) error {
	for _, line := range strings.Split(payload, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func maskPhone(phone string) string {
	if len(phone) < 7 {
		return "***"
	}
	return phone[:3] + "****" + phone[len(phone)-4:]
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func orDefault(p *int, fallback int) int {
	if p == nil {
		return fallback
	}
	return *p
}
