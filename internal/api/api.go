// Package api exposes the dispatcher over HTTP: the per-user event stream
// and the internal hooks other services call when profiles or alerts change.
package api

import (
	"coalarm-dispatch/internal/alert"
	"coalarm-dispatch/internal/database"
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Dispatcher is the part of the engine the hooks drive
type Dispatcher interface {
	UpdateUserProfile(change alert.ProfileChange)
	ActivateAlert(ctx context.Context, alertID int64) error
	DeactivateAlert(userID, alertID int64)
}

// ProfileStore persists profile edits before they reach the dispatcher
type ProfileStore interface {
	UpdateUserNickname(ctx context.Context, userID int64, nickname string) error
	UpdateUserWebhook(ctx context.Context, userID int64, webhook string) error
}

type Server struct {
	dispatcher Dispatcher
	profiles   ProfileStore
	stream     http.Handler
}

func NewServer(dispatcher Dispatcher, profiles ProfileStore, stream http.Handler) *Server {
	return &Server{
		dispatcher: dispatcher,
		profiles:   profiles,
		stream:     stream,
	}
}

// Routes returns the mux serving the stream and the internal hooks
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /alerts/subscribe", s.stream)
	mux.HandleFunc("POST /internal/users/profile", s.handleProfile)
	mux.HandleFunc("POST /internal/alerts/activate", s.handleActivate)
	mux.HandleFunc("POST /internal/alerts/deactivate", s.handleDeactivate)
	return mux
}

type alertRequest struct {
	UserID  int64 `json:"user_id"`
	AlertID int64 `json:"alert_id"`
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	var change alert.ProfileChange
	if err := decode(r, &change); err != nil || change.UserID <= 0 {
		http.Error(w, "invalid profile change", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if change.Nickname != nil {
		if err := s.profiles.UpdateUserNickname(ctx, change.UserID, *change.Nickname); err != nil {
			writeStoreError(w, err, "could not update nickname")
			return
		}
	}
	if change.DiscordWebhook != nil {
		if err := s.profiles.UpdateUserWebhook(ctx, change.UserID, *change.DiscordWebhook); err != nil {
			writeStoreError(w, err, "could not update webhook")
			return
		}
	}

	s.dispatcher.UpdateUserProfile(change)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req alertRequest
	if err := decode(r, &req); err != nil || req.AlertID <= 0 {
		http.Error(w, "invalid alert id", http.StatusBadRequest)
		return
	}

	if err := s.dispatcher.ActivateAlert(r.Context(), req.AlertID); err != nil {
		writeStoreError(w, err, "could not activate alert")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	var req alertRequest
	if err := decode(r, &req); err != nil || req.AlertID <= 0 || req.UserID <= 0 {
		http.Error(w, "invalid alert reference", http.StatusBadRequest)
		return
	}

	s.dispatcher.DeactivateAlert(req.UserID, req.AlertID)
	w.WriteHeader(http.StatusNoContent)
}

func decode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	return errors.Wrap(dec.Decode(v), "could not decode request body")
}

func writeStoreError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, database.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	log.Errorf("%s: %v", msg, err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}
