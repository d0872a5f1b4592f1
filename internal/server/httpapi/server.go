// Package httpapi exposes the sync service over JSON HTTP plus a
// websocket change feed. Routes:
//
//	GET  /api/sync/hash?wallet_id=            log digest and count
//	GET  /api/sync/events?wallet_id=&since=   pull tail (replay order)
//	POST /api/sync/events                     push a batch
//	GET  /api/sync/ws?wallet_id=              change hints
//
// Every route requires a Bearer JWT (the websocket also accepts a token
// query parameter, browsers cannot set headers on upgrade requests).
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dmitrijs2005/walletsync/internal/common"
	"github.com/dmitrijs2005/walletsync/internal/event"
	"github.com/dmitrijs2005/walletsync/internal/logging"
	syncsvc "github.com/dmitrijs2005/walletsync/internal/server/sync"
)

// Syncer is the service surface the handlers call. *sync.Service
// satisfies it.
type Syncer interface {
	Hash(ctx context.Context, userID, walletID string) (*syncsvc.HashInfo, error)
	EventsSince(ctx context.Context, userID, walletID string, since *time.Time) ([]event.Event, error)
	Push(ctx context.Context, userID, walletID string, events []event.Event) (*syncsvc.Result, error)
}

type hashResponse struct {
	Hash  string `json:"hash"`
	Count int64  `json:"count"`
}

type eventsResponse struct {
	Events []event.Event `json:"events"`
}

type pushRequest struct {
	WalletID string        `json:"wallet_id"`
	Events   []event.Event `json:"events"`
}

type rejectedEvent struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type pushResponse struct {
	Accepted []string        `json:"accepted"`
	Rejected []rejectedEvent `json:"rejected"`
}

// Server holds the handler dependencies.
type Server struct {
	svc       Syncer
	hub       *Hub
	secretKey []byte
	logger    logging.Logger
}

// NewServer builds the HTTP layer over the sync service.
func NewServer(svc Syncer, hub *Hub, secretKey []byte, logger logging.Logger) *Server {
	return &Server{svc: svc, hub: hub, secretKey: secretKey, logger: logger}
}

// Routes returns the handler tree with authentication applied.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sync/hash", s.handleHash)
	mux.HandleFunc("GET /api/sync/events", s.handleEvents)
	mux.HandleFunc("POST /api/sync/events", s.handlePush)
	mux.HandleFunc("GET /api/sync/ws", s.handleWS)
	return s.authenticate(mux)
}

func (s *Server) handleHash(w http.ResponseWriter, r *http.Request) {
	walletID := r.URL.Query().Get("wallet_id")
	if walletID == "" {
		http.Error(w, "wallet_id is required", http.StatusBadRequest)
		return
	}

	info, err := s.svc.Hash(r.Context(), userID(r.Context()), walletID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, hashResponse{Hash: info.Hash, Count: info.Count})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	walletID := q.Get("wallet_id")
	if walletID == "" {
		http.Error(w, "wallet_id is required", http.StatusBadRequest)
		return
	}

	var since *time.Time
	if raw := q.Get("since"); raw != "" {
		ts, err := time.Parse(event.TimeLayout, raw)
		if err != nil {
			http.Error(w, "invalid since timestamp", http.StatusBadRequest)
			return
		}
		since = &ts
	}

	events, err := s.svc.EventsSince(r.Context(), userID(r.Context()), walletID, since)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	s.writeJSON(w, r, eventsResponse{Events: events})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.WalletID == "" {
		http.Error(w, "wallet_id is required", http.StatusBadRequest)
		return
	}

	res, err := s.svc.Push(r.Context(), userID(r.Context()), req.WalletID, req.Events)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if len(res.Accepted) > 0 && s.hub != nil {
		s.hub.Broadcast(req.WalletID)
	}

	resp := pushResponse{Accepted: res.Accepted, Rejected: []rejectedEvent{}}
	if resp.Accepted == nil {
		resp.Accepted = []string{}
	}
	for _, rej := range res.Rejected {
		resp.Rejected = append(resp.Rejected, rejectedEvent{ID: rej.ID, Reason: rej.Reason})
	}
	s.writeJSON(w, r, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(r.Context(), "writing response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, common.ErrPermissionDenied):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, common.ErrorNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		s.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
