// Package api is the HTTP/WebSocket front door. It converts network
// requests into gateway calls and streams engine events to WebSocket
// clients. All engine interaction goes through the gateway; the server owns
// no trading state.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atharvParlikar/perpetra/pkg/engine"
	"github.com/atharvParlikar/perpetra/pkg/gateway"
)

const depthLevels = 20

type Server struct {
	gw     *gateway.Gateway
	eng    *engine.Engine
	router *mux.Router
	hub    *Hub
	log    *zap.Logger
}

// NewServer builds the front door around an already-wired engine. The hub
// is created by the caller so it can be attached to the engine as an event
// sink before the engine starts.
func NewServer(gw *gateway.Gateway, eng *engine.Engine, hub *Hub, log *zap.Logger) *Server {
	s := &Server{
		gw:     gw,
		eng:    eng,
		router: mux.NewRouter(),
		hub:    hub,
		log:    log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/order", s.handlePlaceOrder).Methods("POST")
	s.router.HandleFunc("/cancel", s.handleCancelOrder).Methods("POST")
	s.router.HandleFunc("/deposit", s.handleDeposit).Methods("POST")
	s.router.HandleFunc("/book", s.handleGetBook).Methods("GET")
	s.router.HandleFunc("/account", s.handleGetAccount).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler returns the CORS-wrapped route tree.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Start serves until the listener fails. The hub runs alongside.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	s.log.Info("api server starting", zap.String("addr", addr))
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req gateway.PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := s.gw.PlaceOrder(req)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, resp)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req gateway.CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := s.gw.Cancel(req)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, resp)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.gw.Deposit(req.JWT, req.Amount); err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, DepositResponse{Status: "ok"})
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	top, err := s.eng.Top()
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	bids, asks, err := s.eng.Depth(depthLevels)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, BookSnapshot{
		BestBid: top.BestBid,
		BestAsk: top.BestAsk,
		Bids:    bids,
		Asks:    asks,
	})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if token == "" {
		token = r.URL.Query().Get("jwt")
	}
	snap, err := s.gw.Account(token)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, snap)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// respondEngineError maps engine error kinds onto HTTP statuses.
func (s *Server) respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrAuth):
		respondError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, engine.ErrValidation):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrInsufficientCollateral):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrUnknownOrder):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrNotOwner):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, engine.ErrBackpressure):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error("internal error", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}
