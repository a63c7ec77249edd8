package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"vision-server/internal/domain"
	"vision-server/internal/engine"
	syncer "vision-server/internal/sync"
	"vision-server/internal/version"
	"vision-server/pkg/api"
	"vision-server/pkg/logger"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Заголовки, в которых внешняя аутентификация передает вызывающего.
const (
	HeaderCallerID = "X-Caller-ID"
	HeaderRole     = "X-Role"
)

const maxCommandBody = 64 << 10

// Options - параметры HTTP слоя.
type Options struct {
	Port          string
	AllowedOrigin string
	Debug         bool
}

type Server struct {
	Service *engine.MapService
	Sync    *syncer.Synchronizer
	Schemas *api.SchemaValidator

	opts   Options
	router *mux.Router
	ctx    context.Context
	log    *logrus.Entry
}

func New(service *engine.MapService, sync *syncer.Synchronizer, schemas *api.SchemaValidator, opts Options) *Server {
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	s := &Server{
		Service: service,
		Sync:    sync,
		Schemas: schemas,
		opts:    opts,
		ctx:     context.Background(),
		log:     logger.For("http"),
	}
	s.router = s.routes()
	return s
}

// Handler - корневой обработчик (для тестов и встраивания).
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.enableCORS)

	// Регистрируем роуты
	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)

	apiRouter := r.PathPrefix("/api/maps/{mapID}").Subrouter()
	apiRouter.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	apiRouter.HandleFunc("/commands", s.handleCommand).Methods(http.MethodPost, http.MethodOptions)

	if s.opts.Debug {
		NewDebugHandler(s.Service, s.Sync).RegisterRoutes(r)
	}
	return r
}

// Run запускает HTTP сервер и останавливает его при отмене ctx.
func (s *Server) Run(ctx context.Context) error {
	s.ctx = ctx
	srv := &http.Server{
		Addr:              ":" + s.opts.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("port", s.opts.Port).Info("Vision server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.WithError(err).Warn("HTTP shutdown failed")
		}
		s.log.Info("HTTP server stopped")
		return nil
	}
}

func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Разрешаем запросы с фронтенда
		w.Header().Set("Access-Control-Allow-Origin", s.opts.AllowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+HeaderCallerID+", "+HeaderRole)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleWS обрабатывает подключение по WebSocket
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("Upgrade error")
		return
	}

	client := NewClient(s.ctx, s.Service, s.Schemas, conn)

	// Запускаем пампы
	go client.writePump()
	go client.readPump()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(version.Info())
}

// GET /api/maps/{mapID}/state - полный снимок карты.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	mapID := mux.Vars(r)["mapID"]
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	inst, err := s.Service.GetOrCreate(r.Context(), mapID)
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := inst.StateView(r.Context(), actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, api.ServerMessage{Type: api.MsgTypeState, MapID: mapID, State: view})
}

// POST /api/maps/{mapID}/commands - команда без WebSocket сессии.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	mapID := mux.Vars(r)["mapID"]
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		writeError(w, domain.NewValidationError("body", "%v", err))
		return
	}
	if s.Schemas != nil {
		if err := s.Schemas.ValidateCommand(raw); err != nil {
			writeError(w, domain.NewValidationError("command", "%v", err))
			return
		}
	}
	var cmd api.ClientCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		writeError(w, domain.NewValidationError("command", "%v", err))
		return
	}
	if domain.ParseAction(cmd.Action) == domain.ActionInit {
		writeError(w, domain.NewValidationError("action", "INIT is only available over /ws"))
		return
	}

	res, err := s.Service.Submit(r.Context(), mapID, actor, cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, api.ServerMessage{
		Type:   api.MsgTypeResult,
		MapID:  mapID,
		Result: &api.ResultView{Action: cmd.Action, ID: res.ID},
	})
}

func actorFrom(r *http.Request) (domain.Actor, error) {
	callerID := r.Header.Get(HeaderCallerID)
	if callerID == "" {
		return domain.Actor{}, &domain.AuthorizationError{Operation: "anonymous request"}
	}
	return domain.Actor{CallerID: callerID, Role: domain.ParseRole(r.Header.Get(HeaderRole))}, nil
}

func statusFor(err error) int {
	switch domain.ErrorCode(err) {
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeForbidden:
		return http.StatusForbidden
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeTransport:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func errorMessage(err error) api.ServerMessage {
	return api.ServerMessage{
		Type:  api.MsgTypeError,
		Error: &api.ErrorView{Code: domain.ErrorCode(err), Message: err.Error()},
	}
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(err))
	json.NewEncoder(w).Encode(errorMessage(err))
}
