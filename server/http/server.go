package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"

	"chatwire/model"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultMessageLimit = 50
	maxMessageLimit     = 1000
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type RoomQueries interface {
	Rooms() []model.RoomSummary
	RoomUsers(roomID string) ([]model.User, error)
	RoomMessages(roomID string, limit int) ([]model.Message, error)
	Counts() (users int, rooms int)
	AllUsers() []model.User
}

// Limits are the configured per-room caps. They are advisory: nothing
// enforces them, they are only reported on the health endpoint.
type Limits struct {
	MaxUsersPerRoom    int   `json:"maxUsersPerRoom"`
	MaxMessagesPerRoom int   `json:"maxMessagesPerRoom"`
	MaxFileSize        int64 `json:"maxFileSize"`
	RateLimitMessages  int   `json:"rateLimitMessages"`
	RateLimitWindowMs  int64 `json:"rateLimitWindowMs"`
}

type GenericResponse struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Users     int    `json:"users"`
	Rooms     int    `json:"rooms"`
	Limits    Limits `json:"limits"`
}

type DebugUsersResponse struct {
	TotalUsers       int          `json:"totalUsers"`
	Users            []model.User `json:"users"`
	DefaultRoomUsers []model.User `json:"defaultRoomUsers"`
}

type Server struct {
	logger      zerolog.Logger
	svc         RoomQueries
	limits      Limits
	defaultRoom string
	*http.Server
}

type Config struct {
	Logger      *zerolog.Logger
	RoomQueries RoomQueries
	ListenAddr  string
	DefaultRoom string
	Limits      Limits
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:      cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:         cfg.RoomQueries,
		limits:      cfg.Limits,
		defaultRoom: cfg.DefaultRoom,
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /api/rooms", srv.listRooms)
	r.HandleFunc("GET /api/room/{roomID}/users", srv.roomUsers)
	r.HandleFunc("GET /api/room/{roomID}/messages", srv.roomMessages)
	r.HandleFunc("GET /api/health", srv.health)
	r.HandleFunc("GET /api/debug/users", srv.debugUsers)
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) listRooms(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, srv.svc.Rooms())
}

func (srv *Server) roomUsers(w http.ResponseWriter, r *http.Request) {
	users, err := srv.svc.RoomUsers(r.PathValue("roomID"))
	if err != nil {
		srv.writeJSON(w, http.StatusNotFound, GenericResponse{Error: "Room not found"})
		return
	}
	srv.writeJSON(w, http.StatusOK, users)
}

func (srv *Server) roomMessages(w http.ResponseWriter, r *http.Request) {
	limit := defaultMessageLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxMessageLimit {
			limit = parsed
		}
	}
	messages, err := srv.svc.RoomMessages(r.PathValue("roomID"), limit)
	if err != nil {
		srv.writeJSON(w, http.StatusNotFound, GenericResponse{Error: "Room not found"})
		return
	}
	srv.writeJSON(w, http.StatusOK, messages)
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	users, rooms := srv.svc.Counts()
	srv.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Users:     users,
		Rooms:     rooms,
		Limits:    srv.limits,
	})
}

// debugUsers has no access control, same as the system it mirrors.
func (srv *Server) debugUsers(w http.ResponseWriter, _ *http.Request) {
	all := srv.svc.AllUsers()
	roomUsers, err := srv.svc.RoomUsers(srv.defaultRoom)
	if err != nil {
		roomUsers = nil
	}

	if e := srv.logger.Trace(); e.Enabled() {
		e.Msg(spew.Sdump(all))
	}

	srv.writeJSON(w, http.StatusOK, DebugUsersResponse{
		TotalUsers:       len(all),
		Users:            all,
		DefaultRoomUsers: roomUsers,
	})
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBytes(w, code, b)
}

func writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
