package homeserver

import (
	"encoding/json"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/tchap/go-tchap-sdk/common_models"
	"github.com/tchap/go-tchap-sdk/utils"
	"golang.org/x/crypto/bcrypt"
	"net/http"
	"sync"
	"time"
)

const (
	ApiPrefix   = "/_matrix/client/v3"
	MediaPrefix = "/_matrix/media/v3"
)

// Options configures a development homeserver.
type Options struct {
	// ServerName is the domain part of user and room ids.
	ServerName string
	// JWTSecret signs the access tokens. A random secret is generated when empty.
	JWTSecret []byte
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
	// MaxSyncTimeout caps the long-poll timeout requested by clients.
	MaxSyncTimeout time.Duration
	// MaxUploadSize defaults to 50MiB.
	MaxUploadSize int64
	Logger         zerolog.Logger
}

// Server is an in-memory Matrix-style homeserver implementing the client-server endpoints
// needed for device management, end-to-end encryption, rooms and key backup.
type Server struct {
	options Options
	logger  zerolog.Logger

	lock sync.Mutex
	// position is the stream position shared by every stream (rooms, to-device, device lists).
	position int64
	// notify is closed, then replaced, every time position advances.
	notify chan struct{}

	users         map[string]*user
	tokens        map[string]*tokenInfo
	rooms         map[string]*room
	uiaSessions   map[string]*uiaSession
	deviceChanges []deviceChange
	backups       map[string]*userBackups
	media         map[string]*mediaItem
}

type route struct {
	name    string
	method  string
	pattern string
	handler http.HandlerFunc
	public  bool
}

func New(options Options) (*Server, error) {
	if options.ServerName == "" {
		options.ServerName = "localhost"
	}
	if options.BcryptCost == 0 {
		options.BcryptCost = bcrypt.DefaultCost
	}
	if options.MaxSyncTimeout == 0 {
		options.MaxSyncTimeout = time.Minute
	}
	if options.MaxUploadSize == 0 {
		options.MaxUploadSize = 50 << 20
	}
	if len(options.JWTSecret) == 0 {
		secret, err := utils.GenerateRandomBytes(32)
		if err != nil {
			return nil, err
		}
		options.JWTSecret = secret
	}
	return &Server{
		options:     options,
		logger:      options.Logger.With().Str("component", "homeserver").Logger(),
		notify:      make(chan struct{}),
		users:       make(map[string]*user),
		tokens:      make(map[string]*tokenInfo),
		rooms:       make(map[string]*room),
		uiaSessions: make(map[string]*uiaSession),
		backups:     make(map[string]*userBackups),
		media:       make(map[string]*mediaItem),
	}, nil
}

func (s *Server) ServerName() string {
	return s.options.ServerName
}

func (s *Server) routes() []route {
	return []route{
		{name: "Register", method: http.MethodPost, pattern: "/register", handler: s.register, public: true},
		{name: "Login", method: http.MethodPost, pattern: "/login", handler: s.login, public: true},
		{name: "Logout", method: http.MethodPost, pattern: "/logout", handler: s.logout},
		{name: "WhoAmI", method: http.MethodGet, pattern: "/account/whoami", handler: s.whoAmI},
		{name: "Devices", method: http.MethodGet, pattern: "/devices", handler: s.devices},

		{name: "KeysUpload", method: http.MethodPost, pattern: "/keys/upload", handler: s.keysUpload},
		{name: "KeysQuery", method: http.MethodPost, pattern: "/keys/query", handler: s.keysQuery},
		{name: "DeviceSigningUpload", method: http.MethodPost, pattern: "/keys/device_signing/upload", handler: s.deviceSigningUpload},
		{name: "SignaturesUpload", method: http.MethodPost, pattern: "/keys/signatures/upload", handler: s.signaturesUpload},
		{name: "SendToDevice", method: http.MethodPut, pattern: "/sendToDevice/{eventType}/{txnId}", handler: s.sendToDevice},

		{name: "Sync", method: http.MethodGet, pattern: "/sync", handler: s.sync},

		{name: "CreateRoom", method: http.MethodPost, pattern: "/createRoom", handler: s.createRoom},
		{name: "Invite", method: http.MethodPost, pattern: "/rooms/{roomId}/invite", handler: s.invite},
		{name: "Join", method: http.MethodPost, pattern: "/rooms/{roomId}/join", handler: s.join},
		{name: "Leave", method: http.MethodPost, pattern: "/rooms/{roomId}/leave", handler: s.leave},
		{name: "SendEvent", method: http.MethodPut, pattern: "/rooms/{roomId}/send/{eventType}/{txnId}", handler: s.sendEvent},
		{name: "SendState", method: http.MethodPut, pattern: "/rooms/{roomId}/state/{eventType}/{stateKey}", handler: s.sendState},
		{name: "SendStateNoKey", method: http.MethodPut, pattern: "/rooms/{roomId}/state/{eventType}", handler: s.sendState},
		{name: "Members", method: http.MethodGet, pattern: "/rooms/{roomId}/members", handler: s.members},
		{name: "GetEvent", method: http.MethodGet, pattern: "/rooms/{roomId}/event/{eventId}", handler: s.getEvent},

		{name: "CreateBackupVersion", method: http.MethodPost, pattern: "/room_keys/version", handler: s.createBackupVersion},
		{name: "GetLatestBackupVersion", method: http.MethodGet, pattern: "/room_keys/version", handler: s.getBackupVersion},
		{name: "GetBackupVersion", method: http.MethodGet, pattern: "/room_keys/version/{version}", handler: s.getBackupVersion},
		{name: "UpdateBackupVersion", method: http.MethodPut, pattern: "/room_keys/version/{version}", handler: s.updateBackupVersion},
		{name: "DeleteBackupVersion", method: http.MethodDelete, pattern: "/room_keys/version/{version}", handler: s.deleteBackupVersion},
		{name: "PutBackupKeys", method: http.MethodPut, pattern: "/room_keys/keys", handler: s.putBackupKeys},
		{name: "GetBackupKeys", method: http.MethodGet, pattern: "/room_keys/keys", handler: s.getBackupKeys},
	}
}

// Router returns the HTTP handler serving the client-server API.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, common_models.ErrCodeUnrecognized, "unrecognized request")
	})
	api := router.PathPrefix(ApiPrefix).Subrouter()
	api.Use(loggingMiddleware(s.logger))
	media := router.PathPrefix(MediaPrefix).Subrouter()
	media.Use(loggingMiddleware(s.logger))
	for _, group := range []struct {
		router *mux.Router
		routes []route
	}{{api, s.routes()}, {media, s.mediaRoutes()}} {
		for _, r := range group.routes {
			handler := http.Handler(r.handler)
			if !r.public {
				handler = s.authMiddleware(handler)
			}
			group.router.Methods(r.method).Path(r.pattern).Name(r.name).Handler(handler)
		}
	}
	return router
}

// advance moves the stream position and wakes up waiting syncs. Must be called with lock held.
func (s *Server) advance() int64 {
	s.position++
	close(s.notify)
	s.notify = make(chan struct{})
	return s.position
}

func loggingMiddleware(logger zerolog.Logger) mux.MiddlewareFunc {
	return func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			respWriter := newResponseWriter(w)
			handler.ServeHTTP(respWriter, req)
			event := logger.Debug()
			if respWriter.statusCode >= http.StatusInternalServerError {
				event = logger.Error()
			}
			event.Str("method", req.Method).
				Str("path", req.URL.Path).
				Dur("duration", time.Since(start)).
				Int("response_code", respWriter.statusCode).
				Msg("api")
		})
	}
}

// responseWriter captures the response code for logging
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{w, http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, errCode string, message string) {
	writeJSON(w, status, common_models.ErrorResponse{ErrCode: errCode, Error: message})
}

// readJSON decodes the request body into v, answering M_BAD_JSON on failure.
func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, common_models.ErrCodeBadJson, err.Error())
		return false
	}
	return true
}
