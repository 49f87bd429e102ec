package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/camwall/camstream/internal/camera"
	"github.com/camwall/camstream/internal/config"
	"github.com/camwall/camstream/internal/hls"
	"github.com/camwall/camstream/internal/metrics"
	"github.com/camwall/camstream/internal/notify"
	"github.com/camwall/camstream/internal/server"
	"github.com/camwall/camstream/internal/stream"
	"github.com/camwall/camstream/internal/types"
	"github.com/camwall/camstream/internal/util"
)

const (
	statusPushInterval = 3 * time.Second
	mutationRateLimit  = 30 // Per IP per minute; every mutation restarts all streams
)

// Server is the HTTP API, the live status websocket and the stream file server.
type Server struct {
	// ctx outlives requests; reconciles started by the API use it so a
	// client disconnect does not abort the remaining starts.
	ctx      context.Context
	config   *config.Config
	cameras  *camera.Directory
	sup      *stream.Supervisor
	store    *hls.Store
	sessions *server.SessionManager
	commands *server.CommandHandler
	version  *VersionChecker
}

// NewServer returns a Server wired to the given components.
func NewServer(
	ctx context.Context,
	cfg *config.Config,
	cameras *camera.Directory,
	sup *stream.Supervisor,
	store *hls.Store,
	notifier *notify.StreamNotifier,
	version *VersionChecker,
) *Server {
	s := &Server{
		ctx:      ctx,
		config:   cfg,
		cameras:  cameras,
		sup:      sup,
		store:    store,
		sessions: server.NewSessionManager(),
		version:  version,
	}
	s.commands = server.NewCommandHandler(
		func() { s.sup.Reconcile(s.ctx) },
		func(id int, active bool) error {
			if _, err := s.cameras.SetActive(id, active); err != nil {
				return err
			}
			go s.sup.Reconcile(s.ctx)
			return nil
		},
		notifier.LogPath(),
		map[string]func() error{
			"webhook": notifier.Webhook().SendTest,
			"email":   func() error { return notify.SendTestEmail(notifier.Email()) },
			"log":     func() error { return notify.WriteTestLog(notifier.LogPath()) },
		},
	)
	return s
}

// Routes returns an [http.Handler] configured with all application routes.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Post("/api/login", s.handleLogin)
	r.Post("/api/logout", s.handleLogout)
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/streams", http.StripPrefix("/streams", s.store.Handler()))

	r.Group(func(r chi.Router) {
		r.Use(s.sessions.AuthMiddleware(s.config.AuthEnabled()))

		r.Get("/ws", s.handleWebSocket)
		r.Get("/api/streams", s.handleStreams)
		r.Get("/api/version", s.handleVersion)

		r.Route("/api/cameras", func(r chi.Router) {
			r.Get("/", s.handleActiveCameras)
			r.Get("/all", s.handleAllCameras)

			r.Group(func(r chi.Router) {
				r.Use(httprate.LimitByIP(mutationRateLimit, time.Minute))
				r.Post("/add", s.handleAddCamera)
				r.Post("/restart-streams", s.handleRestartStreams)
				r.Put("/{id}", s.handleSetActive)
				r.Put("/{id}/display-name", s.handleSetDisplayName)
				r.Put("/{id}/update", s.handleUpdateCamera)
				r.Delete("/{id}", s.handleDeleteCamera)
			})
		})
	})

	return r
}

// cameraView is a camera as returned by the API, with its positional id.
type cameraView struct {
	ID int `json:"id"`
	camera.Camera
}

// activeCameraView adds playback and live status to an active camera.
type activeCameraView struct {
	ID          int                 `json:"id"`
	Name        string              `json:"name"`
	DisplayName string              `json:"displayName"`
	IP          string              `json:"ip,omitempty"`
	HLSURL      string              `json:"hlsUrl"`
	Status      *types.StreamStatus `json:"status,omitempty"`
}

// liveCameras describes the cameras of the last reconciliation without
// their source URLs.
func liveCameras(cams []camera.Camera) []activeCameraView {
	views := make([]activeCameraView, 0, len(cams))
	for _, c := range cams {
		views = append(views, activeCameraView{
			ID:          c.Index,
			Name:        c.Name,
			DisplayName: c.Label(),
			IP:          c.IP,
			HLSURL:      "/streams/" + c.StreamID() + ".m3u8",
		})
	}
	return views
}

func viewOf(c camera.Camera) cameraView {
	return cameraView{ID: c.Index, Camera: c}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDirectoryError maps directory errors to status codes.
func writeDirectoryError(w http.ResponseWriter, err error) {
	var verr *util.ValidationError
	switch {
	case errors.Is(err, camera.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, camera.ErrDuplicateURL):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	default:
		slog.Error("camera directory error", "error", err)
		writeError(w, http.StatusInternalServerError, "camera directory unavailable")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 0 {
		writeError(w, http.StatusBadRequest, "invalid camera id")
		return 0, false
	}
	return id, true
}

func (s *Server) handleAllCameras(w http.ResponseWriter, _ *http.Request) {
	all, err := s.cameras.All()
	if err != nil {
		writeDirectoryError(w, err)
		return
	}
	views := make([]cameraView, 0, len(all))
	for _, c := range all {
		views = append(views, viewOf(c))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleActiveCameras(w http.ResponseWriter, _ *http.Request) {
	active, err := s.cameras.ListActive()
	if err != nil {
		writeDirectoryError(w, err)
		return
	}

	statuses := make(map[string]types.StreamStatus)
	for _, st := range s.sup.Statuses() {
		statuses[st.StreamID] = st
	}

	views := make([]activeCameraView, 0, len(active))
	for _, c := range active {
		v := activeCameraView{
			ID:          c.Index,
			Name:        c.Name,
			DisplayName: c.Label(),
			IP:          c.IP,
			HLSURL:      "/streams/" + c.StreamID() + ".m3u8",
		}
		// Only report status for the camera the entry was started for.
		if st, ok := statuses[c.StreamID()]; ok && st.SourceURL == camera.MaskCredentials(c.SourceURL) {
			v.Status = &st
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAddCamera(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		DisplayName string `json:"displayName"`
		SourceURL   string `json:"rtspUrl"`
		Active      *bool  `json:"active"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	c, err := s.cameras.Add(camera.Camera{Name: req.Name, DisplayName: req.DisplayName, SourceURL: req.SourceURL}, req.Active)
	if err != nil {
		writeDirectoryError(w, err)
		return
	}
	slog.Info("camera added", "id", c.Index, "camera", c.Name, "url", camera.MaskCredentials(c.SourceURL))

	if c.Active {
		s.sup.Reconcile(s.ctx)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": "camera added", "camera": viewOf(c)})
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Active *bool `json:"active"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Active == nil {
		writeError(w, http.StatusBadRequest, `"active" must be a boolean`)
		return
	}

	c, err := s.cameras.SetActive(id, *req.Active)
	if err != nil {
		writeDirectoryError(w, err)
		return
	}
	slog.Info("camera active state changed", "id", id, "camera", c.Name, "active", c.Active)

	s.sup.Reconcile(s.ctx)
	writeJSON(w, http.StatusOK, map[string]any{"message": "camera updated", "camera": viewOf(c)})
}

func (s *Server) handleSetDisplayName(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		DisplayName string `json:"displayName"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DisplayName == "" {
		writeError(w, http.StatusBadRequest, "displayName is required")
		return
	}

	// Display names never reach the transcoder, so streams keep running.
	c, err := s.cameras.SetDisplayName(id, req.DisplayName)
	if err != nil {
		writeDirectoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "display name updated", "camera": viewOf(c)})
}

func (s *Server) handleUpdateCamera(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var patch camera.Patch
	if !decodeBody(w, r, &patch) {
		return
	}

	before, err := s.cameras.Get(id)
	if err != nil {
		writeDirectoryError(w, err)
		return
	}
	c, err := s.cameras.Update(id, patch)
	if err != nil {
		writeDirectoryError(w, err)
		return
	}
	slog.Info("camera updated", "id", id, "camera", c.Name, "url", camera.MaskCredentials(c.SourceURL))

	if before.Active != c.Active || c.Active {
		s.sup.Reconcile(s.ctx)
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "camera updated", "camera": viewOf(c)})
}

func (s *Server) handleDeleteCamera(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	c, err := s.cameras.Delete(id)
	if err != nil {
		writeDirectoryError(w, err)
		return
	}
	slog.Info("camera deleted", "id", id, "camera", c.Name)

	if c.Active {
		s.sup.Reconcile(s.ctx)
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "camera deleted", "deletedCamera": viewOf(c)})
}

func (s *Server) handleRestartStreams(w http.ResponseWriter, _ *http.Request) {
	slog.Info("restarting all streams")
	cams := s.sup.Reconcile(s.ctx)

	names := make([]string, 0, len(cams))
	for _, c := range cams {
		names = append(names, c.Name)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":       "streams restarted",
		"activeCameras": names,
	})
}

func (s *Server) handleStreams(w http.ResponseWriter, _ *http.Request) {
	statuses := s.sup.Statuses()
	metrics.UpdateStreams(statuses)
	writeJSON(w, http.StatusOK, map[string]any{
		"generation": s.sup.Generation(),
		"streams":    statuses,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.version.GetInfo())
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.config.AuthEnabled() {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true})
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.sessions.Login(w, r, req.Username, req.Password, s.config.Web.Username, s.config.Web.Password) {
		slog.Warn("failed login attempt", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Logout(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// handleWebSocket pushes stream status to the client and runs its commands.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	client, err := server.UpgradeConnection(w, r)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}
	defer util.SafeCloseFunc(client, "WebSocket connection")()

	statusUpdate := make(chan struct{}, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			cmd, err := client.ReadCommand()
			if err != nil {
				return
			}
			s.commands.Handle(cmd, client, func() {
				select {
				case statusUpdate <- struct{}{}:
				default:
				}
			})
		}
	}()

	ticker := time.NewTicker(statusPushInterval)
	defer ticker.Stop()

	sendStatus := func() error {
		statuses := s.sup.Statuses()
		metrics.UpdateStreams(statuses)
		return client.WriteJSON(map[string]any{
			"type":       "status",
			"generation": s.sup.Generation(),
			"streams":    statuses,
			"cameras":    liveCameras(s.sup.Cameras()),
			"version":    s.version.GetInfo(),
		})
	}

	if err := sendStatus(); err != nil {
		return
	}

	for {
		select {
		case <-done:
			return
		case <-statusUpdate:
			if err := sendStatus(); err != nil {
				return
			}
		case <-ticker.C:
			if err := sendStatus(); err != nil {
				return
			}
		}
	}
}

// HTTPServer returns an *http.Server for the configured address.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.config.ListenAddr(),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
