package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/audiolibrelab/camcapture/internal/capture"
	"github.com/audiolibrelab/camcapture/internal/config"
	"github.com/audiolibrelab/camcapture/internal/recording"
	"github.com/audiolibrelab/camcapture/internal/service"
)

const shutdownTimeout = 5 * time.Second

// Server is the local HTTP control surface of CamCapture
type Server struct {
	service    service.Service
	configFile string
	listen     string
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Status    string                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Recording bool                   `json:"recording"`
	Session   *recording.SessionInfo `json:"session,omitempty"`
	Preview   string                 `json:"preview_source,omitempty"`
	Profile   string                 `json:"active_profile"`
	Backend   string                 `json:"backend"`
	LastError string                 `json:"last_error,omitempty"`
}

// ArtifactsResponse represents the JSON response for artifacts endpoint
type ArtifactsResponse struct {
	Artifacts []recording.Artifact `json:"artifacts"`
}

// SourcesResponse represents the JSON response for sources endpoint
type SourcesResponse struct {
	Backend string   `json:"backend"`
	Sources []string `json:"sources"`
}

// New creates a server driving svc. listen is a host:port address.
func New(svc service.Service, configFile, listen string) *Server {
	if listen == "" {
		listen = config.DefaultListen
	}
	return &Server{
		service:    svc,
		configFile: configFile,
		listen:     listen,
	}
}

// Handler returns the routes of the control surface
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/start", s.handleStartRecording)
	mux.HandleFunc("/stop", s.handleStopRecording)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/options", s.handleOptions)
	mux.HandleFunc("/sources", s.handleSources)
	mux.HandleFunc("/artifacts", s.handleArtifacts)
	mux.HandleFunc("/artifacts/", s.handleArtifactContent)
	mux.HandleFunc("/config/profiles", s.handleProfiles)
	mux.HandleFunc("/config/select", s.handleSelectProfile)
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting CamCapture Web Server", "url", fmt.Sprintf("http://%s", s.listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down CamCapture Web Server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleIndex serves the main web UI
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(indexHTML))
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>CamCapture</title>
</head>
<body>
    <h1>CamCapture</h1>
    <h2>API Endpoints:</h2>
    <ul>
        <li>POST /start - Start recording (resolution, bit_rate, frame_rate)</li>
        <li>POST /stop - Stop recording</li>
        <li>GET /status - Get status</li>
        <li>GET /options - Selectable capture options</li>
        <li>GET /sources - Camera sources</li>
        <li>GET /artifacts - Recordings of this session</li>
        <li>GET /artifacts/{id}/content - Play a recording</li>
        <li>GET /config/profiles - List profiles</li>
        <li>POST /config/select - Switch profile</li>
    </ul>
</body>
</html>`

// handleStartRecording starts a session (IDLE -> ACQUIRING -> RECORDING)
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form", "error", err)
		return
	}

	overrides := capture.CaptureConfig{
		Resolution: capture.Resolution(r.FormValue("resolution")),
		BitRate:    capture.BitRate(r.FormValue("bit_rate")),
		FrameRate:  capture.FrameRate(r.FormValue("frame_rate")),
	}
	slog.Debug("Start recording request", "resolution", overrides.Resolution, "bit_rate", overrides.BitRate, "frame_rate", overrides.FrameRate)

	if err := s.service.StartRecording(r.Context(), overrides); err != nil {
		status := http.StatusInternalServerError
		var devErr *capture.PermissionOrDeviceError
		switch {
		case errors.Is(err, recording.ErrSessionActive):
			status = http.StatusConflict
		case errors.As(err, &devErr):
			status = http.StatusServiceUnavailable
		case errors.Is(err, recording.ErrInvalidConfig):
			status = http.StatusBadRequest
		}
		s.sendErrorResponse(w, status, fmt.Sprintf("Failed to start recording: %v", err),
			"operation", "start_recording")
		return
	}

	state, session := s.service.GetRecordingStatus()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": "Recording started",
		"status":  string(state),
		"session": session,
	})
}

// handleStopRecording stops the active session. The artifact shows up once
// the capture engine confirms the stop.
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := s.service.StopRecording(); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to stop recording: %v", err),
			"operation", "stop_recording")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": "Recording stopped",
	})
}

// handleStatus returns the current status and session info
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	state, session := s.service.GetRecordingStatus()
	response := StatusResponse{
		Status:    string(state),
		Message:   generateStatusMessage(state, session),
		Recording: s.service.IsRecording(),
		Session:   session,
		Preview:   s.service.GetPreviewSource(),
		Profile:   s.service.GetConfig().Profile,
		Backend:   string(s.service.GetBackendType()),
		LastError: s.service.GetLastError(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func generateStatusMessage(state recording.State, session *recording.SessionInfo) string {
	switch state {
	case recording.StateIdle:
		return "Ready to record"
	case recording.StateAcquiring:
		return "Waiting for camera access"
	case recording.StateRecording:
		if session != nil {
			return fmt.Sprintf("Recording since %s", session.StartedAt.Format(time.Kitchen))
		}
		return "Recording"
	case recording.StateFinalizing:
		return "Assembling recording"
	default:
		return ""
	}
}

// handleOptions returns the selectable capture parameters
func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.service.GetOptions())
}

// handleSources lists the camera sources of the active backend
func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	sources, err := s.service.ListSources(r.Context())
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list sources: %v", err), "operation", "list_sources")
		return
	}
	if sources == nil {
		sources = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SourcesResponse{
		Backend: string(s.service.GetBackendType()),
		Sources: sources,
	})
}

// handleArtifacts lists the recordings made in this process, oldest first
func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	artifacts := s.service.ListArtifacts()
	if artifacts == nil {
		artifacts = []recording.Artifact{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ArtifactsResponse{Artifacts: artifacts})
}

// handleArtifactContent serves /artifacts/{id}/content for local playback
func (s *Server) handleArtifactContent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, ok := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/artifacts/"), "/content")
	if !ok || id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	content, artifact, err := s.service.OpenArtifact(id)
	if err != nil {
		if errors.Is(err, recording.ErrArtifactNotFound) {
			http.Error(w, "Artifact not found", http.StatusNotFound)
		} else {
			slog.Error("Failed to open artifact", "id", id, "error", err)
			http.Error(w, "Error opening artifact", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", artifact.MimeType)
	http.ServeContent(w, r, artifact.Name, artifact.CreatedAt, content)
}

// handleProfiles returns available configuration profiles
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	profiles, active, err := config.ListProfiles(s.configFile)
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to read profiles: %v", err), "config_file", s.configFile)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"profiles": profiles,
		"active":   active,
		"loaded":   s.service.GetConfig().Profile,
	})
}

// handleSelectProfile loads another profile and makes it the active one
func (s *Server) handleSelectProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form", "error", err)
		return
	}

	profile := r.FormValue("profile")
	slog.Debug("Profile selection request", "profile", profile)
	if profile == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Profile name required")
		return
	}

	if err := s.service.LoadProfile(profile); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, recording.ErrSessionActive) {
			status = http.StatusConflict
		}
		s.sendErrorResponse(w, status, err.Error(), "profile", profile, "operation", "profile_selection")
		return
	}

	if err := config.UpdateActiveConfig(s.configFile, profile); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to save profile selection to config file: %v", err),
			"profile", profile)
		return
	}

	slog.Info("Profile changed", "profile", profile)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Profile changed to %s", profile),
		"profile": profile,
	})
}

// sendErrorResponse sends a standardized JSON error response and logs the error
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}
