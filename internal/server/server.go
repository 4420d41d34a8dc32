package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"

	"github.com/audiolibrelab/soundrecorder/internal/catalog"
	"github.com/audiolibrelab/soundrecorder/internal/service"
)

const (
	eventBuffer  = 64
	writeTimeout = 5 * time.Second
)

// Server represents the web server for controlling SoundRecorder
type Server struct {
	service service.Service
	fs      afero.Fs
	host    string
	port    string
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	service.Status
	Message string `json:"message,omitempty"`
}

// RecordingsResponse lists the catalog.
type RecordingsResponse struct {
	Recordings []catalog.Entry `json:"recordings"`
	Count      int             `json:"count"`
}

// New creates a new web server instance. Recordings are streamed from fs,
// the disk when nil.
func New(svc service.Service, fs afero.Fs, host, port string) *Server {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Server{
		service: svc,
		fs:      fs,
		host:    host,
		port:    port,
	}
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/record", s.handleRecord)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/play", s.handlePlay)
	mux.HandleFunc("/pause", s.post(s.service.PausePlayback, "Playback paused"))
	mux.HandleFunc("/delete", s.post(s.service.Delete, "Sample deleted"))
	mux.HandleFunc("/clear", s.post(s.service.Clear, "Sample cleared"))
	mux.HandleFunc("/reset", s.post(s.service.Reset, "Session reset"))
	mux.HandleFunc("/rename", s.handleRename)
	mux.HandleFunc("/lifecycle/pause", s.post(s.service.Pause, "Surface paused"))
	mux.HandleFunc("/lifecycle/resume", s.post(s.service.Resume, "Surface resumed"))
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/api/recordings", s.handleRecordings)
	mux.HandleFunc("/api/recordings/", s.handleRecordingStream)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(s.host, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting SoundRecorder Web Server",
		"addr", srv.Addr,
		"local_url", fmt.Sprintf("http://%s:%s", getLocalIP(), s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		slog.Info("Shutting down web server")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down web server: %w", err)
		}
		return nil
	}
}

// handleIndex serves a short help page
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
    <title>SoundRecorder</title>
</head>
<body>
    <h1>SoundRecorder</h1>
    <h2>API Endpoints:</h2>
    <ul>
        <li>POST /record - Start recording (name, format, high_quality, max_bytes, overwrite)</li>
        <li>POST /stop - Stop and save the sample</li>
        <li>POST /play - Play the sample (percentage)</li>
        <li>POST /pause - Pause playback</li>
        <li>POST /delete, /clear, /reset - Sample operations</li>
        <li>POST /rename - Rename the sample (name)</li>
        <li>POST /lifecycle/pause, /lifecycle/resume - Surface lifecycle</li>
        <li>GET /status - Current status</li>
        <li>GET /api/recordings - Saved recordings</li>
        <li>GET /api/recordings/{ref} - Stream a recording</li>
        <li>GET /api/events - Event stream (websocket)</li>
        <li>GET /metrics - Prometheus metrics</li>
    </ul>
</body>
</html>`

// handleRecord starts a recording
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form", "operation", "record")
		return
	}

	name := r.FormValue("name")
	format := r.FormValue("format")
	slog.Debug("Record request received", "name", name, "format", format)

	var opts service.RecordOptions
	opts.Format = format
	if v := r.FormValue("high_quality"); v != "" {
		hq, err := strconv.ParseBool(v)
		if err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "high_quality must be a boolean", "value", v)
			return
		}
		opts.HighQuality = &hq
	}
	if v := r.FormValue("max_bytes"); v != "" {
		maxBytes, err := strconv.ParseInt(v, 10, 64)
		if err != nil || maxBytes < -1 {
			s.sendErrorResponse(w, http.StatusBadRequest, "max_bytes must be -1 or a non-negative integer", "value", v)
			return
		}
		opts.MaxBytes = &maxBytes
	}

	opts.Overwrite, _ = strconv.ParseBool(r.FormValue("overwrite"))
	if !opts.Overwrite && s.service.RecordExists(name, format) {
		s.sendErrorResponse(w, http.StatusConflict,
			fmt.Sprintf("Recording '%s' already exists", name),
			"name", name, "operation", "record")
		return
	}

	if err := s.service.StartRecording(name, opts); err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, service.ErrStorageFull):
			status = http.StatusInsufficientStorage
		case errors.Is(err, service.ErrStorageUnavailable):
			status = http.StatusServiceUnavailable
		}
		s.sendErrorResponse(w, status,
			fmt.Sprintf("Failed to start recording: %v", err),
			"name", name, "operation", "record")
		return
	}

	sendJSON(w, map[string]interface{}{
		"success": true,
		"message": "Recording requested",
		"name":    name,
	})
}

// handleStop stops recording or playback and saves the sample
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	s.service.Finish()
	sendJSON(w, map[string]interface{}{
		"success": true,
		"message": "Stopped",
	})
}

// handlePlay starts or resumes playback
func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form", "operation", "play")
		return
	}

	var percentage *float64
	if v := r.FormValue("percentage"); v != "" {
		p, err := strconv.ParseFloat(v, 64)
		if err != nil || p < 0 || p > 1 {
			s.sendErrorResponse(w, http.StatusBadRequest, "percentage must be between 0 and 1", "value", v)
			return
		}
		percentage = &p
	}

	s.service.StartPlayback(percentage)
	sendJSON(w, map[string]interface{}{
		"success": true,
		"message": "Playback requested",
	})
}

// handleRename renames the sample file
func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form", "operation", "rename")
		return
	}
	name := r.FormValue("name")
	if name == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Name is required", "operation", "rename")
		return
	}

	s.service.Rename(name)
	sendJSON(w, map[string]interface{}{
		"success": true,
		"message": "Rename requested",
		"sample":  s.service.Status().SampleFile,
	})
}

// post wraps a no-argument service operation.
func (s *Server) post(op func(), message string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		op()
		sendJSON(w, map[string]interface{}{
			"success": true,
			"message": message,
		})
	}
}

// handleStatus returns the current status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	status := s.service.Status()
	sendJSON(w, StatusResponse{
		Status:  status,
		Message: generateStatusMessage(status),
	})
}

// handleRecordings lists saved recordings, newest first
func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	entries, err := s.service.Recordings()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list recordings: %v", err), "operation", "list_recordings")
		return
	}
	if entries == nil {
		entries = []catalog.Entry{}
	}
	sendJSON(w, RecordingsResponse{Recordings: entries, Count: len(entries)})
}

// handleRecordingStream streams a saved recording by catalog reference
func (s *Server) handleRecordingStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ref := strings.TrimPrefix(r.URL.Path, "/api/recordings/")
	if ref == "" || strings.ContainsAny(ref, "/\\") {
		http.Error(w, "Invalid recording reference", http.StatusBadRequest)
		return
	}

	entries, err := s.service.Recordings()
	if err != nil {
		http.Error(w, "Error reading catalog", http.StatusInternalServerError)
		return
	}
	var entry *catalog.Entry
	for i := range entries {
		if entries[i].Ref == ref {
			entry = &entries[i]
			break
		}
	}
	if entry == nil || entry.Missing {
		http.Error(w, "Recording not found", http.StatusNotFound)
		return
	}

	file, err := s.fs.Open(entry.Path)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "Recording not found", http.StatusNotFound)
		} else {
			http.Error(w, "Error opening file", http.StatusInternalServerError)
		}
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		http.Error(w, "Error accessing file", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", entry.MimeType)
	w.Header().Set("Accept-Ranges", "bytes")
	http.ServeContent(w, r, entry.Name, info.ModTime(), file)
}

// handleEvents streams notifications over a websocket until the client leaves.
// Slow clients lose notifications rather than stalling the session.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())

	events := make(chan service.Notification, eventBuffer)
	unsubscribe := s.service.Subscribe(func(n service.Notification) {
		select {
		case events <- n:
		default:
			slog.Warn("Dropping notification for slow websocket client", "type", n.Type)
		}
	})
	defer unsubscribe()

	slog.Debug("Event stream opened", "remote", r.RemoteAddr)

	status := s.service.Status()
	if err := s.write(ctx, conn, service.Notification{Type: service.NotifyState, State: status.State}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Event stream closed", "remote", r.RemoteAddr)
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case n := <-events:
			if err := s.write(ctx, conn, n); err != nil {
				slog.Debug("Event stream write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, n service.Notification) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, n)
}

// generateStatusMessage creates appropriate status messages based on current state
func generateStatusMessage(status service.Status) string {
	if status.LastError != "" {
		return status.LastError
	}
	switch status.State {
	case "recording":
		if status.RemainingSeconds > 0 {
			return fmt.Sprintf("Recording in progress - %s left", formatSeconds(status.RemainingSeconds))
		}
		return "Recording in progress"
	case "playing":
		return "Playing"
	case "paused":
		return "Playback paused"
	default:
		return ""
	}
}

func formatSeconds(seconds int64) string {
	return (time.Duration(seconds) * time.Second).String()
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   "Method not allowed",
	})
	return false
}

func sendJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// sendErrorResponse logs the error and sends a JSON error response to the client
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

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
