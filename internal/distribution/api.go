package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/camrelay/internal/media"
	"github.com/zsiec/camrelay/internal/stats"
)

// mjpegBoundary separates parts of the /stream.mjpg response.
const mjpegBoundary = "camrelayframe"

// wsWriteTimeout bounds a single WebSocket frame write.
const wsWriteTimeout = 10 * time.Second

// StatsProvider supplies the relay-wide counters for /api/stats.
type StatsProvider interface {
	Snapshot() stats.Snapshot
}

// SourceInfo describes one connected producer, returned by /api/sources.
type SourceInfo struct {
	Key           string `json:"key"`
	Protocol      string `json:"protocol"`
	RemoteAddr    string `json:"remoteAddr"`
	BytesReceived int64  `json:"bytesReceived"`
	Frames        int64  `json:"frames"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
}

// SourceLister returns the currently connected producers.
type SourceLister func() []SourceInfo

// APIConfig holds the configuration for the HTTP API.
type APIConfig struct {
	Addr    string
	Relay   *Relay
	Stats   StatsProvider
	Gauge   ConsumerGauge
	Sources SourceLister
	Log     *slog.Logger
}

// API serves relay statistics plus browser-friendly viewer endpoints:
// a JPEG snapshot, an MJPEG stream and a WebSocket stream.
type API struct {
	log      *slog.Logger
	config   APIConfig
	upgrader websocket.Upgrader
}

// StatsResponse is the JSON body of /api/stats.
type StatsResponse struct {
	stats.Snapshot
	Viewers     int               `json:"viewers"`
	Published   int64             `json:"published"`
	LatestBytes int               `json:"latestBytes"`
	Subscribers []SubscriberStats `json:"subscribers"`
}

// NewAPI creates an API. It returns an error if required fields are missing.
func NewAPI(config APIConfig) (*API, error) {
	if config.Relay == nil {
		return nil, errors.New("distribution: Relay is required")
	}
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	return &API{
		log:    log.With("component", "api"),
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			// Any origin may watch.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}, nil
}

// Handler returns the http.Handler with every API route registered.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/stats", a.handleStats)
	mux.HandleFunc("GET /api/sources", a.handleSources)
	mux.HandleFunc("GET /snapshot.jpg", a.handleSnapshot)
	mux.HandleFunc("GET /stream.mjpg", a.handleMJPEG)
	mux.HandleFunc("GET /ws", a.handleWebSocket)
	return corsMiddleware(mux)
}

// Start serves the API on config.Addr until ctx is cancelled. Requests
// inherit ctx, so streaming viewers end when the relay shuts down.
func (a *API) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.config.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	l, err := net.Listen("tcp", a.config.Addr)
	if err != nil {
		return fmt.Errorf("API listen on %s: %w", a.config.Addr, err)
	}
	a.log.Info("HTTP API listening", "addr", l.Addr().String())

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server: %w", err)
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (a *API) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := StatsResponse{
		Viewers:     a.config.Relay.ViewerCount(),
		Published:   a.config.Relay.Published(),
		Subscribers: a.config.Relay.SubscriberStats(),
	}
	if a.config.Stats != nil {
		resp.Snapshot = a.config.Stats.Snapshot()
	}
	if latest := a.config.Relay.Latest(); latest != nil {
		resp.LatestBytes = latest.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSources(w http.ResponseWriter, _ *http.Request) {
	var resp []SourceInfo
	if a.config.Sources != nil {
		resp = a.config.Sources()
	}
	if resp == nil {
		resp = make([]SourceInfo, 0)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	latest := a.config.Relay.Latest()
	if latest == nil {
		writeError(w, http.StatusNotFound, "no frame received yet")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(latest.Len()))
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(latest.Data)
}

func (a *API) handleMJPEG(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(mjpegBoundary); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sess := NewSession(SessionConfig{
		Relay:      a.config.Relay,
		Writer:     &mjpegWriter{mw: mw, flusher: flusher},
		Gauge:      a.config.Gauge,
		Transport:  "mjpeg",
		RemoteAddr: r.RemoteAddr,
		Log:        a.log,
	})
	if err := sess.Run(r.Context()); err != nil {
		a.log.Debug("mjpeg viewer ended", "remote", r.RemoteAddr, "error", err)
	}
}

// mjpegWriter emits each frame as one multipart/x-mixed-replace part.
type mjpegWriter struct {
	mw      *multipart.Writer
	flusher http.Flusher
}

func (m *mjpegWriter) WriteFrame(frame *media.Frame) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", "image/jpeg")
	h.Set("Content-Length", strconv.Itoa(frame.Len()))
	part, err := m.mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := part.Write(frame.Data); err != nil {
		return err
	}
	m.flusher.Flush()
	return nil
}

func (a *API) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Viewers send nothing; reading surfaces close frames and dead peers.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sess := NewSession(SessionConfig{
		Relay:      a.config.Relay,
		Writer:     wsWriter{conn},
		Gauge:      a.config.Gauge,
		Transport:  "websocket",
		RemoteAddr: r.RemoteAddr,
		Log:        a.log,
	})
	if err := sess.Run(ctx); err != nil {
		a.log.Debug("websocket viewer ended", "remote", r.RemoteAddr, "error", err)
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
		time.Now().Add(time.Second))
}

// wsWriter sends each frame as one binary WebSocket message.
type wsWriter struct {
	conn *websocket.Conn
}

func (w wsWriter) WriteFrame(frame *media.Frame) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, frame.Data)
}
