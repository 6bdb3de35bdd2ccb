// Package app wires the loopcast subsystems into a running application.
//
// The App owns the full lifecycle: New creates the capture backend and the
// session controller, Start binds the HTTP listener and begins streaming,
// Stop ends the session and the server, and Close releases the backend.
//
// For testing, inject doubles via functional options (WithMetrics,
// WithMetricsHandler, WithLocalIP) and register mock backends in the
// [config.Registry] passed to New.
package app

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/loopcast/internal/config"
	"github.com/MrWong99/loopcast/internal/health"
	"github.com/MrWong99/loopcast/internal/observe"
	"github.com/MrWong99/loopcast/internal/session"
	"github.com/MrWong99/loopcast/internal/stream"
)

var (
	// ErrPortInUse is returned by Start when the listener cannot bind.
	ErrPortInUse = errors.New("app: port in use")

	// ErrAlreadyStarted is returned by Start while the app is serving.
	ErrAlreadyStarted = errors.New("app: already started")
)

const (
	readHeaderTimeout = 10 * time.Second

	// lanProbeAddr is dialled over UDP to learn which local address routes
	// to the outside world. No packet is sent.
	lanProbeAddr = "8.8.8.8:80"
	loopbackHost = "127.0.0.1"
)

//go:embed client.html
var clientPage []byte

// StartOptions selects what a Start streams and where.
type StartOptions struct {
	// Device overrides capture.device when non-empty.
	Device string

	// Port overrides the port of server.listen_addr when non-zero.
	Port int
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar makes config reloads adjust lv to the new log level.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithLogger sets the logger listener connections are logged to. Defaults
// to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithMetricsHandler serves h on /metrics instead of the Prometheus
// default registry. It is ignored when telemetry.metrics is disabled.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLocalIP replaces the LAN address detection used for the connection
// URL.
func WithLocalIP(fn func() string) Option {
	return func(a *App) { a.localIP = fn }
}

// App owns the capture backend, the session controller and the HTTP server.
// All methods are safe for concurrent use.
type App struct {
	registry       *config.Registry
	ctrl           *session.Controller
	metrics        *observe.Metrics
	level          *slog.LevelVar
	logger         *slog.Logger
	metricsHandler http.Handler
	localIP        func() string

	// failures carries fatal runtime errors: capture failures and server
	// errors. Buffered so reporting never blocks.
	failures chan error

	mu     sync.Mutex
	cfg    *config.Config
	device string
	srv    *http.Server
	addr   net.Addr
	url    string
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App capturing through the backend cfg.Capture.Backend
// names in reg. New does not touch the network or open any device.
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		registry: reg,
		cfg:      cfg,
		localIP:  LocalIP,
		failures: make(chan error, 1),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if !cfg.Telemetry.MetricsEnabled() {
		a.metricsHandler = nil
	} else if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	backend, err := reg.CreateBackend(cfg.Capture)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.ctrl = session.New(backend,
		session.WithConfig(sessionConfig(cfg)),
		session.WithMetrics(a.metrics),
	)
	return a, nil
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		PeriodFrames: cfg.Capture.PeriodFrames,
		SendTimeout:  cfg.Dispatch.SendTimeout,
	}
}

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.ctrl }

// Handler returns the HTTP surface: the client page, /config, /ws, the
// health probes and (when enabled) /metrics, wrapped in the telemetry
// middleware.
func (a *App) Handler() http.Handler {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()
	return a.handler(cfg)
}

func (a *App) handler(cfg *config.Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", a.serveClient)
	mux.HandleFunc("GET /config", a.serveConfig)
	mux.Handle("GET /ws", stream.Handler(a.ctrl,
		stream.WithOriginPatterns(cfg.Server.AllowedOrigins...),
		stream.WithLogger(a.logger),
	))
	health.New(
		[]health.Checker{{Name: "session", Check: a.checkSession}},
		health.WithStatus(a.status),
	).Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	return observe.Middleware(a.metrics)(mux)
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// Start binds the listener, starts a capture session and serves HTTP. It
// fails with [ErrPortInUse] when the port cannot be bound and with the
// session's error when the device cannot be resolved or opened; in both
// cases nothing is left running.
func (a *App) Start(ctx context.Context, opts StartOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.srv != nil {
		return ErrAlreadyStarted
	}

	addr := listenAddr(a.cfg.Server.ListenAddr, opts.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPortInUse, addr, err)
	}

	a.device = opts.Device
	if err := a.startSession(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("app: %w", err)
	}

	srv := &http.Server{
		Handler:           a.handler(a.cfg),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	a.srv = srv
	a.addr = ln.Addr()
	a.url = a.connectionURL(ln.Addr())
	go a.serve(srv, ln, a.cfg.Server.TLS)

	info, _ := a.ctrl.Info()
	slog.Info("app: streaming",
		"url", a.url,
		"device", info.Device.Name,
		"sample_rate", info.Format.SampleRate,
	)
	return nil
}

// startSession starts a session on the configured device. Caller must hold
// a.mu.
func (a *App) startSession(ctx context.Context) error {
	selection := a.device
	if selection == "" {
		selection = a.cfg.Capture.Device
	}
	if err := a.ctrl.Start(ctx, selection); err != nil {
		return err
	}
	go a.watchSession(a.ctrl.Done())
	return nil
}

// watchSession reports a capture failure once the session behind done ends.
func (a *App) watchSession(done <-chan struct{}) {
	<-done
	if err := a.ctrl.Err(); err != nil {
		a.fail(err)
	}
}

func (a *App) serve(srv *http.Server, ln net.Listener, tls *config.TLSConfig) {
	var err error
	if tls != nil {
		err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
	} else {
		err = srv.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.fail(fmt.Errorf("app: serve: %w", err))
	}
}

func (a *App) fail(err error) {
	select {
	case a.failures <- err:
	default:
		slog.Error("app: failure", "err", err)
	}
}

// Failures delivers errors that ended streaming while the app was running:
// a capture failure or the HTTP server exiting.
func (a *App) Failures() <-chan error { return a.failures }

// Stop ends the session, disconnecting every listener, and shuts the server
// down within ctx. Stop is a no-op when the app is not started; the app can
// be started again afterwards.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	srv := a.srv
	a.srv = nil
	a.addr = nil
	a.url = ""
	a.mu.Unlock()

	a.ctrl.Stop()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("app: shutdown: %w", err)
	}
	slog.Info("app: stopped")
	return nil
}

// Close stops the app and releases the capture backend.
func (a *App) Close(ctx context.Context) error {
	return errors.Join(a.Stop(ctx), a.ctrl.Backend().Close())
}

// Addr returns the bound listener address, or nil when not started.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// URL returns the connection URL listeners open, or "" when not started.
func (a *App) URL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.url
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies a reloaded configuration. It is meant as the
// [config.Watcher] callback. Log level changes apply in place; capture or
// dispatch changes restart a running session, recreating the backend when
// its settings changed. Server and telemetry changes only take effect after
// a process restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.RequiresProcessRestart() {
		slog.Warn("app: server or telemetry settings changed; restart loopcast to apply them")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = new
	if !d.RestartSession() {
		return
	}
	a.ctrl.SetConfig(sessionConfig(new))

	serving := a.srv != nil
	if serving {
		a.ctrl.Stop()
	}
	if backendChanged(old.Capture, new.Capture) {
		b, err := a.registry.CreateBackend(new.Capture)
		if err != nil {
			slog.Error("app: keeping previous backend", "err", err)
		} else if prev := a.ctrl.SetBackend(b); prev != nil {
			if err := prev.Close(); err != nil {
				slog.Warn("app: close previous backend", "backend", prev.Name(), "err", err)
			}
		}
	}
	if !serving {
		return
	}
	if err := a.startSession(context.Background()); err != nil {
		a.fail(fmt.Errorf("app: restart session: %w", err))
		return
	}
	slog.Info("app: session restarted for new configuration")
}

func backendChanged(old, new config.CaptureConfig) bool {
	return old.Backend != new.Backend ||
		old.SineFrequency != new.SineFrequency ||
		old.SineSampleRate != new.SineSampleRate ||
		old.SineChannels != new.SineChannels
}

// ─── HTTP handlers ───────────────────────────────────────────────────────────

// streamConfig is the body of GET /config.
type streamConfig struct {
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Format     string `json:"format"`
	Running    bool   `json:"running"`
}

func (a *App) serveConfig(w http.ResponseWriter, _ *http.Request) {
	body := streamConfig{
		SampleRate: a.ctrl.SampleRate(),
		Channels:   2,
		Format:     "s16le",
		Running:    a.ctrl.State() == session.StateRunning,
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("app: write /config", "err", err)
	}
}

func (a *App) serveClient(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(clientPage)
}

func (a *App) checkSession(_ context.Context) error {
	if s := a.ctrl.State(); s != session.StateRunning {
		return fmt.Errorf("%w (%s)", session.ErrNotRunning, s)
	}
	return nil
}

func (a *App) status() health.Status {
	s := health.Status{
		State:       a.ctrl.State().String(),
		SampleRate:  a.ctrl.SampleRate(),
		Subscribers: a.ctrl.Subscribers(),
		FramesShed:  a.ctrl.ShedFrames(),
	}
	if info, ok := a.ctrl.Info(); ok {
		s.Device = info.Device.Name
		s.Uptime = time.Since(info.StartedAt).Round(time.Second).String()
	}
	if err := a.ctrl.Err(); err != nil {
		s.LastError = err.Error()
	}
	return s
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// listenAddr replaces the port of base when port is non-zero.
func listenAddr(base string, port int) string {
	if port == 0 {
		return base
	}
	host, _, err := net.SplitHostPort(base)
	if err != nil {
		host = ""
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (a *App) connectionURL(addr net.Addr) string {
	host := a.cfg.Server.PublicHost
	if host == "" {
		host = a.localIP()
	}
	port := ""
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = strconv.Itoa(tcp.Port)
	}
	scheme := "http"
	if a.cfg.Server.TLS != nil {
		scheme = "https"
	}
	return (&url.URL{Scheme: scheme, Host: net.JoinHostPort(host, port), Path: "/"}).String()
}

// LocalIP returns the machine's LAN address, or 127.0.0.1 when it has no
// route off the host.
func LocalIP() string {
	conn, err := net.Dial("udp", lanProbeAddr)
	if err != nil {
		return loopbackHost
	}
	defer conn.Close()
	if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok && !ua.IP.IsUnspecified() {
		return ua.IP.String()
	}
	return loopbackHost
}
