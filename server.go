package meterproof

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HeaderPersisted carries whether a metered record reached the store.
const HeaderPersisted = "X-Meterproof-Persisted"

// HeaderRequestID carries the request id echoed on every response.
const HeaderRequestID = "X-Request-ID"

// Headers carrying the Receipt of a metered record.
const (
	HeaderReceiptCID = "X-Meterproof-Receipt-Cid"
	HeaderReceiptSig = "X-Meterproof-Receipt-Sig"
	HeaderReceiptKID = "X-Meterproof-Receipt-Kid"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 8 << 20

// Server exposes a Service over HTTP.
type Server struct {
	svc          *Service
	logger       *slog.Logger
	reportWindow time.Duration
	now          func() time.Time
	tlsConfig    *tls.Config

	mu        sync.Mutex
	ready     chan struct{}
	readyOnce sync.Once
	addr      net.Addr
}

// NewServer creates a server for svc. A nil logger uses slog.Default.
func NewServer(svc *Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		svc:          svc,
		logger:       logger,
		reportWindow: 24 * time.Hour,
		now:          time.Now,
		ready:        make(chan struct{}),
	}
}

// SetTLSConfig clones cfg and stores it for use when serving HTTPS requests.
// If cfg is nil a default configuration will be used.
func (s *Server) SetTLSConfig(cfg *tls.Config) {
	if cfg == nil {
		s.tlsConfig = nil
		return
	}
	s.tlsConfig = cfg.Clone()
}

// SetReportWindow sets the look-back used by the report endpoint when the
// request names no bounds.
func (s *Server) SetReportWindow(d time.Duration) {
	if d > 0 {
		s.reportWindow = d
	}
}

// SetupRoutes configures HTTP routes on mux.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.HandleHealth)
	mux.HandleFunc("GET /.well-known/jwks.json", s.HandleJWKS)
	mux.HandleFunc("POST /v1/meter", s.HandleMeter)
	mux.HandleFunc("GET /v1/usage/{tenant}/export", s.HandleExport)
	mux.HandleFunc("GET /v1/usage/{tenant}/report", s.HandleReport)
	mux.HandleFunc("POST /v1/verify", s.HandleVerify)
}

// Handler returns the routed handler wrapped with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return s.logRequests(mux)
}

// HandleHealth handles GET /healthz.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"signer": s.svc.Signer() != nil,
		"store":  s.svc.StoreBackend(),
		"ts":     FormatTimestamp(s.now()),
	})
}

// HandleJWKS handles GET /.well-known/jwks.json.
func (s *Server) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	ks, err := s.svc.KeySet()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ks)
}

// HandleMeter handles POST /v1/meter. The body is a JSON usage event; the
// response is the signed record in the format named by Accept, with its
// Receipt in the X-Meterproof-Receipt-* headers.
func (s *Server) HandleMeter(w http.ResponseWriter, r *http.Request) {
	var u UsageInput
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(&u); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: decode usage: %v", ErrValidation, err))
		return
	}

	res, err := s.svc.Record(u)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rc, err := s.svc.Receipt(res.Record)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f := FormatForContentType(r.Header.Get("Accept"))
	data, err := EncodeRecord(res.Record, f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set(HeaderPersisted, strconv.FormatBool(res.Persisted))
	w.Header().Set(HeaderReceiptCID, rc.CID)
	w.Header().Set(HeaderReceiptSig, rc.Sig)
	w.Header().Set(HeaderReceiptKID, rc.KID)
	writeBody(w, http.StatusCreated, f, data)
}

// HandleExport handles GET /v1/usage/{tenant}/export?since=&until=.
func (s *Server) HandleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	b, err := s.svc.Export(r.PathValue("tenant"), Range{Since: q.Get("since"), Until: q.Get("until")})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	f := FormatForContentType(r.Header.Get("Accept"))
	if name := q.Get("format"); name != "" {
		if f, err = ParseFormat(name); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	data, err := EncodeBundle(b, f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeBody(w, http.StatusOK, f, data)
}

// HandleReport handles GET /v1/usage/{tenant}/report?since=&until=. With
// neither bound set it covers the configured report window up to now.
func (s *Server) HandleReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, until := q.Get("since"), q.Get("until")
	if since == "" && until == "" {
		now := s.now()
		since = FormatTimestamp(now.Add(-s.reportWindow))
		until = FormatTimestamp(now)
	}
	rep, err := s.svc.Report(r.PathValue("tenant"), since, until)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// VerifyResponse is the body returned by POST /v1/verify.
type VerifyResponse struct {
	OK      bool   `json:"ok"`
	Verdict string `json:"verdict"`
}

// HandleVerify handles POST /v1/verify. The document format follows the
// request Content-Type.
func (s *Server) HandleVerify(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: read body: %v", ErrValidation, err))
		return
	}
	vd, err := s.svc.Check(body, FormatForContentType(r.Header.Get("Content-Type")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{
		OK:      s.svc.Verifier().Passes(vd),
		Verdict: vd.String(),
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", w.Header().Get(HeaderRequestID),
			"error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeBody(w http.ResponseWriter, status int, f Format, data []byte) {
	w.Header().Set("Content-Type", f.ContentType())
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// logRequests tags each request with an id and logs one line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"request_id", id,
			"duration", time.Since(start))
	})
}

func (s *Server) tlsConfigWithDefaults() *tls.Config {
	if s.tlsConfig == nil {
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cfg := s.tlsConfig.Clone()
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return cfg
}

// Ready returns a channel closed once Serve has bound its listener.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound listen address. Only valid after Ready is closed.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Serve listens on addr and serves until ctx is cancelled, then shuts down
// gracefully. It serves HTTPS when certFile and keyFile are both set.
func (s *Server) Serve(ctx context.Context, addr, certFile, keyFile string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })

	server := &http.Server{
		Handler:           s.Handler(),
		TLSConfig:         s.tlsConfigWithDefaults(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	tlsOn := certFile != "" && keyFile != ""
	s.logger.Info("http server listening", "address", ln.Addr().String(), "tls", tlsOn)

	serveDone := make(chan error, 1)
	go func() {
		var err error
		if tlsOn {
			err = server.ServeTLS(ln, certFile, keyFile)
		} else {
			err = server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}
