package gatehouse

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
)

// TLSMaterial supplies the certificate either from files or inline PEM.
// File paths win when both are set.
type TLSMaterial struct {
	CertFile string
	KeyFile  string
	CertPEM  []byte
	KeyPEM   []byte
}

// Load returns the certificate. Renewal is out-of-band: restart to pick
// up new material.
func (m TLSMaterial) Load() (tls.Certificate, error) {
	if m.CertFile != "" || m.KeyFile != "" {
		return tls.LoadX509KeyPair(m.CertFile, m.KeyFile)
	}
	if len(m.CertPEM) > 0 {
		return tls.X509KeyPair(m.CertPEM, m.KeyPEM)
	}
	return tls.Certificate{}, errors.New("no certificate material configured")
}

// Server terminates TLS on the service port, answers plaintext with
// redirects, and optionally exposes the admin endpoints.
type Server struct {
	// Handler serves the TLS port, normally a *Gatehouse.
	Handler http.Handler

	Listen     string
	ListenHTTP string
	Admin      string

	TLS          TLSMaterial
	AdminHandler http.Handler
}

// Run binds the listeners and serves until ctx is cancelled. Readiness
// is the successful return from bind and certificate load; an error
// before that point is fatal to the caller.
func (s *Server) Run(ctx context.Context) error {
	cert, err := s.TLS.Load()
	if err != nil {
		return fmt.Errorf("load certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}

	srv := &http.Server{
		Addr:              s.Listen,
		Handler:           withRequestLogging(s.Handler),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       90 * time.Second,
	}
	// h2 over TLS via ALPN
	if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
		return fmt.Errorf("configure http2: %w", err)
	}

	ln, err := net.Listen("tcp", s.Listen)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.Listen, err)
	}
	log.Info().Str("addr", s.Listen).Msg("TLS listener ready")

	servers := []*http.Server{srv}
	errc := make(chan error, 3)
	go func() {
		errc <- srv.Serve(tls.NewListener(ln, srv.TLSConfig))
	}()

	if s.ListenHTTP != "" {
		_, tlsPort, _ := net.SplitHostPort(s.Listen)
		redirect := &http.Server{
			Addr:              s.ListenHTTP,
			Handler:           NewRedirectHandler(tlsPort),
			ReadHeaderTimeout: 15 * time.Second,
		}
		servers = append(servers, redirect)
		go func() {
			log.Info().Str("addr", s.ListenHTTP).Msg("Plaintext redirect listener ready")
			errc <- redirect.ListenAndServe()
		}()
	}

	if s.Admin != "" && s.AdminHandler != nil {
		adminSrv := &http.Server{
			Addr:              s.Admin,
			Handler:           s.AdminHandler,
			ReadHeaderTimeout: 15 * time.Second,
		}
		servers = append(servers, adminSrv)
		go func() {
			log.Info().Str("addr", s.Admin).Msg("Admin listener ready")
			errc <- adminSrv.ListenAndServe()
		}()
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, server := range servers {
			server.Shutdown(shutdownCtx)
		}
		return nil
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// withRequestLogging wraps a handler with the hlog middleware chain:
// per-request child logger, request id, and an access log line with the
// cache outcome.
func withRequestLogging(next http.Handler) http.Handler {
	chain := hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("host", r.Host).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("latency", duration).
			Msg("Request served")
	})(next)
	chain = hlog.RequestIDHandler("request_id", "X-Request-Id")(chain)
	return hlog.NewHandler(log.Logger)(chain)
}
