// Package server owns the inbound listeners of the proxy.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/libp2p/go-reuseport"
	"github.com/mir00r/bulu/pkg/logger"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
)

// Config describes how the proxy listens
type Config struct {
	Host    string
	Proto   string
	PemPath string
	KeyPath string
	// Listeners is the number of SO_REUSEPORT sockets; 0 means one per CPU
	Listeners int
	// MaxConns caps concurrent client connections; 0 means unlimited
	MaxConns int
}

// Server serves one handler on several listeners sharing an address.
// HTTP/2 is disabled so every client connection is HTTP/1.1.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *logger.Logger
	listeners  []net.Listener
	errCh      chan error
	wg         sync.WaitGroup
}

// New creates a server; nothing is bound until Start
func New(config Config, handler http.Handler, log *logger.Logger) *Server {
	slog := log.ServerLogger()
	return &Server{
		config: config,
		logger: slog,
		errCh:  make(chan error, 1),
		httpServer: &http.Server{
			Addr:              config.Host,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS12},
			TLSNextProto:      make(map[string]func(*http.Server, *tls.Conn, http.Handler)),
			ErrorLog:          stdLogger(slog),
		},
	}
}

// Start binds the listeners and serves in the background. Serve errors
// are reported on Errors.
func (s *Server) Start() error {
	count := s.config.Listeners
	if count <= 0 {
		count = runtime.NumCPU()
	}
	if !reuseport.Available() {
		s.logger.Warn("SO_REUSEPORT not available, using a single listener")
		count = 1
	}

	addr := s.config.Host
	for i := 0; i < count; i++ {
		ln, err := listen(addr, count > 1)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		// An ephemeral port is fixed by the first bind; the rest share it
		if i == 0 {
			addr = ln.Addr().String()
		}
		s.listeners = append(s.listeners, s.limit(ln, count))
	}

	for _, ln := range s.listeners {
		s.wg.Add(1)
		go s.serve(ln)
	}

	s.logger.WithFields(map[string]interface{}{
		"address":   addr,
		"proto":     s.config.Proto,
		"listeners": count,
		"max_conns": s.config.MaxConns,
	}).Info("Bulu running")
	return nil
}

func listen(addr string, shared bool) (net.Listener, error) {
	if shared {
		return reuseport.Listen("tcp", addr)
	}
	return net.Listen("tcp", addr)
}

// limit spreads MaxConns across the listeners
func (s *Server) limit(ln net.Listener, count int) net.Listener {
	if s.config.MaxConns <= 0 {
		return ln
	}
	per := (s.config.MaxConns + count - 1) / count
	return netutil.LimitListener(ln, per)
}

func (s *Server) serve(ln net.Listener) {
	defer s.wg.Done()

	var err error
	if s.config.Proto == "https" {
		err = s.httpServer.ServeTLS(ln, s.config.PemPath, s.config.KeyPath)
	} else {
		err = s.httpServer.Serve(ln)
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		select {
		case s.errCh <- err:
		default:
		}
	}
}

// Errors delivers the first fatal serve error
func (s *Server) Errors() <-chan error {
	return s.errCh
}

// Addr returns the bound address, nil before Start
func (s *Server) Addr() net.Addr {
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].Addr()
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down listeners")
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	return err
}

func (s *Server) closeListeners() {
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	s.listeners = nil
}

func stdLogger(l *logger.Logger) *log.Logger {
	return log.New(l.WriterLevel(logrus.WarnLevel), "", 0)
}
