package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Server hosts the identity provider on Host:Port.
type Server struct {
	*http.Server
	Host     string
	Port     int
	Provider *IdentityProvider
	Logger   zerolog.Logger
}

func NewServer(host string, port int, provider *IdentityProvider, logger zerolog.Logger) *Server {
	s := &Server{
		Host:     host,
		Port:     port,
		Provider: provider,
		Logger:   logger,
	}
	s.Server = &http.Server{
		Addr:              s.GetListenAddr(),
		Handler:           provider.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) GetListenAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errs := make(chan error, 1)
	go func() {
		s.Logger.Info().
			Str("addr", s.Addr).
			Str("issuer", s.Provider.Issuer()).
			Msg("identity provider listening")
		errs <- s.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down server: %w", err)
		}
		return nil
	}
}
