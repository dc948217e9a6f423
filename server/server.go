package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/castellanauth/castellan/config"
	"github.com/castellanauth/castellan/services/logging"
)

// Server wraps the echo instance so packages register routes without
// reaching into echo directly.
type Server struct {
	echo   *echo.Echo
	cfg    *config.Config
	logger *logging.Service
}

func New(cfg *config.Config, logger *logging.Service) (*Server, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(logging.RequestLogger(logger))

	if len(cfg.Server.TrustedProxies) > 0 {
		ranges := make([]echo.TrustOption, 0, len(cfg.Server.TrustedProxies))
		for _, proxy := range cfg.Server.TrustedProxies {
			ipNet, err := parseTrustedProxy(proxy)
			if err != nil {
				return nil, err
			}
			ranges = append(ranges, echo.TrustIPRange(ipNet))
		}
		e.IPExtractor = echo.ExtractIPFromXFFHeader(ranges...)
	}

	return &Server{
		echo:   e,
		cfg:    cfg,
		logger: logger,
	}, nil
}

func parseTrustedProxy(s string) (*net.IPNet, error) {
	if !strings.Contains(s, "/") {
		s += "/32"
	}
	_, ipNet, err := net.ParseCIDR(s)
	if err != nil {
		return nil, fmt.Errorf("invalid trusted proxy range %q: %w", s, err)
	}
	return ipNet, nil
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%s", s.cfg.Server.Host, s.cfg.Server.Port)
	s.logger.Info("starting HTTP server", zap.String("addr", addr))

	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) Group(prefix string) *echo.Group {
	return s.echo.Group(prefix)
}

func (s *Server) Echo() *echo.Echo {
	return s.echo
}
