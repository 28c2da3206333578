package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"mnemo/internal/api"
	"mnemo/internal/doctype"
	"mnemo/internal/extract"
	"mnemo/internal/metrics"
	"mnemo/internal/store"
	"mnemo/internal/ticket"
)

const (
	allowRemoteEnvKey        = "MNEMO_ALLOW_REMOTE"
	readHeaderTimeout        = 5 * time.Second
	idleTimeout              = 60 * time.Second
	shutdownTimeout          = 15 * time.Second
	uploadConcurrencyLimit   = 8
	gcConcurrencyLimit       = 1
	defaultMultipartMemory   = 8 << 20
	defaultUploadTicketTTL   = 15 * time.Minute
	defaultDownloadTicketTTL = 5 * time.Minute
)

// Store is the persistence surface the HTTP layer reads directly.
type Store interface {
	AttachmentServiceStore
	StoreInfo(ctx context.Context) (*store.StoreInfo, error)
}

// Config holds transport settings.
type Config struct {
	Addr string
	// PublicURL prefixes the upload and download URLs handed to clients.
	PublicURL          string
	DBPath             string
	BlobRoot           string
	MultipartMaxMemory int64
	UploadTicketTTL    time.Duration
	DownloadTicketTTL  time.Duration
}

// Server wraps HTTP handlers for the mnemo API.
type Server struct {
	cfg         Config
	store       Store
	attachments *AttachmentService
	tickets     *ticket.Signer
	registry    *doctype.Registry
	extractors  *extract.Set
	metrics     *metrics.Metrics
	logger      *slog.Logger

	uploadLimiter chan struct{}
	gcLimiter     chan struct{}
}

// Option configures optional server collaborators.
type Option func(*Server)

func WithRegistry(r *doctype.Registry) Option { return func(s *Server) { s.registry = r } }
func WithExtractors(set *extract.Set) Option  { return func(s *Server) { s.extractors = set } }
func WithMetrics(m *metrics.Metrics) Option   { return func(s *Server) { s.metrics = m } }
func WithLogger(l *slog.Logger) Option        { return func(s *Server) { s.logger = l } }

// New creates a new server instance.
func New(cfg Config, st Store, attachments *AttachmentService, tickets *ticket.Signer, opts ...Option) *Server {
	if cfg.MultipartMaxMemory <= 0 {
		cfg.MultipartMaxMemory = defaultMultipartMemory
	}
	if cfg.UploadTicketTTL <= 0 {
		cfg.UploadTicketTTL = defaultUploadTicketTTL
	}
	if cfg.DownloadTicketTTL <= 0 {
		cfg.DownloadTicketTTL = defaultDownloadTicketTTL
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	s := &Server{
		cfg:           cfg,
		store:         st,
		attachments:   attachments,
		tickets:       tickets,
		uploadLimiter: make(chan struct{}, uploadConcurrencyLimit),
		gcLimiter:     make(chan struct{}, gcConcurrencyLimit),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return s.withRequestLogging(s.routes())
}

// Serve runs the HTTP server until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) Serve(ctx context.Context) error {
	s.log().Info("starting server", "addr", s.cfg.Addr, "public_url", s.cfg.PublicURL)
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAddr converts a base API URL into a listen address.
func ListenAddr(apiURL string) (string, error) {
	if apiURL == "" {
		return "", fmt.Errorf("api url is required")
	}
	if u, err := url.Parse(apiURL); err == nil && u.Host != "" {
		host := u.Hostname()
		if !isAllowedListenHost(host) {
			return "", fmt.Errorf("remote listen host %q requires %s=true", host, allowRemoteEnvKey)
		}
		return u.Host, nil
	}

	host, _, err := net.SplitHostPort(apiURL)
	if err == nil && !isAllowedListenHost(host) {
		return "", fmt.Errorf("remote listen host %q requires %s=true", host, allowRemoteEnvKey)
	}

	return apiURL, nil
}

func isAllowedListenHost(host string) bool {
	if host == "" {
		return true
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv(allowRemoteEnvKey)), "true") {
		return true
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) acquireLimiter(limiter chan struct{}, w http.ResponseWriter, r *http.Request, name string) bool {
	if limiter == nil {
		return true
	}
	select {
	case limiter <- struct{}{}:
		return true
	default:
		err := apiError{
			status:  http.StatusTooManyRequests,
			code:    api.CodeResourceExhausted,
			errCode: ErrCodeResourceExhausted,
			err:     fmt.Errorf("too many concurrent %s requests", name),
		}
		s.writeErrorReq(w, r, http.StatusTooManyRequests, err)
		return false
	}
}

func (s *Server) log() *slog.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

func (s *Server) releaseLimiter(limiter chan struct{}) {
	if limiter == nil {
		return
	}
	select {
	case <-limiter:
	default:
	}
}
