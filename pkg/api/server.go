package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/ownables/pkg/observability"
	"github.com/Mindburn-Labs/ownables/pkg/ownable"
	"github.com/Mindburn-Labs/ownables/pkg/registry"
	"github.com/Mindburn-Labs/ownables/pkg/sandbox"
)

const (
	maxJSONBody   = 1 << 20
	maxBundleBody = 64 << 20
)

// Server exposes a Manager and its package registry over HTTP.
type Server struct {
	manager  *ownable.Manager
	registry registry.Registry
	filter   *registry.Filter
	logger   *slog.Logger
	metrics  *observability.Instruments
	version  string

	validator *JWTValidator
	auth      bool
	limiter   *RateLimiter
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

func WithInstruments(i *observability.Instruments) Option {
	return func(s *Server) { s.metrics = i }
}

func WithVersion(v string) Option { return func(s *Server) { s.version = v } }

// WithAuth requires bearer tokens checked by v on every non-public route.
func WithAuth(v *JWTValidator) Option {
	return func(s *Server) {
		s.validator = v
		s.auth = true
	}
}

func WithRateLimiter(rl *RateLimiter) Option { return func(s *Server) { s.limiter = rl } }

func NewServer(m *ownable.Manager, reg registry.Registry, filter *registry.Filter, opts ...Option) *Server {
	s := &Server{
		manager:  m,
		registry: reg,
		filter:   filter,
		logger:   slog.Default().With("component", "api"),
		metrics:  observability.Default(),
		version:  "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /health", s.handleHealth)
	s.route(mux, "GET /version", s.handleVersion)
	s.route(mux, "GET /api/v1/account", s.handleAccount)

	s.route(mux, "GET /api/v1/packages", s.handleListPackages)
	s.route(mux, "GET /api/v1/packages/{ref}", s.handleGetPackage)

	s.route(mux, "GET /api/v1/ownables", s.handleListOwnables)
	s.route(mux, "POST /api/v1/ownables", s.handleCreate)
	s.route(mux, "DELETE /api/v1/ownables", s.handleDeleteAll)
	s.route(mux, "POST /api/v1/ownables/import", s.handleImport)
	s.route(mux, "GET /api/v1/ownables/{id}", s.handleGet)
	s.route(mux, "DELETE /api/v1/ownables/{id}", s.handleDelete)
	s.route(mux, "POST /api/v1/ownables/{id}/execute", s.handleExecute)
	s.route(mux, "POST /api/v1/ownables/{id}/query", s.handleQuery)
	s.route(mux, "GET /api/v1/ownables/{id}/can-consume", s.handleCanConsume)
	s.route(mux, "POST /api/v1/ownables/{id}/consume", s.handleConsume)
	s.route(mux, "POST /api/v1/ownables/{id}/transfer", s.handleTransfer)
	s.route(mux, "GET /api/v1/ownables/{id}/export", s.handleExport)

	var h http.Handler = mux
	if s.auth {
		h = Authenticate(s.validator)(h)
	}
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = AccessLog(s.logger)(h)
	return RequestID(h)
}

func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.metrics.StartSpan(r.Context(), "http.request",
			attribute.String("http.route", pattern),
			attribute.String("request.id", GetRequestID(r.Context())),
		)
		defer span.End()
		h(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleAccount(w http.ResponseWriter, _ *http.Request) {
	acct := s.manager.Account()
	writeJSON(w, http.StatusOK, map[string]string{
		"address":    acct.Address(),
		"public_key": acct.PublicKey(),
		"network":    string(acct.Network()),
	})
}

// handleListPackages accepts ?filter= holding a tab name or a CEL
// expression over `pkg`.
func (s *Server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	expr := r.URL.Query().Get("filter")
	pkgs, err := s.filter.Select(r.Context(), s.registry, expr)
	if err != nil {
		if expr != "" {
			WriteBadRequest(w, r, fmt.Sprintf("filter %q: %v", expr, err))
			return
		}
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pkgs)
}

func (s *Server) handleGetPackage(w http.ResponseWriter, r *http.Request) {
	p, err := s.lookupPackage(r.Context(), r.PathValue("ref"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// lookupPackage resolves ref as a package CID, falling back to the newest
// version of the package named ref.
func (s *Server) lookupPackage(ctx context.Context, ref string) (*registry.Package, error) {
	p, err := s.registry.Get(ctx, ref)
	if errors.Is(err, registry.ErrNotFound) {
		return registry.Latest(ctx, s.registry, ref)
	}
	return p, err
}

// handleListOwnables accepts the same ?filter= as the package listing,
// evaluated against each ownable's package. Ownables whose package is no
// longer registered never match a filter.
func (s *Server) handleListOwnables(w http.ResponseWriter, r *http.Request) {
	all := s.manager.List()
	expr := r.URL.Query().Get("filter")
	if expr == "" {
		writeJSON(w, http.StatusOK, all)
		return
	}

	out := make([]*ownable.Snapshot, 0, len(all))
	for _, snap := range all {
		pkg, err := s.registry.Get(r.Context(), snap.Package)
		if errors.Is(err, registry.ErrNotFound) {
			continue
		}
		if err != nil {
			WriteInternal(w, r, err)
			return
		}
		ok, err := s.filter.Match(expr, pkg)
		if err != nil {
			WriteBadRequest(w, r, fmt.Sprintf("filter %q: %v", expr, err))
			return
		}
		if ok {
			out = append(out, snap)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type createRequest struct {
	Package string          `json:"package"`
	Message json.RawMessage `json:"msg,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Package == "" {
		WriteBadRequest(w, r, "Missing required field: package")
		return
	}
	pkg, err := s.lookupPackage(r.Context(), req.Package)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	snap, err := s.manager.Create(r.Context(), pkg.CID, req.Message)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if snap == nil {
		writeCancelled(w, r)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DeleteAll(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	msg, ok := readMessage(w, r)
	if !ok {
		return
	}
	snap, err := s.manager.Execute(r.Context(), r.PathValue("id"), msg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if snap == nil {
		writeCancelled(w, r)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	msg, ok := readMessage(w, r)
	if !ok {
		return
	}
	out, err := s.manager.Query(r.Context(), r.PathValue("id"), msg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCanConsume(w http.ResponseWriter, r *http.Request) {
	consumable := r.URL.Query().Get("consumable")
	if consumable == "" {
		WriteBadRequest(w, r, "Missing required parameter: consumable")
		return
	}
	ok, err := s.manager.CanConsume(r.Context(), r.PathValue("id"), consumable)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"can_consume": ok})
}

type consumeRequest struct {
	Consumable string `json:"consumable"`
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Consumable == "" {
		WriteBadRequest(w, r, "Missing required field: consumable")
		return
	}
	snap, err := s.manager.Consume(r.Context(), r.PathValue("id"), req.Consumable)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if snap == nil {
		writeCancelled(w, r)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type transferRequest struct {
	To string `json:"to"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.To == "" {
		WriteBadRequest(w, r, "Missing required field: to")
		return
	}
	bundle, err := s.manager.Transfer(r.Context(), r.PathValue("id"), req.To)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if bundle == nil {
		writeCancelled(w, r)
		return
	}
	writeBundle(w, bundle)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	bundle, err := s.manager.Export(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeBundle(w, bundle)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBundleBody))
	if err != nil {
		WriteBadRequest(w, r, "Bundle too large or unreadable")
		return
	}
	snap, err := s.manager.Import(r.Context(), data)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if snap == nil {
		writeCancelled(w, r)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// fail maps an operation error onto a problem response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch {
	case errors.Is(err, ownable.ErrNotFound), errors.Is(err, registry.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ownable.ErrBusy), errors.Is(err, ownable.ErrExists), sandbox.IsCancelled(err):
		status = http.StatusConflict
	case errors.Is(err, ownable.ErrNotOwner):
		status = http.StatusForbidden
	case errors.Is(err, ownable.ErrInvalidBundle):
		status = http.StatusBadRequest
	case sandbox.IsTimeout(err):
		status = http.StatusGatewayTimeout
	case sandbox.IsRejection(err),
		errors.Is(err, ownable.ErrNotDynamic),
		errors.Is(err, ownable.ErrNotConsumable),
		errors.Is(err, ownable.ErrNotTransferable),
		errors.Is(err, ownable.ErrSelfConsume),
		errors.Is(err, ownable.ErrRefused):
		status = http.StatusUnprocessableEntity
	default:
		WriteInternal(w, r, err)
		return
	}
	WriteError(w, r, status, http.StatusText(status), ownable.Describe(err))
}

func writeCancelled(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusConflict, "Conflict", ownable.Describe(sandbox.ErrCancelled))
}

func writeBundle(w http.ResponseWriter, b *ownable.Bundle) {
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, b.Name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b.Data)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(v); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return false
	}
	return true
}

// readMessage reads a raw JSON message body for a sandbox call.
func readMessage(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err != nil || !json.Valid(data) {
		WriteBadRequest(w, r, "Request body must be a JSON message")
		return nil, false
	}
	return json.RawMessage(data), true
}
