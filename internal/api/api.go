package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/schaermu/composesyncd/internal/engine"
	"github.com/schaermu/composesyncd/internal/httpserver"
	"github.com/schaermu/composesyncd/internal/stack"
	composesyncd "github.com/schaermu/composesyncd/internal/sync"
)

// maxBodySize bounds the body of a signed apply request
const maxBodySize = 1 << 20 // 1 MB

// Stacks is the part of the controller served by the API.
type Stacks interface {
	Descriptor(ctx context.Context, name string) (*stack.Descriptor, error)
	ApplyStack(ctx context.Context, name string) (string, error)
	Fragments(ctx context.Context) ([]composesyncd.FragmentInfo, error)
}

// StatusSource reports the containers of a deployed stack.
type StatusSource interface {
	Status(ctx context.Context, name string) ([]engine.ContainerStatus, error)
}

// ApplyResponse is returned by a successful forced apply.
type ApplyResponse struct {
	StackName string `json:"stackName"`
	Msg       string `json:"msg"`
	Output    string `json:"output"`
}

// ErrorResponse is returned by every failing request.
type ErrorResponse struct {
	Err    string `json:"err"`
	Output string `json:"output,omitempty"`
}

// Server implements the query/trigger API
type Server struct {
	stacks   Stacks
	status   StatusSource
	gatherer prometheus.Gatherer
	secret   []byte
	logger   *slog.Logger
	router   *mux.Router
}

// Options configures optional parts of the API.
type Options struct {
	// Status serves /api/stacks/{name}/status when set.
	Status StatusSource
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
	// Secret, when non-empty, is required to sign apply requests.
	Secret []byte
}

// NewServer creates the API handler
func NewServer(stacks Stacks, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		stacks:   stacks,
		status:   opts.Status,
		gatherer: opts.Gatherer,
		secret:   opts.Secret,
		logger:   logger.With("component", "api"),
		router:   mux.NewRouter(),
	}

	s.router.HandleFunc("/api/fragments", s.handleFragments).Methods(http.MethodGet)
	s.router.HandleFunc("/api/stacks/{name}/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/stacks/{name}", s.handleDescriptor).Methods(http.MethodGet)
	s.router.HandleFunc("/api/stacks/{name}", s.handleApply).Methods(http.MethodPost)
	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	s.router.PathPrefix("/api/").HandlerFunc(s.handleUnknown)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// LoadSecret reads the apply signing secret from path
func LoadSecret(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	secret, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read api secret: %w", err)
	}
	// Trim any whitespace/newlines from secret
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("api secret file %s is empty", path)
	}
	return secret, nil
}

func (s *Server) handleDescriptor(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	d, err := s.stacks.Descriptor(r.Context(), name)
	if err != nil {
		s.writeError(w, name, err, "")
		return
	}

	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, d.Hydrated)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		httpserver.WriteJSON(w, http.StatusBadRequest, ErrorResponse{Err: "Failed to read body"})
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if len(s.secret) > 0 && !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting apply with invalid signature", "stack", name)
		httpserver.WriteJSON(w, http.StatusForbidden, ErrorResponse{Err: "Invalid signature"})
		return
	}

	s.logger.Info("forced apply requested", "stack", name)
	output, err := s.stacks.ApplyStack(r.Context(), name)
	if err != nil {
		s.writeError(w, name, err, output)
		return
	}

	httpserver.WriteJSON(w, http.StatusOK, ApplyResponse{
		StackName: name,
		Msg:       "Successfully updated stack " + name,
		Output:    output,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if s.status == nil {
		httpserver.WriteJSON(w, http.StatusServiceUnavailable, ErrorResponse{Err: "Docker API not available"})
		return
	}
	if _, err := s.stacks.Descriptor(r.Context(), name); errors.Is(err, composesyncd.ErrUnknownStack) {
		s.writeError(w, name, err, "")
		return
	}

	containers, err := s.status.Status(r.Context(), name)
	if err != nil {
		s.logger.Error("failed to query stack status", "stack", name, "error", err)
		httpserver.WriteJSON(w, http.StatusBadGateway, ErrorResponse{Err: err.Error()})
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, containers)
}

func (s *Server) handleFragments(w http.ResponseWriter, r *http.Request) {
	fragments, err := s.stacks.Fragments(r.Context())
	if err != nil {
		s.logger.Error("failed to list fragments", "error", err)
		httpserver.WriteJSON(w, http.StatusInternalServerError, ErrorResponse{Err: err.Error()})
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, fragments)
}

func (s *Server) handleUnknown(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusNotFound, ErrorResponse{Err: "Unknown API"})
}

// writeError maps controller errors to responses.
func (s *Server) writeError(w http.ResponseWriter, name string, err error, output string) {
	var stepErr *engine.StepError
	switch {
	case errors.Is(err, composesyncd.ErrUnknownStack):
		httpserver.WriteJSON(w, http.StatusNotFound, ErrorResponse{Err: "Unknown stack " + name})
	case errors.Is(err, composesyncd.ErrSynthesisInProgress):
		httpserver.WriteJSON(w, http.StatusConflict, ErrorResponse{Err: "Synthesis in progress"})
	case errors.As(err, &stepErr):
		if output == "" {
			output = stepErr.Output
		}
		httpserver.WriteJSON(w, http.StatusBadRequest, ErrorResponse{Err: err.Error(), Output: output})
	case errors.Is(err, stack.ErrFragmentNotFound):
		httpserver.WriteJSON(w, http.StatusBadRequest, ErrorResponse{Err: err.Error()})
	default:
		s.logger.Error("request failed", "stack", name, "error", err)
		httpserver.WriteJSON(w, http.StatusInternalServerError, ErrorResponse{Err: err.Error(), Output: output})
	}
}

// verifySignature verifies the sha256=<hex> HMAC of body
func (s *Server) verifySignature(body []byte, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(signature), []byte(expected))
}
