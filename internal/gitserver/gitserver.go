package gitserver

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cgi"
	"os/exec"
	"slices"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/pktline"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp/sideband"

	composesyncd "github.com/schaermu/composesyncd/internal/sync"
)

// maxPushSize bounds the buffered body of a single push
const maxPushSize = 1 << 30 // 1 GiB

// acceptedMessages are shown to the pushing client as "remote:" lines.
var acceptedMessages = []string{
	"Thanks for pushing! The changed stacks will be synthesized once the push settles",
	"If synthesis fails, the change will be reverted by the server",
}

// errMalformedPush is returned for receive-pack requests that cannot be decoded
var errMalformedPush = errors.New("malformed push request")

// Gate decides whether a push is accepted before it reaches the repository.
type Gate interface {
	HandlePush(ctx context.Context, push composesyncd.Push) error
}

// Server serves one repository over the git smart HTTP protocol through
// git http-backend. Every push is offered to the gate first.
type Server struct {
	repoName string
	gate     Gate
	backend  *cgi.Handler
	logger   *slog.Logger
}

// New creates a server for <gitRoot>/<repoName>.git
func New(gitRoot, repoName string, gate Gate, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gitserver")

	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("git binary not found: %w", err)
	}

	return &Server{
		repoName: repoName,
		gate:     gate,
		backend: &cgi.Handler{
			Path: gitPath,
			Args: []string{"http-backend"},
			Env: []string{
				"GIT_PROJECT_ROOT=" + gitRoot,
				"GIT_HTTP_EXPORT_ALL=1",
			},
			Logger: slog.NewLogLogger(logger.Handler(), slog.LevelError),
		},
		logger: logger,
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	prefix := "/" + s.repoName + ".git/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}

	if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/git-receive-pack") {
		req, ok := s.gatePush(w, r)
		if !ok {
			return
		}
		w = withProgress(w, req, acceptedMessages)
	}

	s.backend.ServeHTTP(w, r)
}

// gatePush buffers the receive-pack request, asks the gate and, on
// acceptance, restores the body for the backend. It reports whether the
// request may proceed.
func (s *Server) gatePush(w http.ResponseWriter, r *http.Request) (*receiveRequest, bool) {
	body, err := readBody(r)
	if err != nil {
		s.logger.Warn("failed to read push request", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}

	req, err := decodeRequest(body)
	if err != nil {
		s.logger.Warn("rejecting malformed push", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}

	push := composesyncd.Push{Repo: s.repoName, Updates: req.updates}
	if err := s.gate.HandlePush(r.Context(), push); err != nil {
		status := statusFor(err)
		s.logger.Info("push rejected", "status", status, "error", err)
		http.Error(w, err.Error(), status)
		return nil, false
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	r.TransferEncoding = nil
	r.Header.Del("Content-Encoding")
	return req, true
}

func readBody(r *http.Request) ([]byte, error) {
	defer func() {
		_ = r.Body.Close()
	}()

	var src io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformedPush, err)
		}
		defer func() {
			_ = zr.Close()
		}()
		src = zr
	}

	body, err := io.ReadAll(io.LimitReader(src, maxPushSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if len(body) > maxPushSize {
		return nil, fmt.Errorf("push exceeds %d bytes", maxPushSize)
	}
	return body, nil
}

// receiveRequest is the command section of a receive-pack request.
type receiveRequest struct {
	updates      []composesyncd.RefUpdate
	capabilities []string
}

// sideband returns the sideband flavour the client negotiated. It reports
// false when the client has none or asked the server to be quiet.
func (r *receiveRequest) sideband() (sideband.Type, bool) {
	switch {
	case slices.Contains(r.capabilities, "quiet"):
		return 0, false
	case slices.Contains(r.capabilities, "side-band-64k"):
		return sideband.Sideband64k, true
	case slices.Contains(r.capabilities, "side-band"):
		return sideband.Sideband, true
	default:
		return 0, false
	}
}

// DecodeUpdates parses the ref update commands at the start of a
// receive-pack request: pkt-lines of "<old> <new> <ref>", the first one
// followed by NUL and the capability list, terminated by a flush-pkt.
// Shallow announcements are skipped.
func DecodeUpdates(body []byte) ([]composesyncd.RefUpdate, error) {
	req, err := decodeRequest(body)
	if err != nil {
		return nil, err
	}
	return req.updates, nil
}

func decodeRequest(body []byte) (*receiveRequest, error) {
	scanner := pktline.NewScanner(bytes.NewReader(body))

	req := &receiveRequest{updates: []composesyncd.RefUpdate{}}
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			return req, nil
		}
		if i := bytes.IndexByte(line, 0); i >= 0 {
			if len(req.updates) == 0 {
				req.capabilities = strings.Fields(string(line[i+1:]))
			}
			line = line[:i]
		}

		text := strings.TrimSuffix(string(line), "\n")
		if strings.HasPrefix(text, "shallow ") {
			continue
		}

		fields := strings.Fields(text)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: unexpected command %q", errMalformedPush, text)
		}
		req.updates = append(req.updates, composesyncd.RefUpdate{Old: fields[0], New: fields[1], Ref: fields[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedPush, err)
	}

	if len(req.updates) > 0 {
		return nil, fmt.Errorf("%w: missing flush after commands", errMalformedPush)
	}
	return req, nil
}

// withProgress returns a writer that sends messages on the sideband
// progress channel ahead of a successful receive-pack result. Without a
// negotiated sideband w is returned unchanged.
func withProgress(w http.ResponseWriter, req *receiveRequest, messages []string) http.ResponseWriter {
	t, ok := req.sideband()
	if !ok || len(messages) == 0 {
		return w
	}

	var prefix bytes.Buffer
	mux := sideband.NewMuxer(t, &prefix)
	for _, msg := range messages {
		if _, err := mux.WriteChannel(sideband.ProgressMessage, []byte(msg+"\n")); err != nil {
			return w
		}
	}
	return &progressWriter{ResponseWriter: w, prefix: prefix.Bytes()}
}

// progressWriter writes prefix before the first body byte of a 200
// receive-pack result. Other responses pass through untouched.
type progressWriter struct {
	http.ResponseWriter
	prefix      []byte
	wroteHeader bool
}

func (p *progressWriter) WriteHeader(code int) {
	if !p.wroteHeader {
		p.wroteHeader = true
		if code != http.StatusOK || p.Header().Get("Content-Type") != "application/x-git-receive-pack-result" {
			p.prefix = nil
		}
		if p.prefix != nil {
			p.Header().Del("Content-Length")
		}
	}
	p.ResponseWriter.WriteHeader(code)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	if !p.wroteHeader {
		p.WriteHeader(http.StatusOK)
	}
	if p.prefix != nil {
		prefix := p.prefix
		p.prefix = nil
		if _, err := p.ResponseWriter.Write(prefix); err != nil {
			return 0, err
		}
	}
	return p.ResponseWriter.Write(b)
}

func (p *progressWriter) Flush() {
	if f, ok := p.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, composesyncd.ErrWrongBranch), errors.Is(err, composesyncd.ErrBranchDeletion):
		return http.StatusForbidden
	case errors.Is(err, composesyncd.ErrSynthesisInProgress):
		return http.StatusConflict
	case errors.Is(err, errMalformedPush):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
