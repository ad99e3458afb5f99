// Package httpapi exposes the upload engine over HTTP: segment ingestion
// and finalization on one endpoint, plus probe, limits discovery, session
// handling, job polling, and secret redemption.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/upstitch/upstitch/internal/common"
	"github.com/upstitch/upstitch/internal/digest"
	"github.com/upstitch/upstitch/internal/jobs"
	"github.com/upstitch/upstitch/internal/locks"
	"github.com/upstitch/upstitch/internal/logging"
	"github.com/upstitch/upstitch/internal/server/auth"
	"github.com/upstitch/upstitch/internal/server/models"
	"github.com/upstitch/upstitch/internal/server/services"
)

// SessionHeader carries the anonymous session id. A request authenticates
// with a bearer token or this header, never both.
const SessionHeader = "X-Upload-Session"

// Handler translates HTTP requests into engine calls and the engine's
// error taxonomy into status codes.
type Handler struct {
	svc       *services.UploadService
	pool      *jobs.PoolDispatcher // nil when materializing synchronously
	jwtSecret []byte
	logger    logging.Logger
}

// NewHandler constructs the HTTP handler. pool may be nil; the status
// endpoint then reports every reference as unknown.
func NewHandler(svc *services.UploadService, pool *jobs.PoolDispatcher, secretKey string, logger logging.Logger) *Handler {
	return &Handler{
		svc:       svc,
		pool:      pool,
		jwtSecret: []byte(secretKey),
		logger:    logger.With("module", "http_handler"),
	}
}

// Routes returns the route table.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /uploads", h.handleUpload)
	mux.HandleFunc("GET /uploads", h.handleProbe)
	mux.HandleFunc("OPTIONS /uploads", h.handleLimits)
	mux.HandleFunc("PUT /session", h.handleSessionStart)
	mux.HandleFunc("DELETE /session", h.handleSessionEnd)
	mux.HandleFunc("GET /status/{ref}", h.handleStatus)
	mux.HandleFunc("POST /redeem", h.handleRedeem)
	return mux
}

// resolveOwner authenticates the request: a bearer token binds the upload
// to a user, the session header to an anonymous session.
func (h *Handler) resolveOwner(r *http.Request) (models.Owner, error) {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		userID, err := auth.GetUserIDFromToken(strings.TrimPrefix(authz, "Bearer "), h.jwtSecret)
		if err != nil {
			return models.Owner{}, fmt.Errorf("%w: %w", common.ErrPermissionDenied, err)
		}
		return models.UserOwner(userID), nil
	}
	if session := r.Header.Get(SessionHeader); session != "" {
		return models.SessionOwner(session), nil
	}
	return models.Owner{}, fmt.Errorf("%w: missing credentials", common.ErrPermissionDenied)
}

// handleUpload serves both operations of the POST endpoint: with an index
// it ingests one segment, without one it finalizes the upload.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	owner, err := h.resolveOwner(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	_, segmentAllowableSize := h.svc.Limits()
	r.Body = http.MaxBytesReader(w, r.Body, segmentAllowableSize+1<<20)
	if err := r.ParseMultipartForm(segmentAllowableSize + 1<<20); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %w", common.ErrMalformed, err))
		return
	}

	identifier := r.FormValue("identifier")
	if identifier == "" {
		h.writeError(w, r, fmt.Errorf("%w: identifier is required", common.ErrMalformed))
		return
	}
	alg, err := digest.ParseAlgorithm(r.FormValue("algorithm"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	declared := r.FormValue("digest")

	if err := h.validateDeclaredTotals(r); err != nil {
		h.writeError(w, r, err)
		return
	}

	indexValue := r.FormValue("index")
	if indexValue == "" {
		h.finalize(w, r, owner, identifier, declared, alg)
		return
	}

	index, err := strconv.ParseInt(indexValue, 10, 64)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: bad segment index %q", common.ErrMalformed, indexValue))
		return
	}
	file, header, err := r.FormFile("segment")
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: segment payload is required", common.ErrMalformed))
		return
	}
	defer file.Close()
	payload, err := io.ReadAll(io.LimitReader(file, segmentAllowableSize+1))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	upload, err := h.svc.Ingest(r.Context(), owner, identifier, header.Filename, index, payload, declared, alg)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{
		"identifier": identifier,
		"index":      index,
		"filename":   upload.Filename,
	})
}

// validateDeclaredTotals checks the optional client-declared sizing fields
// against the ceilings before any payload work.
func (h *Handler) validateDeclaredTotals(r *http.Request) error {
	var count, segmentSize, totalSize int64
	for _, f := range []struct {
		name string
		dst  *int64
	}{
		{"segment_count", &count},
		{"segment_size", &segmentSize},
		{"total_size", &totalSize},
	} {
		v := r.FormValue(f.name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: bad %s %q", common.ErrMalformed, f.name, v)
		}
		*f.dst = n
	}
	return h.svc.ValidateDeclared(count, segmentSize, totalSize)
}

func (h *Handler) finalize(w http.ResponseWriter, r *http.Request, owner models.Owner, identifier, declared string, alg digest.Algorithm) {
	res, err := h.svc.Finalize(r.Context(), owner, identifier, declared, alg)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	switch {
	case res.Ready():
		h.writeJSON(w, http.StatusOK, map[string]any{"secret": res.Secret})
	case len(res.PollRefs) > 0:
		refs := make([]string, 0, len(res.PollRefs))
		for _, ref := range res.PollRefs {
			refs = append(refs, string(ref))
		}
		h.writeJSON(w, http.StatusMultipleChoices, map[string]any{"refs": refs})
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) handleProbe(w http.ResponseWriter, r *http.Request) {
	owner, err := h.resolveOwner(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	identifier := q.Get("identifier")
	if identifier == "" {
		h.writeError(w, r, fmt.Errorf("%w: identifier is required", common.ErrMalformed))
		return
	}
	index, err := strconv.ParseInt(q.Get("index"), 10, 64)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: bad segment index %q", common.ErrMalformed, q.Get("index")))
		return
	}
	alg, err := digest.ParseAlgorithm(q.Get("algorithm"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if h.svc.Probe(r.Context(), owner, identifier, index, q.Get("digest"), alg) {
		h.writeJSON(w, http.StatusOK, map[string]any{"present": true})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLimits(w http.ResponseWriter, r *http.Request) {
	segmentLimit, segmentAllowableSize := h.svc.Limits()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"segment_limit":          segmentLimit,
		"segment_allowable_size": segmentAllowableSize,
	})
}

func (h *Handler) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"session": uuid.NewString()})
}

func (h *Handler) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(SessionHeader) == "" {
		h.writeError(w, r, fmt.Errorf("%w: missing credentials", common.ErrPermissionDenied))
		return
	}
	// Uploads left behind by the session age out via the purge sweep.
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")
	if h.pool == nil {
		h.writeError(w, r, fmt.Errorf("%w: no pollable dispatcher", common.ErrNotFound))
		return
	}
	done, err := h.pool.Ready(jobs.Ref(ref))
	switch {
	case !done:
		h.writeJSON(w, http.StatusMultipleChoices, map[string]any{"ref": ref})
	case err != nil:
		h.writeError(w, r, err)
	default:
		h.writeJSON(w, http.StatusOK, map[string]any{"ref": ref, "done": true})
	}
}

func (h *Handler) handleRedeem(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %w", common.ErrMalformed, err))
		return
	}
	secret := r.FormValue("secret")
	if secret == "" {
		h.writeError(w, r, fmt.Errorf("%w: secret is required", common.ErrMalformed))
		return
	}

	bound, consume, err := h.svc.Redeem(r.Context(), secret)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer bound.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(bound.Size, 10))
	if bound.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", bound.Filename))
	}
	if _, err := io.Copy(w, bound); err != nil {
		// Delivery failed mid-stream; keep the secret valid for a retry.
		h.logger.Warn(r.Context(), "redeem delivery interrupted", "error", err.Error())
		return
	}
	consume(r.Context())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error(context.Background(), "failed to encode response", "error", err.Error())
	}
}

// writeError maps the engine's error taxonomy onto status codes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *common.ValidationError
	switch {
	case errors.As(err, &verr):
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"errors": verr.Fields})
	case errors.Is(err, common.ErrPermissionDenied), errors.Is(err, common.ErrInvalidToken):
		h.writeJSON(w, http.StatusForbidden, map[string]any{"error": err.Error()})
	case errors.Is(err, common.ErrMalformed):
		h.writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	case errors.Is(err, common.ErrStateConflict), errors.Is(err, locks.ErrBusy):
		h.writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	case errors.Is(err, common.ErrNotFound):
		h.writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
	default:
		h.logger.Error(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err.Error())
		h.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}
