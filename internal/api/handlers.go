package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/blobcrypt/internal/audit"
	"github.com/kenneth/blobcrypt/internal/crypto"
	"github.com/kenneth/blobcrypt/internal/pipeline"
)

// Handler serves blob uploads and downloads over HTTP, encrypting and
// decrypting through a pipeline.
type Handler struct {
	pipeline *pipeline.Pipeline
	logger   *logrus.Logger
}

// NewHandler creates a new API handler.
func NewHandler(p *pipeline.Pipeline, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{pipeline: p, logger: logger}
}

// RegisterRoutes registers the health and blob routes on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/ready", h.handleReady).Methods("GET")

	blobs := r.PathPrefix("/").Subrouter()
	blobs.HandleFunc("/{bucket}/{key:.+}", h.handleGetBlob).Methods("GET")
	blobs.HandleFunc("/{bucket}/{key:.+}", h.handlePutBlob).Methods("PUT")
	blobs.HandleFunc("/{bucket}/{key:.+}", h.handleHeadBlob).Methods("HEAD")
	blobs.HandleFunc("/{bucket}/{key:.+}", h.handleDeleteBlob).Methods("DELETE")
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, "healthy")
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, "ready")
}

func writeStatus(w http.ResponseWriter, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

// blobVars returns the bucket and key of a blob route, writing an
// InvalidRequest error when either is missing.
func (h *Handler) blobVars(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	if bucket == "" || key == "" {
		s3Err := *ErrInvalidRequest
		s3Err.Resource = r.URL.Path
		s3Err.RequestID = audit.RequestIDFromContext(r.Context())
		s3Err.WriteXML(w)
		return "", "", false
	}
	return bucket, key, true
}

func (h *Handler) handlePutBlob(w http.ResponseWriter, r *http.Request) {
	bucket, key, ok := h.blobVars(w, r)
	if !ok {
		return
	}

	metadata, err := metadataFromHeaders(r.Header)
	if err != nil {
		s3Err := &S3Error{
			Code:       "InvalidArgument",
			Message:    err.Error(),
			Resource:   resource(bucket, key),
			RequestID:  audit.RequestIDFromContext(r.Context()),
			HTTPStatus: http.StatusBadRequest,
		}
		s3Err.WriteXML(w)
		return
	}

	data, err := h.pipeline.Upload(r.Context(), bucket, key, r.Body, metadata)
	if err != nil {
		h.writeError(w, r, err, "upload", bucket, key)
		return
	}

	w.Header().Set(ProtocolHeader, data.Protocol())
	if keyID := data.WrappedContentKey.KeyID; keyID != "" {
		w.Header().Set(KeyIDHeader, keyID)
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	bucket, key, ok := h.blobVars(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var (
		spec    crypto.RangeSpec
		partial bool
	)
	if header := r.Header.Get("Range"); header != "" {
		parsed, err := crypto.ParseHTTPRange(header)
		if err != nil {
			// Unsupported range syntax is ignored and the whole blob served.
			h.logger.WithError(err).WithField("range", header).Debug("Ignoring Range header")
		} else {
			spec, partial = parsed, true
		}
	}

	if !partial {
		blob, err := h.pipeline.Download(ctx, bucket, key, crypto.BlobRange{})
		if err != nil {
			h.writeError(w, r, err, "download", bucket, key)
			return
		}
		setBlobHeaders(w, blob.Protocol, blob.Metadata)
		w.WriteHeader(http.StatusOK)
		h.stream(w, r, blob, bucket, key)
		return
	}

	blob, info, err := h.pipeline.DownloadRange(ctx, bucket, key, spec)
	if err != nil {
		if info != nil && errors.Is(err, crypto.ErrInvalidRange) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", info.Size))
		}
		h.writeError(w, r, err, "download", bucket, key)
		return
	}

	rng := blob.Range
	count := *rng.Count
	setBlobHeaders(w, blob.Protocol, blob.Metadata)
	w.Header().Set("Content-Length", strconv.FormatInt(count, 10))
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Offset, rng.Offset+count-1, info.Size))
	if info.ETag != "" {
		w.Header().Set("ETag", info.ETag)
	}
	w.WriteHeader(http.StatusPartialContent)
	h.stream(w, r, blob, bucket, key)
}

// stream copies a decrypted body to the client. Errors after the status
// line has been written abort the connection.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, blob *pipeline.Blob, bucket, key string) {
	_, err := io.Copy(w, blob.Body)
	if closeErr := blob.Body.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		return
	}
	h.logger.WithError(err).WithFields(logrus.Fields{
		"bucket":     bucket,
		"key":        key,
		"range":      blob.Range.String(),
		"request_id": audit.RequestIDFromContext(r.Context()),
	}).Error("Download failed after response started")
	panic(http.ErrAbortHandler)
}

func (h *Handler) handleHeadBlob(w http.ResponseWriter, r *http.Request) {
	bucket, key, ok := h.blobVars(w, r)
	if !ok {
		return
	}

	info, err := h.pipeline.Head(r.Context(), bucket, key)
	if err != nil {
		h.writeError(w, r, err, "head", bucket, key)
		return
	}

	setBlobHeaders(w, info.Protocol, info.Metadata)
	if info.KeyID != "" {
		w.Header().Set(KeyIDHeader, info.KeyID)
	}
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	if info.ETag != "" {
		w.Header().Set("ETag", info.ETag)
	}
	if !info.LastModified.IsZero() {
		w.Header().Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleDeleteBlob(w http.ResponseWriter, r *http.Request) {
	bucket, key, ok := h.blobVars(w, r)
	if !ok {
		return
	}
	if err := h.pipeline.Delete(r.Context(), bucket, key); err != nil {
		h.writeError(w, r, err, "delete", bucket, key)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError translates err and writes it as an XML error response.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, operation, bucket, key string) {
	requestID := audit.RequestIDFromContext(r.Context())
	s3Err := TranslateError(err, bucket, key, requestID)

	entry := h.logger.WithError(err).WithFields(logrus.Fields{
		"operation":  operation,
		"bucket":     bucket,
		"key":        key,
		"code":       s3Err.Code,
		"request_id": requestID,
		"error_kind": pipeline.ErrorClass(err),
	})
	if backendID := backendRequestID(err); backendID != "" {
		entry = entry.WithField("backend_request_id", backendID)
	}
	if s3Err.HTTPStatus >= http.StatusInternalServerError {
		entry.Error("Blob request failed")
	} else {
		entry.Debug("Blob request rejected")
	}

	s3Err.WriteXML(w)
}
