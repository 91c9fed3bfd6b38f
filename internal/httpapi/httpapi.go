// Package httpapi exposes the owner-scoped HTTP surface. Authentication is a
// collaborator concern: the trusted upstream presents the caller's identity
// in the X-Recap-User header, and this layer only enforces its presence.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/recapio/recap/internal/reports"
	"github.com/recapio/recap/internal/store"
	"github.com/recapio/recap/internal/taxonomy"
	"github.com/recapio/recap/internal/upload"
)

// UserHeader carries the authenticated caller id set by the auth proxy.
const UserHeader = "X-Recap-User"

// maxMultipartMemory bounds the in-memory portion of multipart parsing.
const maxMultipartMemory = 4 << 20

// Uploader accepts transcript uploads.
type Uploader interface {
	Upload(ctx context.Context, in upload.Input) (*store.File, error)
}

// ReportGetter serves finished reports.
type ReportGetter interface {
	Get(ctx context.Context, ownerID, fileID string) (*reports.Report, error)
}

// FileLister lists an owner's files.
type FileLister interface {
	ListOwnedFiles(ctx context.Context, ownerID string, limit int) ([]*store.File, error)
}

// Server is the HTTP API.
type Server struct {
	uploader Uploader
	reader   ReportGetter
	lister   FileLister
	log      *zap.Logger
	router   chi.Router
}

// New builds the router.
func New(uploader Uploader, reader ReportGetter, lister FileLister, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{uploader: uploader, reader: reader, lister: lister, log: log}

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireUser)
		r.Post("/files/upload", s.handleUpload)
		r.Get("/files", s.handleList)
		r.Get("/files/{id}/report", s.handleReport)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type ctxKey int

const userKey ctxKey = 0

// requireUser rejects requests without a caller identity.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(UserHeader)
		if user == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func callerID(r *http.Request) string {
	user, _ := r.Context().Value(userKey).(string)
	return user
}

// uploadResponse is the 201 body.
type uploadResponse struct {
	FileID string           `json:"file_id"`
	Status store.FileStatus `json:"status"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// One extra MiB of headroom for multipart framing.
	r.Body = http.MaxBytesReader(w, r.Body, upload.MaxUploadBytes+(1<<20))
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, string(taxonomy.CodeFileTooLarge))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_multipart")
		return
	}

	part, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing_file_field")
		return
	}
	defer func() { _ = part.Close() }()

	data, err := io.ReadAll(io.LimitReader(part, upload.MaxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable_file")
		return
	}

	f, err := s.uploader.Upload(r.Context(), upload.Input{
		UserID:   callerID(r),
		Filename: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Data:     data,
	})
	if err != nil {
		s.writeUploadError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{FileID: f.ID, Status: f.Status})
}

// writeUploadError maps taxonomy codes to upload statuses. Anything that is
// not a client mistake collapses to a 500 upload_failed; internals stay
// internal.
func (s *Server) writeUploadError(w http.ResponseWriter, err error) {
	var te *taxonomy.Error
	if errors.As(err, &te) {
		switch te.Code {
		case taxonomy.CodeInvalidFileType, taxonomy.CodeEmptyTranscript:
			writeError(w, http.StatusBadRequest, string(te.Code))
			return
		case taxonomy.CodeFileTooLarge:
			writeError(w, http.StatusRequestEntityTooLarge, string(te.Code))
			return
		}
	}
	s.log.Error("upload failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "upload_failed")
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(fileID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}

	rep, err := s.reader.Get(r.Context(), callerID(r), fileID)
	switch {
	case errors.Is(err, reports.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, reports.ErrNotReady):
		writeError(w, http.StatusConflict, "report_not_ready")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "report_fetch_failed")
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}

// fileSummary is one row in the listing response.
type fileSummary struct {
	ID          string           `json:"id"`
	Status      store.FileStatus `json:"status"`
	Filename    string           `json:"filename"`
	ErrorCode   *string          `json:"error_code,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	ProcessedAt *time.Time       `json:"processed_at,omitempty"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	files, err := s.lister.ListOwnedFiles(r.Context(), callerID(r), 100)
	if err != nil {
		s.log.Error("file listing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list_failed")
		return
	}

	out := make([]fileSummary, 0, len(files))
	for _, f := range files {
		out = append(out, fileSummary{
			ID:          f.ID,
			Status:      f.Status,
			Filename:    f.OriginalFilename,
			ErrorCode:   f.ErrorCode,
			CreatedAt:   f.CreatedAt,
			ProcessedAt: f.ProcessedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": out})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
