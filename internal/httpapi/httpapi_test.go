package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/recapio/recap/internal/reports"
	"github.com/recapio/recap/internal/store"
	"github.com/recapio/recap/internal/taxonomy"
	"github.com/recapio/recap/internal/upload"
)

type fakeUploader struct {
	got  upload.Input
	file *store.File
	err  error
}

func (u *fakeUploader) Upload(_ context.Context, in upload.Input) (*store.File, error) {
	u.got = in
	if u.err != nil {
		return nil, u.err
	}
	return u.file, nil
}

type fakeReader struct {
	gotOwner string
	gotFile  string
	report   *reports.Report
	err      error
}

func (r *fakeReader) Get(_ context.Context, ownerID, fileID string) (*reports.Report, error) {
	r.gotOwner, r.gotFile = ownerID, fileID
	if r.err != nil {
		return nil, r.err
	}
	return r.report, nil
}

type fakeLister struct {
	files []*store.File
	err   error
}

func (l *fakeLister) ListOwnedFiles(_ context.Context, _ string, _ int) ([]*store.File, error) {
	return l.files, l.err
}

func newServer(up *fakeUploader, rd *fakeReader, ls *fakeLister) *Server {
	if up == nil {
		up = &fakeUploader{}
	}
	if rd == nil {
		rd = &fakeReader{}
	}
	if ls == nil {
		ls = &fakeLister{}
	}
	return New(up, rd, ls, nil)
}

// multipartBody builds a multipart request body with one file field.
func multipartBody(t *testing.T, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestUploadHappyPath(t *testing.T) {
	up := &fakeUploader{file: &store.File{ID: "f-1", Status: store.FileQueued}}
	srv := newServer(up, nil, nil)

	body, contentType := multipartBody(t, "standup.txt", []byte("hello world\n"))
	req := httptest.NewRequest(http.MethodPost, "/api/files/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(UserHeader, "u-1")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	resp := decodeBody(t, rec)
	if resp["file_id"] != "f-1" || resp["status"] != "queued" {
		t.Errorf("body = %v", resp)
	}
	if up.got.UserID != "u-1" || up.got.Filename != "standup.txt" {
		t.Errorf("uploader input = %+v", up.got)
	}
	if string(up.got.Data) != "hello world\n" {
		t.Errorf("uploaded data = %q", up.got.Data)
	}
}

func TestUploadRequiresUserHeader(t *testing.T) {
	srv := newServer(nil, nil, nil)

	body, contentType := multipartBody(t, "a.txt", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/api/files/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestUploadErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid type", taxonomy.Fatal(taxonomy.CodeInvalidFileType, "nope"), http.StatusBadRequest, "invalid_file_type"},
		{"empty", taxonomy.Fatal(taxonomy.CodeEmptyTranscript, "empty"), http.StatusBadRequest, "empty_original_transcript"},
		{"too large", taxonomy.Fatal(taxonomy.CodeFileTooLarge, "big"), http.StatusRequestEntityTooLarge, "file_too_large"},
		{"enqueue failure", taxonomy.Fatal(taxonomy.CodeEnqueueFailed, "boom"), http.StatusInternalServerError, "upload_failed"},
		{"storage failure", taxonomy.Fatal(taxonomy.CodeS3PutFailed, "boom"), http.StatusInternalServerError, "upload_failed"},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError, "upload_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(&fakeUploader{err: tt.err}, nil, nil)

			body, contentType := multipartBody(t, "a.txt", []byte("x"))
			req := httptest.NewRequest(http.MethodPost, "/api/files/upload", body)
			req.Header.Set("Content-Type", contentType)
			req.Header.Set(UserHeader, "u-1")
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := decodeBody(t, rec)["error"]; got != tt.wantCode {
				t.Errorf("error = %v, want %s", got, tt.wantCode)
			}
		})
	}
}

func TestUploadMissingFileField(t *testing.T) {
	srv := newServer(nil, nil, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("other", "value")
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/files/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(UserHeader, "u-1")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestReportHappyPath(t *testing.T) {
	fileID := uuid.NewString()
	rd := &fakeReader{report: &reports.Report{
		ID:               fileID,
		Status:           store.FileSucceeded,
		StorageKeyReport: "users/u-1/files/" + fileID + "/report.json",
		Report:           map[string]any{"summary": "ok", "items": []any{}},
	}}
	srv := newServer(nil, rd, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/files/"+fileID+"/report", nil)
	req.Header.Set(UserHeader, "u-1")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if rd.gotOwner != "u-1" || rd.gotFile != fileID {
		t.Errorf("reader called with %s/%s", rd.gotOwner, rd.gotFile)
	}
	resp := decodeBody(t, rec)
	report, ok := resp["report"].(map[string]any)
	if !ok || report["summary"] != "ok" {
		t.Errorf("report payload = %v", resp["report"])
	}
}

func TestReportInvalidID(t *testing.T) {
	srv := newServer(nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/files/not-a-uuid/report", nil)
	req.Header.Set(UserHeader, "u-1")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if got := decodeBody(t, rec)["error"]; got != "invalid_id" {
		t.Errorf("error = %v", got)
	}
}

func TestReportErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", reports.ErrNotFound, http.StatusNotFound, "not_found"},
		{"not ready", reports.ErrNotReady, http.StatusConflict, "report_not_ready"},
		{"fetch failed", reports.ErrFetchFailed, http.StatusInternalServerError, "report_fetch_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(nil, &fakeReader{err: tt.err}, nil)

			req := httptest.NewRequest(http.MethodGet, "/api/files/"+uuid.NewString()+"/report", nil)
			req.Header.Set(UserHeader, "u-1")
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := decodeBody(t, rec)["error"]; got != tt.wantCode {
				t.Errorf("error = %v, want %s", got, tt.wantCode)
			}
		})
	}
}

func TestListFiles(t *testing.T) {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	ls := &fakeLister{files: []*store.File{
		{ID: "f-2", Status: store.FileQueued, OriginalFilename: "b.txt", CreatedAt: now},
		{ID: "f-1", Status: store.FileSucceeded, OriginalFilename: "a.txt", CreatedAt: now.Add(-time.Hour)},
	}}
	srv := newServer(nil, nil, ls)

	req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
	req.Header.Set(UserHeader, "u-1")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeBody(t, rec)
	files, ok := resp["files"].([]any)
	if !ok || len(files) != 2 {
		t.Fatalf("files = %v", resp["files"])
	}
	first, _ := files[0].(map[string]any)
	if first["id"] != "f-2" || first["filename"] != "b.txt" {
		t.Errorf("first entry = %v", first)
	}
}

func TestListFilesEmpty(t *testing.T) {
	srv := newServer(nil, nil, &fakeLister{})

	req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
	req.Header.Set(UserHeader, "u-1")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	files, ok := decodeBody(t, rec)["files"].([]any)
	if !ok || len(files) != 0 {
		t.Errorf("files = %v", files)
	}
}
