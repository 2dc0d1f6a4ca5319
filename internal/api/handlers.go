package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"bulksender/internal/contacts"
	"bulksender/internal/queue"
	"bulksender/internal/storage"
	logx "bulksender/pkg/logx"

	"github.com/go-chi/chi/v5"
)

type errorBody struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

// createJobRequest is the POST /jobs payload. Delays are Go duration strings.
type createJobRequest struct {
	Recipients []string `json:"recipients"`
	Text       string   `json:"text"`
	Attachment string   `json:"attachment,omitempty"`
	DelayMin   string   `json:"delay_min,omitempty"`
	DelayMax   string   `json:"delay_max,omitempty"`
}

type createJobResponse struct {
	JobID             int64 `json:"job_id"`
	Total             int   `json:"total_messages"`
	DuplicatesRemoved int   `json:"duplicates_removed"`
	Invalid           int   `json:"invalid"`
}

type uploadContactsResponse struct {
	Filename   string   `json:"filename"`
	Total      int      `json:"total"`
	Unique     int      `json:"unique"`
	Duplicates int      `json:"duplicates"`
	Contacts   []string `json:"contacts"`
}

type uploadAttachmentResponse struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body: " + err.Error()})
		return
	}

	minD, err := parseDelay("delay_min", req.DelayMin)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	maxD, err := parseDelay("delay_max", req.DelayMax)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	normalized := make([]string, 0, len(req.Recipients))
	for _, raw := range req.Recipients {
		if p := contacts.Normalize(raw); p != "" {
			normalized = append(normalized, p)
		}
	}
	unique := queue.Dedupe(normalized)

	attach := strings.TrimSpace(req.Attachment)
	if attach != "" {
		abs, err := filepath.Abs(attach)
		if err == nil {
			attach = abs
		}
		if _, err := os.Stat(attach); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{
				Error: "attachment file not found: " + attach,
				Hint:  "upload it first via POST /uploads/attachment",
			})
			return
		}
	}

	id, err := s.q.Enqueue(r.Context(), queue.Request{
		Recipients: unique,
		Text:       req.Text,
		Attachment: attach,
		DelayMin:   minD,
		DelayMax:   maxD,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createJobResponse{
		JobID:             id,
		Total:             len(unique),
		DuplicatesRemoved: len(normalized) - len(unique),
		Invalid:           len(req.Recipients) - len(normalized),
	})
}

func parseDelay(field, v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative duration, got %q", queue.ErrInvalidInput, field, v)
	}
	return d, nil
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", queue.ErrInvalidInput))
			return
		}
		limit = n
	}
	jobs, err := s.q.Jobs(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []storage.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	j, err := s.q.JobStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) jobMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	status := storage.MessageStatus(r.URL.Query().Get("status"))
	msgs, err := s.q.JobMessages(r.Context(), id, status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []storage.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if err := s.q.DeleteJob(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) admin(op func(context.Context, int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.jobID(w, r)
		if !ok {
			return
		}
		if err := op(r.Context(), id); err != nil {
			s.writeError(w, r, err)
			return
		}
		j, err := s.q.JobStatus(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, j)
	}
}

func (s *Server) uploadContacts(w http.ResponseWriter, r *http.Request) {
	name, data, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	if !contacts.IsList(name) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid file type, expected a contact list (txt, csv)"})
		return
	}
	list, err := contacts.Parse(bytes.NewReader(data), contacts.Ext(name))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	unique := queue.Dedupe(list)
	preview := unique
	if len(preview) > previewLimit {
		preview = preview[:previewLimit]
	}
	if preview == nil {
		preview = []string{}
	}
	writeJSON(w, http.StatusOK, uploadContactsResponse{
		Filename:   contacts.SanitizeFilename(name, s.now()),
		Total:      len(list),
		Unique:     len(unique),
		Duplicates: len(list) - len(unique),
		Contacts:   preview,
	})
}

func (s *Server) uploadAttachment(w http.ResponseWriter, r *http.Request) {
	name, data, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	if contacts.IsList(name) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "contact lists are not attachments; use POST /uploads/contacts"})
		return
	}
	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		s.writeError(w, r, err)
		return
	}
	fname := contacts.SanitizeFilename(name, s.now())
	path, err := filepath.Abs(filepath.Join(s.cfg.UploadDir, fname))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.writeError(w, r, fmt.Errorf("save attachment: %w", err))
		return
	}
	s.log.Info("attachment stored", logx.String("path", path), logx.Int("bytes", len(data)))
	writeJSON(w, http.StatusCreated, uploadAttachmentResponse{Filename: fname, Path: path, Size: int64(len(data))})
}

// readUpload reads the multipart "file" field and checks its extension.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (string, []byte, bool) {
	if r.ContentLength > s.cfg.MaxUploadBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: fmt.Sprintf("upload larger than %d bytes", s.cfg.MaxUploadBytes)})
		return "", nil, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	f, hdr, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		switch {
		case errors.As(err, &tooBig):
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: fmt.Sprintf("upload larger than %d bytes", s.cfg.MaxUploadBytes)})
		case errors.Is(err, http.ErrMissingFile):
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "no file provided"})
		default:
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid multipart body: " + err.Error()})
		}
		return "", nil, false
	}
	defer f.Close()

	if strings.TrimSpace(hdr.Filename) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "no file selected"})
		return "", nil, false
	}
	if !contacts.Allowed(hdr.Filename) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid file type"})
		return "", nil, false
	}
	data, err := io.ReadAll(f)
	if err != nil {
		s.writeError(w, r, err)
		return "", nil, false
	}
	return hdr.Filename, data, true
}

func (s *Server) jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid job id"})
		return 0, false
	}
	return id, true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidInput),
		errors.Is(err, contacts.ErrUnsupportedFormat),
		errors.Is(err, contacts.ErrEmptyFile):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, queue.ErrJobNotFound), errors.Is(err, queue.ErrMessageNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, queue.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	default:
		s.log.Error("api request failed",
			logx.String("request_id", requestIDFrom(r.Context())),
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Err(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
