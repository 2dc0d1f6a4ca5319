package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"bulksender/internal/queue"
	"bulksender/internal/storage"
	logx "bulksender/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAPI struct {
	srv *httptest.Server
	q   *queue.Queue
	cfg Config
}

func newTestAPI(t *testing.T, cfg Config) *testAPI {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{
		Path:             filepath.Join(t.TempDir(), "api.db"),
		MaxRetryAttempts: 3,
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	if cfg.UploadDir == "" {
		cfg.UploadDir = filepath.Join(t.TempDir(), "uploads")
	}
	q := queue.New(st, nil, logx.Nop(), queue.Defaults{})
	s := New(cfg, q, logx.Nop())
	s.now = func() time.Time { return time.Unix(1700000000, 0) }
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, q: q, cfg: s.cfg}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, header http.Header) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (a *testAPI) upload(t *testing.T, path, filename string, content []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return a.do(t, http.MethodPost, path, buf.String(), http.Header{"Content-Type": {mw.FormDataContentType()}})
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestAPI_Healthz(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, Config{APIKey: "secret"})

	resp := a.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(HeaderRequestID))
}

func TestAPI_RequiresKey(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, Config{APIKey: "secret"})

	resp := a.do(t, http.MethodGet, "/jobs", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = a.do(t, http.MethodGet, "/jobs", nil, http.Header{HeaderAPIKey: {"wrong"}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = a.do(t, http.MethodGet, "/jobs", nil, http.Header{HeaderAPIKey: {"secret"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]storage.Job](t, resp))
}

func TestAPI_CreateJobNormalizesAndDedupes(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, Config{})

	resp := a.do(t, http.MethodPost, "/jobs", createJobRequest{
		Recipients: []string{"+1 555 0100", "+15550100", "abc", "0044 20 7946 0000"},
		Text:       "hello",
		DelayMin:   "1s",
		DelayMax:   "2s",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	got := decode[createJobResponse](t, resp)
	assert.Equal(t, 2, got.Total)
	assert.Equal(t, 1, got.DuplicatesRemoved)
	assert.Equal(t, 1, got.Invalid)

	j, err := a.q.JobStatus(context.Background(), got.JobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobPending, j.Status)
	assert.Equal(t, time.Second, j.DelayMin)
	assert.Equal(t, 2*time.Second, j.DelayMax)

	resp = a.do(t, http.MethodGet, "/jobs/"+itoa(got.JobID)+"/messages", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := decode[[]storage.Message](t, resp)
	require.Len(t, msgs, 2)
	assert.Equal(t, "+15550100", msgs[0].Recipient)
	assert.Equal(t, "+442079460000", msgs[1].Recipient)
}

func TestAPI_CreateJobRejectsBadInput(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, Config{})

	tests := []struct {
		name string
		body any
	}{
		{"no recipients", createJobRequest{Text: "hi"}},
		{"only invalid recipients", createJobRequest{Recipients: []string{"abc"}, Text: "hi"}},
		{"no content", createJobRequest{Recipients: []string{"+15550100"}}},
		{"bad delay", createJobRequest{Recipients: []string{"+15550100"}, Text: "hi", DelayMin: "soon"}},
		{"inverted delays", createJobRequest{Recipients: []string{"+15550100"}, Text: "hi", DelayMin: "5s", DelayMax: "1s"}},
		{"missing attachment", createJobRequest{Recipients: []string{"+15550100"}, Attachment: "/does/not/exist.png"}},
		{"unknown field", `{"recipients":["+15550100"],"text":"hi","extra":1}`},
		{"not json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := a.do(t, http.MethodPost, "/jobs", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, decode[errorBody](t, resp).Error)
		})
	}

	jobs, err := a.q.Jobs(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestAPI_JobLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newTestAPI(t, Config{})

	id, err := a.q.Enqueue(ctx, queue.Request{Recipients: []string{"+1"}, Text: "hi"})
	require.NoError(t, err)
	path := "/jobs/" + itoa(id)

	resp := a.do(t, http.MethodGet, path, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, storage.JobPending, decode[storage.Job](t, resp).Status)

	// Resume requires paused.
	resp = a.do(t, http.MethodPost, path+"/resume", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Delete requires terminal.
	resp = a.do(t, http.MethodDelete, path, nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = a.do(t, http.MethodPost, path+"/pause", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, storage.JobPaused, decode[storage.Job](t, resp).Status)

	resp = a.do(t, http.MethodPost, path+"/resume", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, storage.JobRunning, decode[storage.Job](t, resp).Status)

	resp = a.do(t, http.MethodPost, path+"/stop", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, storage.JobStopped, decode[storage.Job](t, resp).Status)

	resp = a.do(t, http.MethodDelete, path, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = a.do(t, http.MethodGet, path, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_LookupErrors(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, Config{})

	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/jobs/999", nil, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodPost, "/jobs/999/stop", nil, nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodGet, "/jobs/abc", nil, nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodGet, "/jobs?limit=-1", nil, nil).StatusCode)

	id, err := a.q.Enqueue(context.Background(), queue.Request{Recipients: []string{"+1"}, Text: "hi"})
	require.NoError(t, err)
	resp := a.do(t, http.MethodGet, "/jobs/"+itoa(id)+"/messages?status=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_ListJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newTestAPI(t, Config{})
	for range 3 {
		_, err := a.q.Enqueue(ctx, queue.Request{Recipients: []string{"+1"}, Text: "hi"})
		require.NoError(t, err)
	}

	resp := a.do(t, http.MethodGet, "/jobs?limit=2", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]storage.Job](t, resp), 2)
}

func TestAPI_UploadContacts(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, Config{})

	csv := "name,Phone Number\nann,+1 555 0100\nbob,+15550100\ncat,0044 20 7946 0000\n"
	resp := a.upload(t, "/uploads/contacts", "my list.csv", []byte(csv))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[uploadContactsResponse](t, resp)
	assert.Equal(t, "my_list.csv", got.Filename)
	assert.Equal(t, 3, got.Total)
	assert.Equal(t, 2, got.Unique)
	assert.Equal(t, 1, got.Duplicates)
	assert.Equal(t, []string{"+15550100", "+442079460000"}, got.Contacts)
}

func TestAPI_UploadContactsPreviewIsCapped(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, Config{})

	var b strings.Builder
	for i := range 150 {
		b.WriteString("+1555000" + pad4(i) + "\n")
	}
	resp := a.upload(t, "/uploads/contacts", "list.txt", []byte(b.String()))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[uploadContactsResponse](t, resp)
	assert.Equal(t, 150, got.Unique)
	assert.Len(t, got.Contacts, previewLimit)
}

func TestAPI_UploadRejects(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, Config{MaxUploadBytes: 1024})

	assert.Equal(t, http.StatusBadRequest, a.upload(t, "/uploads/contacts", "list.exe", []byte("x")).StatusCode)
	assert.Equal(t, http.StatusBadRequest, a.upload(t, "/uploads/contacts", "photo.png", []byte("x")).StatusCode)
	assert.Equal(t, http.StatusBadRequest, a.upload(t, "/uploads/contacts", "sheet.xlsx", []byte("x")).StatusCode)
	assert.Equal(t, http.StatusBadRequest, a.upload(t, "/uploads/contacts", "empty.txt", []byte("  \n")).StatusCode)
	assert.Equal(t, http.StatusBadRequest, a.upload(t, "/uploads/attachment", "list.csv", []byte("x")).StatusCode)
	assert.Equal(t, http.StatusRequestEntityTooLarge, a.upload(t, "/uploads/attachment", "big.png", bytes.Repeat([]byte("x"), 4096)).StatusCode)

	resp := a.do(t, http.MethodPost, "/uploads/attachment", "", http.Header{"Content-Type": {"multipart/form-data; boundary=x"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_UploadAttachmentThenEnqueue(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, Config{})

	resp := a.upload(t, "/uploads/attachment", "../../etc/flyer v2.png", []byte("\x89PNG"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	got := decode[uploadAttachmentResponse](t, resp)
	assert.Equal(t, "flyer_v2.png", got.Filename)
	assert.Equal(t, filepath.Join(a.cfg.UploadDir, "flyer_v2.png"), got.Path)
	assert.Equal(t, int64(4), got.Size)

	data, err := os.ReadFile(got.Path)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), data)

	resp = a.do(t, http.MethodPost, "/jobs", createJobRequest{
		Recipients: []string{"+15550100"},
		Attachment: got.Path,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	job := decode[createJobResponse](t, resp)

	j, err := a.q.JobStatus(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, got.Path, j.Attachment)
	assert.Empty(t, j.Text)
}

func TestServer_ServeStopsOnCancel(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, Config{})
	s := New(Config{Addr: "127.0.0.1:0"}, a.q, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 5*time.Millisecond)
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }

func pad4(i int) string { return fmt.Sprintf("%04d", i) }
