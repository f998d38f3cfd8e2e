package http_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appauth "github.com/DCGM/docbroker/internal/application/auth"
	"github.com/DCGM/docbroker/internal/application/broker"
	"github.com/DCGM/docbroker/internal/domain"
	apihttp "github.com/DCGM/docbroker/internal/http"
	"github.com/DCGM/docbroker/internal/http/handler"
	"github.com/DCGM/docbroker/internal/storage/blob"
	"github.com/DCGM/docbroker/internal/storage/memory"
	sqlstorage "github.com/DCGM/docbroker/internal/storage/sql"
)

const testSecret = "router-test-secret"

type api struct {
	srv   *httptest.Server
	store *memory.Store

	adminKey  string
	userKey   string
	workerKey string
}

func newAPI(t *testing.T) *api {
	t.Helper()

	dir := t.TempDir()
	blobs, err := blob.NewStore(filepath.Join(dir, "jobs"), filepath.Join(dir, "results"))
	require.NoError(t, err)

	store := memory.NewStore(sqlstorage.JobConfig{
		Timeout:      5 * time.Minute,
		TimeoutGrace: 10 * time.Second,
		MaxAttempts:  3,
	})

	ctx, cancel := context.WithCancel(context.Background())
	authenticator := appauth.NewAuthenticator(ctx, store, testSecret)
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
		defer shutdownCancel()
		_ = authenticator.Shutdown(shutdownCtx)
		cancel()
	})

	server := handler.NewServer(broker.NewService(store, blobs), store, testSecret, "doc-broker")
	srv := httptest.NewServer(apihttp.New(server, authenticator))
	t.Cleanup(srv.Close)

	a := &api{srv: srv, store: store}
	a.adminKey = a.mint(t, "admin", domain.RoleAdmin)
	a.userKey = a.mint(t, "user", domain.RoleUser)
	a.workerKey = a.mint(t, "worker", domain.RoleWorker)
	return a
}

func (a *api) mint(t *testing.T, label string, role domain.KeyRole) string {
	t.Helper()
	rawKey, _, err := appauth.MintKey(context.Background(), a.store, testSecret, "doc-broker", label, role)
	require.NoError(t, err)
	return rawKey
}

type envelope struct {
	Status  int             `json:"status"`
	Code    string          `json:"code"`
	Detail  string          `json:"detail"`
	Data    json.RawMessage `json:"data"`
	Details json.RawMessage `json:"details"`
}

// do sends a request with the given key and decodes the envelope.
func (a *api) do(t *testing.T, method, path, key string, body []byte, contentType string) (*http.Response, envelope) {
	t.Helper()

	req, err := http.NewRequest(method, a.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := a.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var env envelope
	if resp.Header.Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	}
	return resp, env
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))))
	return buf.Bytes()
}

func zipBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("out.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func (a *api) createQueuedJob(t *testing.T) string {
	t.Helper()

	body := []byte(`{"images":[{"name":"page_0001","order":0},{"name":"page_0002","order":1}]}`)
	resp, env := a.do(t, http.MethodPost, "/v1/jobs", a.userKey, body, "application/json")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "JOB_CREATED", env.Code)

	var job struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &job))

	for _, name := range []string{"page_0001", "page_0002"} {
		path := fmt.Sprintf("/v1/jobs/%s/images/%s/files/image", job.ID, name)
		resp, env := a.do(t, http.MethodPut, path, a.userKey, pngBytes(t), "application/octet-stream")
		require.Equal(t, http.StatusCreated, resp.StatusCode, env.Detail)
	}
	return job.ID
}

// claim returns the claimed job id, or "" when the queue is empty.
func (a *api) claim(t *testing.T) string {
	t.Helper()
	resp, env := a.do(t, http.MethodPost, "/v1/jobs/lease", a.workerKey, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	if env.Code == "JOB_QUEUE_EMPTY" {
		return ""
	}
	require.Equal(t, "JOB_ASSIGNED", env.Code)

	var lease struct {
		ID            string    `json:"id"`
		LeaseExpireAt time.Time `json:"lease_expire_at"`
		ServerTime    time.Time `json:"server_time"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &lease))
	require.NotZero(t, lease.LeaseExpireAt)
	require.True(t, lease.LeaseExpireAt.After(lease.ServerTime))
	return lease.ID
}

func TestAuthRequired(t *testing.T) {
	a := newAPI(t)

	resp, env := a.do(t, http.MethodGet, "/v1/me", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "API_KEY_MISSING", env.Code)
	assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))

	resp, env = a.do(t, http.MethodGet, "/v1/me", "doc-broker.bogus", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "API_KEY_INVALID", env.Code)
}

func TestAuthViaQueryParameter(t *testing.T) {
	a := newAPI(t)

	resp, env := a.do(t, http.MethodGet, "/v1/me?api_key="+a.userKey, "", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "API_KEY_VALID", env.Code)
}

func TestMe(t *testing.T) {
	a := newAPI(t)

	resp, env := a.do(t, http.MethodGet, "/v1/me", a.userKey, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var key struct {
		Label string `json:"label"`
		Role  string `json:"role"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &key))
	assert.Equal(t, "user", key.Label)
	assert.Equal(t, "user", key.Role)
}

func TestRoleForbidden(t *testing.T) {
	a := newAPI(t)

	// Workers cannot create jobs.
	body := []byte(`{"images":[{"name":"p","order":0}]}`)
	resp, env := a.do(t, http.MethodPost, "/v1/jobs", a.workerKey, body, "application/json")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "API_KEY_ROLE_FORBIDDEN", env.Code)

	// Users cannot claim.
	resp, env = a.do(t, http.MethodPost, "/v1/jobs/lease", a.userKey, nil, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "API_KEY_ROLE_FORBIDDEN", env.Code)

	// Users cannot reach admin routes.
	resp, env = a.do(t, http.MethodGet, "/v1/admin/keys", a.userKey, nil, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "API_KEY_ROLE_FORBIDDEN", env.Code)
}

func TestHappyPathOverHTTP(t *testing.T) {
	a := newAPI(t)
	jobID := a.createQueuedJob(t)

	// The job reports queued to its owner.
	resp, env := a.do(t, http.MethodGet, "/v1/jobs/"+jobID, a.userKey, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view struct {
		State            string `json:"state"`
		PreviousAttempts *int   `json:"previous_attempts"`
		Log              string `json:"log"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, "queued", view.State)
	// Owners see no internal fields.
	assert.Nil(t, view.PreviousAttempts)

	claimed := a.claim(t)
	require.Equal(t, jobID, claimed)

	// Upload the result and finalize.
	resp, env = a.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/result", a.workerKey, zipBytes(t), "application/zip")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "JOB_RESULT_UPLOADED", env.Code)

	resp, env = a.do(t, http.MethodPatch, "/v1/jobs/"+jobID, a.workerKey, []byte(`{"state":"done"}`), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "JOB_COMPLETED", env.Code)

	// Owner downloads the ZIP.
	req, err := http.NewRequest(http.MethodGet, a.srv.URL+"/v1/jobs/"+jobID+"/result", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", a.userKey)
	dl, err := a.srv.Client().Do(req)
	require.NoError(t, err)
	defer dl.Body.Close()
	require.Equal(t, http.StatusOK, dl.StatusCode)
	assert.Equal(t, "application/zip", dl.Header.Get("Content-Type"))
	data, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, zipBytes(t), data)

	// Completing again is idempotent.
	resp, env = a.do(t, http.MethodPatch, "/v1/jobs/"+jobID, a.workerKey, []byte(`{"state":"done"}`), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "JOB_ALREADY_COMPLETED", env.Code)
}

func TestClaimEmptyQueueEnvelope(t *testing.T) {
	a := newAPI(t)
	assert.Empty(t, a.claim(t))
}

func TestCancelDuringProcessingOverHTTP(t *testing.T) {
	a := newAPI(t)
	jobID := a.createQueuedJob(t)
	require.Equal(t, jobID, a.claim(t))

	resp, env := a.do(t, http.MethodPatch, "/v1/jobs/"+jobID, a.userKey, []byte(`{"state":"cancelled"}`), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "JOB_CANCELLED", env.Code)

	// Worker heartbeat now conflicts.
	resp, env = a.do(t, http.MethodPatch, "/v1/jobs/"+jobID+"/lease", a.workerKey, nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "JOB_NOT_IN_PROCESSING", env.Code)

	// Cancelling again conflicts with the current state in details.
	resp, env = a.do(t, http.MethodPatch, "/v1/jobs/"+jobID, a.userKey, []byte(`{"state":"cancelled"}`), "application/json")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "JOB_UNCANCELLABLE", env.Code)
	assert.Contains(t, string(env.Details), "cancelled")
}

func TestProgressUpdateReturnsLease(t *testing.T) {
	a := newAPI(t)
	jobID := a.createQueuedJob(t)
	require.Equal(t, jobID, a.claim(t))

	resp, env := a.do(t, http.MethodPatch, "/v1/jobs/"+jobID, a.workerKey,
		[]byte(`{"progress":0.5,"log":"half done"}`), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "JOB_UPDATED", env.Code)

	var lease struct {
		LeaseExpireAt time.Time `json:"lease_expire_at"`
		ServerTime    time.Time `json:"server_time"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &lease))
	assert.True(t, lease.LeaseExpireAt.After(lease.ServerTime))

	// An empty update is a validation error.
	resp, env = a.do(t, http.MethodPatch, "/v1/jobs/"+jobID, a.workerKey, []byte(`{}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "REQUEST_VALIDATION_ERROR", env.Code)
}

func TestLeaseReleaseOverHTTP(t *testing.T) {
	a := newAPI(t)
	jobID := a.createQueuedJob(t)
	require.Equal(t, jobID, a.claim(t))

	req, err := http.NewRequest(http.MethodDelete, a.srv.URL+"/v1/jobs/"+jobID+"/lease", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", a.workerKey)
	resp, err := a.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// The job is claimable again.
	require.Equal(t, jobID, a.claim(t))
}

func TestResultNotReadyAndGone(t *testing.T) {
	a := newAPI(t)
	jobID := a.createQueuedJob(t)

	resp, env := a.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/result", a.userKey, nil, "")
	assert.Equal(t, http.StatusTooEarly, resp.StatusCode)
	assert.Equal(t, "JOB_RESULT_NOT_READY", env.Code)

	resp, env = a.do(t, http.MethodPatch, "/v1/jobs/"+jobID, a.userKey, []byte(`{"state":"cancelled"}`), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env = a.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/result", a.userKey, nil, "")
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	assert.Equal(t, "JOB_RESULT_GONE", env.Code)
}

func TestUploadValidationOverHTTP(t *testing.T) {
	a := newAPI(t)
	body := []byte(`{"images":[{"name":"page_0001","order":0}],"alto_required":true}`)
	resp, env := a.do(t, http.MethodPost, "/v1/jobs", a.userKey, body, "application/json")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var job struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &job))

	// Garbage image payload.
	resp, env = a.do(t, http.MethodPut, "/v1/jobs/"+job.ID+"/images/page_0001/files/image",
		a.userKey, []byte("junk"), "application/octet-stream")
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	assert.Equal(t, "IMAGE_INVALID", env.Code)

	// Malformed ALTO.
	resp, env = a.do(t, http.MethodPut, "/v1/jobs/"+job.ID+"/images/page_0001/files/alto",
		a.userKey, []byte("<alto><broken"), "application/xml")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "XML_PARSE_ERROR", env.Code)

	// PAGE upload when not required.
	resp, env = a.do(t, http.MethodPut, "/v1/jobs/"+job.ID+"/images/page_0001/files/page",
		a.userKey, []byte("<PcGts/>"), "application/xml")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "PAGE_NOT_REQUIRED", env.Code)

	// A well-formed ALTO upload is accepted.
	resp, env = a.do(t, http.MethodPut, "/v1/jobs/"+job.ID+"/images/page_0001/files/alto",
		a.userKey, []byte(`<alto><Layout/></alto>`), "application/xml")
	require.Equal(t, http.StatusCreated, resp.StatusCode, env.Detail)
}

func TestAdminKeyLifecycle(t *testing.T) {
	a := newAPI(t)

	resp, env := a.do(t, http.MethodPost, "/v1/admin/keys", a.adminKey,
		[]byte(`{"label":"worker-2","role":"worker"}`), "application/json")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "KEY_CREATED", env.Code)

	var created struct {
		Key    string `json:"key"`
		Record struct {
			ID string `json:"id"`
		} `json:"record"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.NotEmpty(t, created.Key)

	// The fresh key authenticates.
	resp, env = a.do(t, http.MethodGet, "/v1/me", created.Key, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Duplicate label conflicts.
	resp, env = a.do(t, http.MethodPost, "/v1/admin/keys", a.adminKey,
		[]byte(`{"label":"worker-2","role":"worker"}`), "application/json")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "KEY_LABEL_ALREADY_EXISTS", env.Code)

	// Deactivate and watch authentication fail.
	resp, env = a.do(t, http.MethodPatch, "/v1/admin/keys/"+created.Record.ID, a.adminKey,
		[]byte(`{"active":false}`), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env = a.do(t, http.MethodGet, "/v1/me", created.Key, nil, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "API_KEY_INACTIVE", env.Code)
}

func TestEngineAdminFlow(t *testing.T) {
	a := newAPI(t)

	resp, env := a.do(t, http.MethodPost, "/v1/admin/engines", a.adminKey,
		[]byte(`{"name":"ocr-engine","version":"2.0.1","default":true}`), "application/json")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "ENGINE_CREATED", env.Code)

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.NotEmpty(t, created.ID)

	// Non-admin listings hide internal fields.
	resp, env = a.do(t, http.MethodGet, "/v1/engines", a.userKey, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var engines []struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &engines))
	require.Len(t, engines, 1)
	assert.Empty(t, engines[0].ID)
	assert.Equal(t, "ocr-engine", engines[0].Name)

	// Jobs can name the engine explicitly.
	body := []byte(`{"images":[{"name":"p1","order":0}],"engine_name":"ocr-engine","engine_version":"2.0.1"}`)
	resp, env = a.do(t, http.MethodPost, "/v1/jobs", a.userKey, body, "application/json")
	require.Equal(t, http.StatusCreated, resp.StatusCode, env.Detail)

	// Deactivated engines are rejected for new jobs.
	resp, env = a.do(t, http.MethodPatch, "/v1/admin/engines/"+created.ID, a.adminKey,
		[]byte(`{"active":false}`), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ENGINE_UPDATED", env.Code)

	resp, env = a.do(t, http.MethodPost, "/v1/jobs", a.userKey, body, "application/json")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "ENGINE_INACTIVE", env.Code)
}

func TestHealthz(t *testing.T) {
	a := newAPI(t)

	resp, err := a.srv.Client().Get(a.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
