package broker_test

import (
	"archive/zip"
	"bytes"
	"context"
	"image"
	"image/png"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DCGM/docbroker/internal/application/broker"
	"github.com/DCGM/docbroker/internal/domain"
	"github.com/DCGM/docbroker/internal/storage/blob"
	"github.com/DCGM/docbroker/internal/storage/memory"
	sqlstorage "github.com/DCGM/docbroker/internal/storage/sql"
	"github.com/DCGM/docbroker/internal/validate"
)

type fixture struct {
	svc   *broker.Service
	store *memory.Store
	blobs *blob.Store
	now   time.Time

	owner  *domain.Key
	worker *domain.Key
	ctx    context.Context
}

func newFixture(t *testing.T, jobCfg sqlstorage.JobConfig) *fixture {
	t.Helper()

	dir := t.TempDir()
	blobs, err := blob.NewStore(filepath.Join(dir, "jobs"), filepath.Join(dir, "results"))
	require.NoError(t, err)

	store := memory.NewStore(jobCfg)
	f := &fixture{
		svc:   broker.NewService(store, blobs),
		store: store,
		blobs: blobs,
		now:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		owner: &domain.Key{ID: uuid.New(), Label: "owner", Role: domain.RoleUser, Active: true},
		worker: &domain.Key{
			ID: uuid.New(), Label: "worker", Role: domain.RoleWorker, Active: true,
		},
		ctx: context.Background(),
	}
	store.Now = func() time.Time { return f.now }
	return f
}

func defaultJobCfg() sqlstorage.JobConfig {
	return sqlstorage.JobConfig{
		Timeout:      5 * time.Minute,
		TimeoutGrace: 10 * time.Second,
		MaxAttempts:  3,
	}
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

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
	w, err := zw.Create("output.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("ocr output"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func (f *fixture) createJob(t *testing.T, params broker.CreateJobParams) *domain.Job {
	t.Helper()
	job, err := f.svc.CreateJob(f.ctx, f.owner, params)
	require.NoError(t, err)
	return job
}

// uploadAllImages pushes a valid image payload for every named image.
func (f *fixture) uploadAllImages(t *testing.T, jobID uuid.UUID, names ...string) {
	t.Helper()
	for _, name := range names {
		_, err := f.svc.UploadImage(f.ctx, f.owner, jobID, name, pngBytes(t))
		require.NoError(t, err)
	}
}

func (f *fixture) claim(t *testing.T) *domain.Job {
	t.Helper()
	job, _, err := f.svc.ClaimJob(f.ctx, f.worker)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func twoImages() broker.CreateJobParams {
	return broker.CreateJobParams{
		Images: []broker.ImageDef{
			{Name: "page_0001", Order: 0},
			{Name: "page_0002", Order: 1},
		},
		Definition: []byte(`{"images":[{"name":"page_0001","order":0},{"name":"page_0002","order":1}]}`),
	}
}

func TestCreateJobValidation(t *testing.T) {
	f := newFixture(t, defaultJobCfg())

	_, err := f.svc.CreateJob(f.ctx, f.owner, broker.CreateJobParams{})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.svc.CreateJob(f.ctx, f.owner, broker.CreateJobParams{
		Images: []broker.ImageDef{{Name: "a", Order: 0}, {Name: "a", Order: 1}},
	})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCreateJobInitialState(t *testing.T) {
	f := newFixture(t, defaultJobCfg())
	job := f.createJob(t, twoImages())

	assert.Equal(t, domain.StateNew, job.State)
	assert.Zero(t, job.Progress)
	assert.Zero(t, job.PreviousAttempts)
	assert.Nil(t, job.Started)
	assert.Nil(t, job.Finished)
	assert.Nil(t, job.WorkerKeyID)
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t, defaultJobCfg())
	job := f.createJob(t, twoImages())

	// Both images uploaded, no XML required: the job queues.
	f.uploadAllImages(t, job.ID, "page_0001", "page_0002")
	got, _, err := f.svc.GetJob(f.ctx, f.owner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, got.State)

	claimed := f.claim(t)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, domain.StateProcessing, claimed.State)
	assert.Equal(t, 1, claimed.PreviousAttempts)
	require.NotNil(t, claimed.WorkerKeyID)
	assert.Equal(t, f.worker.ID, *claimed.WorkerKeyID)
	require.NotNil(t, claimed.Started)

	require.NoError(t, f.svc.UploadResult(f.ctx, f.worker, job.ID, bytes.NewReader(zipBytes(t))))

	code, err := f.svc.CompleteJob(f.ctx, f.worker, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CodeJobCompleted, code)

	file, size, err := f.svc.DownloadResult(f.ctx, f.owner, job.ID)
	require.NoError(t, err)
	file.Close()
	assert.Equal(t, int64(len(zipBytes(t))), size)

	got, _, err = f.svc.GetJob(f.ctx, f.owner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDone, got.State)
	assert.Equal(t, 1.0, got.Progress)
	require.NotNil(t, got.Finished)
}

func TestReadinessGating(t *testing.T) {
	f := newFixture(t, defaultJobCfg())
	params := twoImages()
	params.AltoRequired = true
	job := f.createJob(t, params)

	alto := []byte(`<?xml version="1.0"?><alto><Layout/></alto>`)

	// image1 image + alto: still NEW.
	_, err := f.svc.UploadImage(f.ctx, f.owner, job.ID, "page_0001", pngBytes(t))
	require.NoError(t, err)
	out, err := f.svc.UploadAlto(f.ctx, f.owner, job.ID, "page_0001", alto)
	require.NoError(t, err)
	assert.False(t, out.Queued)

	// image2 image only: still NEW.
	out, err = f.svc.UploadImage(f.ctx, f.owner, job.ID, "page_0002", pngBytes(t))
	require.NoError(t, err)
	assert.False(t, out.Queued)

	// image2 alto completes the requirements atomically with the upload.
	out, err = f.svc.UploadAlto(f.ctx, f.owner, job.ID, "page_0002", alto)
	require.NoError(t, err)
	assert.True(t, out.Queued)

	got, _, err := f.svc.GetJob(f.ctx, f.owner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, got.State)
}

func TestReadinessMetadataGating(t *testing.T) {
	f := newFixture(t, defaultJobCfg())
	params := twoImages()
	params.MetaJSONRequired = true
	job := f.createJob(t, params)

	f.uploadAllImages(t, job.ID, "page_0001", "page_0002")
	got, _, err := f.svc.GetJob(f.ctx, f.owner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateNew, got.State)

	out, err := f.svc.UploadMetaJSON(f.ctx, f.owner, job.ID, []byte(`{"title":"x"}`))
	require.NoError(t, err)
	assert.True(t, out.Queued)
}

func TestReuploadIsIdempotentForReadiness(t *testing.T) {
	f := newFixture(t, defaultJobCfg())
	job := f.createJob(t, broker.CreateJobParams{
		Images: []broker.ImageDef{{Name: "page_0001", Order: 0}, {Name: "page_0002", Order: 1}},
	})

	out, err := f.svc.UploadImage(f.ctx, f.owner, job.ID, "page_0001", pngBytes(t))
	require.NoError(t, err)
	assert.False(t, out.Reuploaded)
	assert.False(t, out.Queued)

	// Re-uploading the same artifact changes nothing about readiness.
	out, err = f.svc.UploadImage(f.ctx, f.owner, job.ID, "page_0001", pngBytes(t))
	require.NoError(t, err)
	assert.True(t, out.Reuploaded)
	assert.False(t, out.Queued)
}

func TestUploadPreconditions(t *testing.T) {
	f := newFixture(t, defaultJobCfg())
	job := f.createJob(t, twoImages())

	// ALTO not required for this job.
	_, err := f.svc.UploadAlto(f.ctx, f.owner, job.ID, "page_0001", []byte(`<alto/>`))
	require.ErrorIs(t, err, domain.ErrAltoNotRequired)

	// Unknown image name.
	_, err = f.svc.UploadImage(f.ctx, f.owner, job.ID, "page_9999", pngBytes(t))
	require.ErrorIs(t, err, domain.ErrImageNotFound)

	// Undecodable payload is rejected before any state change.
	_, err = f.svc.UploadImage(f.ctx, f.owner, job.ID, "page_0001", []byte("junk"))
	require.ErrorIs(t, err, validate.ErrImageUndecodable)
	images, err := f.svc.ListImages(f.ctx, f.owner, job.ID)
	require.NoError(t, err)
	for _, img := range images {
		assert.False(t, img.ImageUploaded)
	}

	// Foreign caller is rejected.
	stranger := &domain.Key{ID: uuid.New(), Label: "stranger", Role: domain.RoleUser, Active: true}
	_, err = f.svc.UploadImage(f.ctx, stranger, job.ID, "page_0001", pngBytes(t))
	require.ErrorIs(t, err, domain.ErrForbidden)

	// Once queued, uploads are rejected.
	f.uploadAllImages(t, job.ID, "page_0001", "page_0002")
	_, err = f.svc.UploadImage(f.ctx, f.owner, job.ID, "page_0001", pngBytes(t))
	require.ErrorIs(t, err, domain.ErrJobNotNew)
}

func TestClaimEmptyQueue(t *testing.T) {
	f := newFixture(t, defaultJobCfg())

	job, _, err := f.svc.ClaimJob(f.ctx, f.worker)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimIsFIFO(t *testing.T) {
	f := newFixture(t, defaultJobCfg())

	first := f.createJob(t, twoImages())
	f.uploadAllImages(t, first.ID, "page_0001", "page_0002")
	f.advance(time.Second)
	second := f.createJob(t, twoImages())
	f.uploadAllImages(t, second.ID, "page_0001", "page_0002")

	assert.Equal(t, first.ID, f.claim(t).ID)
	assert.Equal(t, second.ID, f.claim(t).ID)
}

func TestLeaseOperations(t *testing.T) {
	f := newFixture(t, defaultJobCfg())
	job := f.createJob(t, twoImages())
	f.uploadAllImages(t, job.ID, "page_0001", "page_0002")
	f.claim(t)

	f.advance(time.Minute)
	lease, err := f.svc.Heartbeat(f.ctx, f.worker, job.ID)
	require.NoError(t, err)
	assert.Equal(t, f.now, lease.ServerTime)
	assert.Equal(t, f.now.Add(defaultJobCfg().Timeout), lease.ExpireAt)

	// A stranger worker cannot heartbeat.
	otherWorker := &domain.Key{ID: uuid.New(), Label: "worker-2", Role: domain.RoleWorker, Active: true}
	_, err = f.svc.Heartbeat(f.ctx, otherWorker, job.ID)
	require.ErrorIs(t, err, domain.ErrForbidden)

	// Empty progress update is rejected.
	_, _, err = f.svc.UpdateProgress(f.ctx, f.worker, job.ID, broker.ProgressUpdate{})
	require.ErrorIs(t, err, domain.ErrNoFields)

	// Progress is clamped and log appends join with newlines.
	p := 1.7
	updated, _, err := f.svc.UpdateProgress(f.ctx, f.worker, job.ID, broker.ProgressUpdate{
		Progress: &p, Log: "step one",
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, updated.Progress)
	assert.Equal(t, "step one", updated.Log)

	updated, _, err = f.svc.UpdateProgress(f.ctx, f.worker, job.ID, broker.ProgressUpdate{Log: "step two"})
	require.NoError(t, err)
	assert.Equal(t, "step one\nstep two", updated.Log)
}

func TestReleaseLeaseReturnsJobToQueue(t *testing.T) {
	f := newFixture(t, defaultJobCfg())
	job := f.createJob(t, twoImages())
	f.uploadAllImages(t, job.ID, "page_0001", "page_0002")
	f.claim(t)

	require.NoError(t, f.svc.ReleaseLease(f.ctx, f.worker, job.ID))

	got, _, err := f.svc.GetJob(f.ctx, f.owner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, got.State)
	assert.Nil(t, got.WorkerKeyID)

	// The next claim consumes a fresh attempt.
	reclaimed := f.claim(t)
	assert.Equal(t, job.ID, reclaimed.ID)
	assert.Equal(t, 2, reclaimed.PreviousAttempts)
}

func TestTimeoutRetry(t *testing.T) {
	f := newFixture(t, defaultJobCfg())
	job := f.createJob(t, twoImages())
	f.uploadAllImages(t, job.ID, "page_0001", "page_0002")

	claimed := f.claim(t)
	assert.Equal(t, 1, claimed.PreviousAttempts)

	// Silence past timeout + grace: the next claim reclaims the job.
	f.advance(defaultJobCfg().Timeout + defaultJobCfg().TimeoutGrace + time.Second)
	workerB := &domain.Key{ID: uuid.New(), Label: "worker-b", Role: domain.RoleWorker, Active: true}
	reclaimed, _, err := f.svc.ClaimJob(f.ctx, workerB)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, job.ID, reclaimed.ID)
	assert.Equal(t, 2, reclaimed.PreviousAttempts)
	require.NotNil(t, reclaimed.WorkerKeyID)
	assert.Equal(t, workerB.ID, *reclaimed.WorkerKeyID)
}

func TestMaxAttemptsExhausted(t *testing.T) {
	cfg := defaultJobCfg()
	cfg.MaxAttempts = 2
	f := newFixture(t, cfg)
	job := f.createJob(t, twoImages())
	f.uploadAllImages(t, job.ID, "page_0001", "page_0002")

	f.claim(t)
	f.advance(cfg.Timeout + cfg.TimeoutGrace + time.Second)
	second := f.claim(t)
	assert.Equal(t, 2, second.PreviousAttempts)

	f.advance(cfg.Timeout + cfg.TimeoutGrace + time.Second)
	none, _, err := f.svc.ClaimJob(f.ctx, f.worker)
	require.NoError(t, err)
	assert.Nil(t, none)

	got, _, err := f.svc.GetJob(f.ctx, f.owner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	require.NotNil(t, got.Finished)
	assert.Equal(t, 2, got.PreviousAttempts)

	// Queue stays empty.
	none, _, err = f.svc.ClaimJob(f.ctx, f.worker)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestWorkerFailThenSweeperRequeues(t *testing.T) {
	f := newFixture(t, defaultJobCfg())
	job := f.createJob(t, twoImages())
	f.uploadAllImages(t, job.ID, "page_0001", "page_0002")
	f.claim(t)

	code, err := f.svc.FailJob(f.ctx, f.worker, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CodeJobFailed, code)

	got, _, err := f.svc.GetJob(f.ctx, f.owner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateError, got.State)
	assert.Nil(t, got.Finished)

	// ERROR jobs are immediately retryable; no timeout has to pass.
	reclaimed := f.claim(t)
	assert.Equal(t, job.ID, reclaimed.ID)
	assert.Equal(t, 2, reclaimed.PreviousAttempts)

	// Failing again reports idempotently.
	code, err = f.svc.FailJob(f.ctx, f.worker, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CodeJobFailed, code)
	code, err = f.svc.FailJob(f.ctx, f.worker, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CodeJobAlreadyFailed, code)
}

func TestCompleteRequiresResult(t *testing.T) {
	f := newFixture(t, defaultJobCfg())
	job := f.createJob(t, twoImages())
	f.uploadAllImages(t, job.ID, "page_0001", "page_0002")
	f.claim(t)

	_, err := f.svc.CompleteJob(f.ctx, f.worker, job.ID)
	require.ErrorIs(t, err, domain.ErrResultMissing)

	got, _, err := f.svc.GetJob(f.ctx, f.owner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateProcessing, got.State)
}

func TestCompletionIdempotence(t *testing.T) {
	f := newFixture(t, defaultJobCfg())
	job := f.createJob(t, twoImages())
	f.uploadAllImages(t, job.ID, "page_0001", "page_0002")
	f.claim(t)
	require.NoError(t, f.svc.UploadResult(f.ctx, f.worker, job.ID, bytes.NewReader(zipBytes(t))))

	code, err := f.svc.CompleteJob(f.ctx, f.worker, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CodeJobCompleted, code)

	first, _, err := f.svc.GetJob(f.ctx, f.owner, job.ID)
	require.NoError(t, err)

	f.advance(time.Minute)
	code, err = f.svc.CompleteJob(f.ctx, f.worker, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CodeJobAlreadyCompleted, code)

	second, _, err := f.svc.GetJob(f.ctx, f.owner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Finished, second.Finished)
}

func TestInvalidResultRejected(t *testing.T) {
	f := newFixture(t, defaultJobCfg())
	job := f.createJob(t, twoImages())
	f.uploadAllImages(t, job.ID, "page_0001", "page_0002")
	f.claim(t)

	err := f.svc.UploadResult(f.ctx, f.worker, job.ID, bytes.NewReader([]byte("not a zip")))
	require.ErrorIs(t, err, validate.ErrZipInvalid)
	assert.False(t, f.blobs.ResultExists(job.ID))
}

func TestCancelDuringProcessing(t *testing.T) {
	f := newFixture(t, defaultJobCfg())
	job := f.createJob(t, twoImages())
	f.uploadAllImages(t, job.ID, "page_0001", "page_0002")
	f.claim(t)

	require.NoError(t, f.svc.CancelJob(f.ctx, f.owner, job.ID))

	// The worker's next heartbeat is rejected.
	_, err := f.svc.Heartbeat(f.ctx, f.worker, job.ID)
	require.ErrorIs(t, err, domain.ErrNotInProcessing)

	// Cancel is monotonic: a second cancel conflicts.
	err = f.svc.CancelJob(f.ctx, f.owner, job.ID)
	require.ErrorIs(t, err, domain.ErrUncancellable)

	var conflict *domain.StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, domain.StateCancelled, conflict.State)
}

func TestDownloadResultStates(t *testing.T) {
	f := newFixture(t, defaultJobCfg())
	job := f.createJob(t, twoImages())

	// NEW: not ready.
	_, _, err := f.svc.DownloadResult(f.ctx, f.owner, job.ID)
	require.ErrorIs(t, err, domain.ErrResultNotReady)

	f.uploadAllImages(t, job.ID, "page_0001", "page_0002")
	f.claim(t)
	_, _, err = f.svc.DownloadResult(f.ctx, f.owner, job.ID)
	require.ErrorIs(t, err, domain.ErrResultNotReady)

	require.NoError(t, f.svc.CancelJob(f.ctx, f.owner, job.ID))
	_, _, err = f.svc.DownloadResult(f.ctx, f.owner, job.ID)
	require.ErrorIs(t, err, domain.ErrResultGone)
}

func TestWorkerArtifactDownloads(t *testing.T) {
	f := newFixture(t, defaultJobCfg())
	params := twoImages()
	params.MetaJSONRequired = true
	job := f.createJob(t, params)

	payload := pngBytes(t)
	_, err := f.svc.UploadImage(f.ctx, f.owner, job.ID, "page_0001", payload)
	require.NoError(t, err)
	f.uploadAllImages(t, job.ID, "page_0002")
	_, err = f.svc.UploadMetaJSON(f.ctx, f.owner, job.ID, []byte(`{"lang":"cs"}`))
	require.NoError(t, err)
	f.claim(t)

	images, err := f.svc.ListImages(f.ctx, f.worker, job.ID)
	require.NoError(t, err)
	require.Len(t, images, 2)

	data, err := f.svc.DownloadArtifact(f.ctx, f.worker, job.ID, images[0].ID, broker.KindImage)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	meta, err := f.svc.DownloadMetaJSON(f.ctx, f.worker, job.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"lang":"cs"}`, string(meta))
}

func TestAdminBypassesOwnership(t *testing.T) {
	f := newFixture(t, defaultJobCfg())
	admin := &domain.Key{ID: uuid.New(), Label: "admin", Role: domain.RoleAdmin, Active: true}
	job := f.createJob(t, twoImages())

	_, _, err := f.svc.GetJob(f.ctx, admin, job.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.CancelJob(f.ctx, admin, job.ID))
}

func TestListJobsScoping(t *testing.T) {
	f := newFixture(t, defaultJobCfg())
	other := &domain.Key{ID: uuid.New(), Label: "other", Role: domain.RoleUser, Active: true}
	admin := &domain.Key{ID: uuid.New(), Label: "admin", Role: domain.RoleAdmin, Active: true}

	f.createJob(t, twoImages())
	_, err := f.svc.CreateJob(f.ctx, other, twoImages())
	require.NoError(t, err)

	mine, err := f.svc.ListJobs(f.ctx, f.owner)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	all, err := f.svc.ListJobs(f.ctx, admin)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
