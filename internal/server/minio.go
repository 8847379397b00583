package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	"token-file-drop/internal/config"
	"token-file-drop/internal/transfer"
	"token-file-drop/internal/workpool"
)

const (
	mirrorPutTimeout      = 10 * time.Minute
	mirrorBreakerFailures = 5
	mirrorBreakerTimeout  = 30 * time.Second
	mirrorWorkers         = 2
	mirrorQueueDepth      = 32
)

func normaliseEndpoint(raw string) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("empty endpoint")
	}

	// Accept either "minio:9000" or "http://minio:9000" / "https://minio:9000".
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, err
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint")
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, fmt.Errorf("endpoint must not contain a path")
		}
		return u.Host, u.Scheme == "https", nil
	}

	// No scheme provided, treat as host:port (insecure by default for local MinIO).
	return raw, false, nil
}

// NewMinioClient connects to the mirror bucket and checks that it exists.
func NewMinioClient(ctx context.Context, cfg config.MirrorConfig) (*minio.Client, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("minio configuration incomplete")
	}

	endpoint, secure, err := normaliseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, err
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("minio bucket does not exist: %s", cfg.Bucket)
	}
	return client, nil
}

// ObjectStore is the part of *minio.Client the mirror uses.
type ObjectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	BucketExists(ctx context.Context, bucketName string) (bool, error)
}

// MirrorPoolConfig sizes the mirror's own workers. Mirror copies never
// share slots with HTTP transfers.
type MirrorPoolConfig struct {
	Workers    int
	QueueDepth int
}

// Mirror copies committed uploads to an object store in the background.
// Mirror failures are logged and counted; they never fail or delay the
// upload that triggered them. A nil *Mirror does nothing.
type Mirror struct {
	store   ObjectStore
	bucket  string
	service *transfer.Service
	pool    *workpool.Pool
	breaker *CircuitBreaker
	metrics *Metrics
	log     *logrus.Entry
}

// NewMirror starts the mirror workers. Their queue always rejects when
// full: a copy that cannot be queued is dropped, never run by the caller.
func NewMirror(store ObjectStore, bucket string, svc *transfer.Service, pc MirrorPoolConfig, metrics *Metrics, log *logrus.Entry) *Mirror {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithFields(logrus.Fields{"component": "mirror", "bucket": bucket})
	if pc.Workers <= 0 {
		pc.Workers = mirrorWorkers
	}
	if pc.QueueDepth <= 0 {
		pc.QueueDepth = mirrorQueueDepth
	}
	return &Mirror{
		store:   store,
		bucket:  bucket,
		service: svc,
		pool: workpool.New(workpool.Config{
			Workers:    pc.Workers,
			QueueDepth: pc.QueueDepth,
			Policy:     workpool.Reject,
		}, log),
		breaker: NewCircuitBreaker(mirrorBreakerFailures, mirrorBreakerTimeout, log),
		metrics: metrics,
		log:     log,
	}
}

// Enqueue schedules sf for mirroring. It never blocks on the object store.
func (m *Mirror) Enqueue(sf transfer.StoredFile) {
	if m == nil {
		return
	}
	if err := m.pool.Go(func() { m.run(sf) }); err != nil {
		m.metrics.RecordMirror("dropped")
		m.log.WithError(err).WithField("file", sf.Name).Warn("mirror skipped")
	}
}

// Close stops accepting copies and waits for queued ones to finish.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.pool.Close()
}

func (m *Mirror) run(sf transfer.StoredFile) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorPutTimeout)
	defer cancel()

	err := m.breaker.Execute(func() error { return m.put(ctx, sf) })
	switch {
	case err == nil:
		m.metrics.RecordMirror("ok")
		m.log.WithField("file", sf.Name).Debug("mirrored")
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrTooManyRequests):
		m.metrics.RecordMirror("skipped")
		m.log.WithField("file", sf.Name).Debug("mirror skipped, circuit open")
	default:
		m.metrics.RecordMirror("error")
		m.log.WithError(err).WithField("file", sf.Name).Warn("mirror failed")
	}
}

// put streams the current content of sf.Name through a pipe so the object
// store sees the same bounded-buffer copy as an HTTP download. The sha256
// metadata is computed from the same handle, so an overwrite after the
// upload committed is tagged with its own digest.
func (m *Mirror) put(ctx context.Context, sf transfer.StoredFile) error {
	rd, err := m.service.Open(sf.Name)
	if err != nil {
		return err
	}
	defer func() { _ = rd.Close() }()

	sum, err := rd.Digest()
	if err != nil {
		return err
	}
	if sf.SHA256 != "" && sum != sf.SHA256 {
		m.log.WithField("file", sf.Name).Debug("file replaced since upload, mirroring current content")
	}

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := rd.CopyTo(pw, 0)
		_ = pw.CloseWithError(err)
	}()

	opts := minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: map[string]string{"sha256": sum},
	}
	_, err = m.store.PutObject(ctx, m.bucket, sf.Name, pr, rd.Size(), opts)

	// Unblock the copier if the store stopped reading early.
	_ = pr.CloseWithError(io.ErrClosedPipe)
	<-done
	return err
}

// Check reports the mirror's health for /health.
func (m *Mirror) Check(ctx context.Context) ComponentHealth {
	start := time.Now()
	stats := m.breaker.Stats()

	exists, err := m.store.BucketExists(ctx, m.bucket)
	latency := float64(time.Since(start).Milliseconds())
	switch {
	case err != nil:
		return ComponentHealth{Status: ComponentStatusDown, Message: "minio connection failed: " + err.Error(), Details: stats}
	case !exists:
		return ComponentHealth{Status: ComponentStatusDown, Message: "bucket does not exist: " + m.bucket, Details: stats}
	case m.breaker.State() != StateClosed:
		return ComponentHealth{Status: ComponentStatusDegraded, Message: "mirror circuit " + stats.State, LatencyMs: latency, Details: stats}
	}
	return ComponentHealth{Status: ComponentStatusUp, Message: "minio healthy", LatencyMs: latency, Details: stats}
}
