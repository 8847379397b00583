package transfer

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, clock Clock) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Root:               t.TempDir(),
		UploadBufferSize:   4096,
		DownloadBufferSize: 2048,
	}, newTestAuthority(t, clock), nil)
	require.NoError(t, err)
	return svc
}

func stagingFiles(t *testing.T, root string) []string {
	t.Helper()
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), stagingPrefix) {
			out = append(out, e.Name())
		}
	}
	return out
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	svc := newTestService(t, &fakeClock{now: time.Now()})
	data := randomBytes(t, 70_001, 2)

	for _, up := range []int{1, 333, 8192, 0} {
		for _, down := range []int{1, 4096, 1 << 20, 0} {
			sf, err := svc.Upload("blob.bin", bytes.NewReader(data), up)
			require.NoError(t, err)
			assert.Equal(t, int64(len(data)), sf.Size)

			var out bytes.Buffer
			n, err := svc.Download("blob.bin", &out, down)
			require.NoError(t, err)
			assert.Equal(t, int64(len(data)), n)
			assert.True(t, bytes.Equal(data, out.Bytes()), "upload %d / download %d", up, down)
		}
	}
}

func TestUploadReportsDigestAndPath(t *testing.T) {
	svc := newTestService(t, &fakeClock{now: time.Now()})
	data := []byte("hello world")

	sf, err := svc.Upload("a.txt", bytes.NewReader(data), 0)
	require.NoError(t, err)

	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), sf.SHA256)
	assert.Equal(t, filepath.Join(svc.Config().Root, "a.txt"), sf.Path)
	assert.Empty(t, stagingFiles(t, svc.Config().Root))
}

func TestUploadEmptyFile(t *testing.T) {
	svc := newTestService(t, &fakeClock{now: time.Now()})

	sf, err := svc.Upload("empty.txt", bytes.NewReader(nil), 0)
	require.NoError(t, err)
	assert.Zero(t, sf.Size)

	r, err := svc.Open("empty.txt")
	require.NoError(t, err)
	defer r.Close()
	assert.Zero(t, r.Size())
}

func TestUploadFailureLeavesNoFile(t *testing.T) {
	svc := newTestService(t, &fakeClock{now: time.Now()})

	_, err := svc.Upload("partial.bin", &failingReader{after: 10_000}, 1024)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIO)

	var upErr *UploadError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, "partial.bin", upErr.Filename)

	p, err := svc.Resolver().Resolve("partial.bin")
	require.NoError(t, err)
	assert.False(t, svc.Resolver().Exists(p))
	assert.Empty(t, stagingFiles(t, svc.Config().Root))
}

func TestUploadFailureKeepsPreviousVersion(t *testing.T) {
	svc := newTestService(t, &fakeClock{now: time.Now()})

	_, err := svc.Upload("doc.txt", strings.NewReader("version one"), 0)
	require.NoError(t, err)

	_, err = svc.Upload("doc.txt", &failingReader{after: 3}, 1)
	require.Error(t, err)

	var out bytes.Buffer
	_, err = svc.Download("doc.txt", &out, 0)
	require.NoError(t, err)
	assert.Equal(t, "version one", out.String())
}

func TestUploadInvalidName(t *testing.T) {
	svc := newTestService(t, &fakeClock{now: time.Now()})

	_, err := svc.Upload("../../etc/passwd", strings.NewReader("x"), 0)
	assert.ErrorIs(t, err, ErrInvalidName)
	assert.Empty(t, stagingFiles(t, svc.Config().Root))
}

func TestDownloadMissingIsNotFound(t *testing.T) {
	svc := newTestService(t, &fakeClock{now: time.Now()})

	_, err := svc.Download("missing.txt", io.Discard, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrIO)

	var dlErr *DownloadError
	require.True(t, errors.As(err, &dlErr))
	assert.Equal(t, "missing.txt", dlErr.Filename)
}

func TestDownloadSinkFailure(t *testing.T) {
	svc := newTestService(t, &fakeClock{now: time.Now()})
	_, err := svc.Upload("a.txt", strings.NewReader("some content"), 0)
	require.NoError(t, err)

	_, err = svc.Download("a.txt", failingWriter{}, 0)
	assert.ErrorIs(t, err, ErrIO)
}

func TestIssueDownloadTokenRequiresFile(t *testing.T) {
	svc := newTestService(t, &fakeClock{now: time.Now()})

	_, err := svc.IssueDownloadToken("missing.txt", 0)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.IssueDownloadToken("../x", 0)
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestDownloadWithTokenRejectsOtherFile(t *testing.T) {
	svc := newTestService(t, &fakeClock{now: time.Unix(1_700_000_000, 0)})
	_, err := svc.Upload("a.txt", strings.NewReader("aaa"), 0)
	require.NoError(t, err)
	_, err = svc.Upload("b.txt", strings.NewReader("bbb"), 0)
	require.NoError(t, err)

	tok, err := svc.IssueDownloadToken("a.txt", time.Minute)
	require.NoError(t, err)

	var out bytes.Buffer
	_, err = svc.DownloadWithToken("b.txt", tok, &out, 0)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Zero(t, out.Len(), "nothing is streamed before authorization")
}

func TestDownloadWithTokenFileRemovedAfterIssue(t *testing.T) {
	svc := newTestService(t, &fakeClock{now: time.Unix(1_700_000_000, 0)})
	sf, err := svc.Upload("gone.txt", strings.NewReader("x"), 0)
	require.NoError(t, err)

	tok, err := svc.IssueDownloadToken("gone.txt", 0)
	require.NoError(t, err)
	require.NoError(t, os.Remove(sf.Path))

	_, err = svc.DownloadWithToken("gone.txt", tok, io.Discard, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

// Upload report.pdf, issue a 120s token, download with it, then replay the
// same token 121 simulated seconds later.
func TestReportScenario(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	svc := newTestService(t, clock)
	data := randomBytes(t, 1_048_576, 42)

	_, err := svc.Upload("report.pdf", bytes.NewReader(data), 8192)
	require.NoError(t, err)

	tok, err := svc.IssueDownloadToken("report.pdf", 120*time.Second)
	require.NoError(t, err)

	r, claims, err := svc.OpenWithToken("report.pdf", tok)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", claims.Subject)
	assert.Equal(t, int64(1_048_576), r.Size())

	var out bytes.Buffer
	_, err = r.CopyTo(&out, 8192)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.True(t, bytes.Equal(data, out.Bytes()))

	clock.Advance(121 * time.Second)
	_, err = svc.DownloadWithToken("report.pdf", tok, io.Discard, 8192)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestConcurrentUploadsSameName(t *testing.T) {
	svc := newTestService(t, &fakeClock{now: time.Now()})

	const writers = 8
	payloads := make([][]byte, writers)
	for i := range payloads {
		payloads[i] = bytes.Repeat([]byte{byte('a' + i)}, 256*1024)
	}

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(p []byte) {
			defer wg.Done()
			_, err := svc.Upload("shared.bin", bytes.NewReader(p), 1024)
			assert.NoError(t, err)
		}(payloads[i])
	}
	wg.Wait()

	var out bytes.Buffer
	_, err := svc.Download("shared.bin", &out, 0)
	require.NoError(t, err)

	matched := false
	for _, p := range payloads {
		if bytes.Equal(p, out.Bytes()) {
			matched = true
		}
	}
	assert.True(t, matched, "stored file must equal exactly one upload")
	assert.Empty(t, stagingFiles(t, svc.Config().Root))
}

func TestOpenedReaderSurvivesOverwrite(t *testing.T) {
	svc := newTestService(t, &fakeClock{now: time.Now()})
	_, err := svc.Upload("doc.txt", strings.NewReader("old content"), 0)
	require.NoError(t, err)

	r, err := svc.Open("doc.txt")
	require.NoError(t, err)
	defer r.Close()

	_, err = svc.Upload("doc.txt", strings.NewReader("brand new content"), 0)
	require.NoError(t, err)

	var out bytes.Buffer
	_, err = r.CopyTo(&out, 3)
	require.NoError(t, err)
	assert.Equal(t, "old content", out.String())
	assert.Equal(t, int64(len("old content")), r.Size())
}

func TestReaderDigestFollowsOpenedHandle(t *testing.T) {
	svc := newTestService(t, &fakeClock{now: time.Now()})
	first, err := svc.Upload("doc.txt", strings.NewReader("old content"), 0)
	require.NoError(t, err)

	r, err := svc.Open("doc.txt")
	require.NoError(t, err)
	defer r.Close()

	second, err := svc.Upload("doc.txt", strings.NewReader("brand new content"), 0)
	require.NoError(t, err)
	require.NotEqual(t, first.SHA256, second.SHA256)

	sum, err := r.Digest()
	require.NoError(t, err)
	assert.Equal(t, first.SHA256, sum, "digest covers the bytes behind the handle")

	var out bytes.Buffer
	_, err = r.CopyTo(&out, 0)
	require.NoError(t, err)
	assert.Equal(t, "old content", out.String(), "digest does not consume the stream")
}

func TestSweepStaging(t *testing.T) {
	svc := newTestService(t, &fakeClock{now: time.Now()})
	root := svc.Config().Root

	stale := filepath.Join(root, stagingPrefix+"stale")
	fresh := filepath.Join(root, stagingPrefix+"fresh")
	kept := filepath.Join(root, "kept.txt")
	for _, p := range []string{stale, fresh, kept} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))
	}
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.Chtimes(kept, old, old))

	n, err := svc.SweepStaging(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
	assert.FileExists(t, kept)
}

func TestNewServiceDefaults(t *testing.T) {
	svc, err := NewService(Config{Root: t.TempDir()}, newTestAuthority(t, &fakeClock{now: time.Now()}), nil)
	require.NoError(t, err)

	cfg := svc.Config()
	assert.Equal(t, DefaultBufferSize, cfg.UploadBufferSize)
	assert.Equal(t, DefaultBufferSize, cfg.DownloadBufferSize)
	assert.Equal(t, DefaultTokenTTL, cfg.TokenTTL)

	_, err = NewService(Config{Root: t.TempDir()}, nil, nil)
	assert.Error(t, err)
}
