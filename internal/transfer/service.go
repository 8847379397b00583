// service.go - Upload / download façade used by the HTTP layer.
package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultBufferSize is used when Config leaves a buffer size unset.
const DefaultBufferSize = 8192

// Config is injected once at construction. Upload and download buffer sizes
// are separate tunables: the best chunk size differs per direction.
type Config struct {
	Root               string
	UploadBufferSize   int
	DownloadBufferSize int
	TokenTTL           time.Duration
}

// StoredFile describes a file inside the storage root. SHA256 is only set
// by Upload.
type StoredFile struct {
	Name   string
	Path   string
	Size   int64
	SHA256 string
}

// Service orchestrates Resolver, TokenAuthority and Copy. It holds no
// reference to any file once a call returns.
type Service struct {
	cfg      Config
	resolver *Resolver
	tokens   *TokenAuthority
	log      *logrus.Entry
}

// NewService validates cfg, prepares the storage root and applies defaults.
// A nil log discards diagnostic traces to the standard logrus logger.
func NewService(cfg Config, tokens *TokenAuthority, log *logrus.Entry) (*Service, error) {
	if tokens == nil {
		return nil, errors.New("token authority is required")
	}
	resolver, err := NewResolver(cfg.Root)
	if err != nil {
		return nil, err
	}
	cfg.Root = resolver.Root()
	if cfg.UploadBufferSize <= 0 {
		cfg.UploadBufferSize = DefaultBufferSize
	}
	if cfg.DownloadBufferSize <= 0 {
		cfg.DownloadBufferSize = DefaultBufferSize
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Service{
		cfg:      cfg,
		resolver: resolver,
		tokens:   tokens,
		log:      log.WithField("component", "transfer"),
	}, nil
}

// Config returns the effective configuration (defaults applied).
func (s *Service) Config() Config { return s.cfg }

// Resolver exposes the path resolver, e.g. for readiness checks.
func (s *Service) Resolver() *Resolver { return s.resolver }

// Upload streams src into filename. Data is staged in an exclusive
// ".pending-" file and renamed over the destination only after a complete
// copy and fsync, so a failed upload never leaves a visible partial file and
// concurrent uploads of one name resolve to whichever rename happens last.
// bufferSize <= 0 selects the configured upload buffer size.
func (s *Service) Upload(filename string, src io.Reader, bufferSize int) (StoredFile, error) {
	path, err := s.resolver.Resolve(filename)
	if err != nil {
		return StoredFile{}, &UploadError{Filename: filename, Err: err}
	}
	if bufferSize <= 0 {
		bufferSize = s.cfg.UploadBufferSize
	}

	staging := filepath.Join(s.resolver.Root(), stagingPrefix+uuid.NewString())
	f, err := os.OpenFile(staging, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return StoredFile{}, &UploadError{Filename: filename, Err: fmt.Errorf("%w: create staging file: %w", ErrIO, err)}
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		_ = f.Close()
		if rmErr := os.Remove(staging); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			s.log.WithError(rmErr).WithField("staging", staging).Warn("staging file not removed")
		}
	}()

	h := sha256.New()
	n, err := Copy(io.MultiWriter(f, h), src, bufferSize)
	if err != nil {
		return StoredFile{}, &UploadError{Filename: filename, Err: err}
	}
	if err := f.Sync(); err != nil {
		return StoredFile{}, &UploadError{Filename: filename, Err: fmt.Errorf("%w: sync: %w", ErrIO, err)}
	}
	if err := f.Close(); err != nil {
		return StoredFile{}, &UploadError{Filename: filename, Err: fmt.Errorf("%w: close: %w", ErrIO, err)}
	}
	if err := os.Rename(staging, path); err != nil {
		return StoredFile{}, &UploadError{Filename: filename, Err: fmt.Errorf("%w: commit: %w", ErrIO, err)}
	}
	committed = true

	sf := StoredFile{Name: filename, Path: path, Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}
	s.log.WithFields(logrus.Fields{
		"file":        filename,
		"bytes":       n,
		"buffer_size": bufferSize,
	}).Debug("upload committed")
	return sf, nil
}

// Reader is an open stored file ready to be streamed. Its size comes from
// the open handle, so a concurrent overwrite cannot change what is sent.
type Reader struct {
	file        *os.File
	info        StoredFile
	defaultSize int
	log         *logrus.Entry
}

// Info describes the opened file.
func (r *Reader) Info() StoredFile { return r.info }

// Size is the value to advertise as Content-Length.
func (r *Reader) Size() int64 { return r.info.Size }

// CopyTo streams the file into dst. bufferSize <= 0 selects the configured
// download buffer size.
func (r *Reader) CopyTo(dst io.Writer, bufferSize int) (int64, error) {
	if bufferSize <= 0 {
		bufferSize = r.defaultSize
	}
	n, err := Copy(dst, r.file, bufferSize)
	if err != nil {
		return n, &DownloadError{Filename: r.info.Name, Err: err}
	}
	r.log.WithFields(logrus.Fields{
		"file":        r.info.Name,
		"bytes":       n,
		"buffer_size": bufferSize,
	}).Debug("download streamed")
	return n, nil
}

// Digest returns the hex SHA-256 of the opened file. It reads through
// ReadAt, so the offset CopyTo streams from is left untouched.
func (r *Reader) Digest() (string, error) {
	h := sha256.New()
	if _, err := Copy(h, io.NewSectionReader(r.file, 0, r.info.Size), r.defaultSize); err != nil {
		return "", &DownloadError{Filename: r.info.Name, Err: err}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Close releases the file handle.
func (r *Reader) Close() error { return r.file.Close() }

// Open resolves filename and opens it for streaming.
func (s *Service) Open(filename string) (*Reader, error) {
	path, err := s.resolver.Resolve(filename)
	if err != nil {
		return nil, &DownloadError{Filename: filename, Err: err}
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &DownloadError{Filename: filename, Err: ErrNotFound}
		}
		return nil, &DownloadError{Filename: filename, Err: fmt.Errorf("%w: open: %w", ErrIO, err)}
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, &DownloadError{Filename: filename, Err: fmt.Errorf("%w: stat: %w", ErrIO, err)}
	}
	if !fi.Mode().IsRegular() {
		_ = f.Close()
		return nil, &DownloadError{Filename: filename, Err: ErrNotFound}
	}

	return &Reader{
		file:        f,
		info:        StoredFile{Name: filename, Path: path, Size: fi.Size()},
		defaultSize: s.cfg.DownloadBufferSize,
		log:         s.log,
	}, nil
}

// Download streams filename into dst and returns the bytes written.
func (s *Service) Download(filename string, dst io.Writer, bufferSize int) (int64, error) {
	r, err := s.Open(filename)
	if err != nil {
		return 0, err
	}
	defer func() { _ = r.Close() }()
	return r.CopyTo(dst, bufferSize)
}

// IssueDownloadToken returns a token authorising one download of filename.
// The file must exist now; it may still disappear before redemption.
// ttl <= 0 selects the configured TTL.
func (s *Service) IssueDownloadToken(filename string, ttl time.Duration) (string, error) {
	path, err := s.resolver.Resolve(filename)
	if err != nil {
		return "", err
	}
	if !s.resolver.Exists(path) {
		return "", fmt.Errorf("%w: %q", ErrNotFound, filename)
	}
	if ttl <= 0 {
		ttl = s.cfg.TokenTTL
	}

	tok, err := s.tokens.Issue(filename, ttl)
	if err != nil {
		return "", err
	}
	s.log.WithFields(logrus.Fields{"file": filename, "ttl": ttl.String()}).Debug("download token issued")
	return tok, nil
}

// OpenWithToken verifies token for filename and, only when it is valid,
// opens the file. Verification is never retried.
func (s *Service) OpenWithToken(filename, token string) (*Reader, Claims, error) {
	claims, err := s.tokens.VerifySubject(token, filename)
	if err != nil {
		s.log.WithError(err).WithField("file", filename).Debug("download token rejected")
		return nil, claims, &DownloadError{Filename: filename, Err: err}
	}
	r, err := s.Open(filename)
	if err != nil {
		return nil, claims, err
	}
	return r, claims, nil
}

// DownloadWithToken is OpenWithToken followed by a full copy into dst.
func (s *Service) DownloadWithToken(filename, token string, dst io.Writer, bufferSize int) (int64, error) {
	r, _, err := s.OpenWithToken(filename, token)
	if err != nil {
		return 0, err
	}
	defer func() { _ = r.Close() }()
	return r.CopyTo(dst, bufferSize)
}

// SweepStaging removes staging files last modified before now-maxAge. They
// are left behind only when the process dies mid-upload.
func (s *Service) SweepStaging(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.resolver.Root())
	if err != nil {
		return 0, fmt.Errorf("%w: read storage root: %w", ErrIO, err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), stagingPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.resolver.Root(), e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.WithError(err).WithField("staging", e.Name()).Warn("stale staging file not removed")
			continue
		}
		removed++
	}
	return removed, nil
}
