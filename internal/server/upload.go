package server

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/sirupsen/logrus"

	"token-file-drop/internal/db"
	"token-file-drop/internal/transfer"
)

type uploadMode int

const (
	uploadAuto uploadMode = iota // multipart when the Content-Type says so
	uploadMultipart
	uploadRaw
)

var errNoFilePart = errors.New("multipart body has no \"file\" part")

// uploadHandler handles POST uploads. Multipart bodies carry the data in the
// "file" part and the name in its Content-Disposition; raw bodies are the
// data itself, named by the "filename" header. Either way the stream goes
// straight to disk through the worker pool without being buffered whole.
// On success the response is 200 with an empty body and the SHA-256 of the
// stored bytes in X-Content-SHA256.
func (cfg Config) uploadHandler(mode uploadMode) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if cfg.MaxUploadBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxUploadBytes)
		}

		multipartBody := mode == uploadMultipart || (mode == uploadAuto && isMultipart(r))

		var (
			name   string
			src    io.Reader
			closer io.Closer
		)
		if multipartBody {
			part, err := firstFilePart(r)
			if err != nil {
				var maxErr *http.MaxBytesError
				if errors.As(err, &maxErr) {
					cfg.writeError(w, r, err)
					return
				}
				cfg.requestLog(r).WithError(err).Debug("bad multipart upload")
				http.Error(w, "bad multipart", http.StatusBadRequest)
				return
			}
			name, src, closer = partFilename(part), part, part
		} else {
			name, src = headerFilename(r), r.Body
		}
		if closer != nil {
			defer func() { _ = closer.Close() }()
		}

		var (
			stored transfer.StoredFile
			upErr  error
		)
		if err := cfg.Pool.Do(func() {
			stored, upErr = cfg.Service.Upload(name, src, 0)
		}); err != nil {
			upErr = err
		}

		cfg.Metrics.RecordTransfer("upload", stored.Size, upErr)
		cfg.audit(r, db.Event{
			Action:   db.ActionUpload,
			Filename: name,
			Bytes:    stored.Size,
			SHA256:   stored.SHA256,
			Success:  upErr == nil,
			Error:    errString(upErr),
		})
		if upErr != nil {
			cfg.writeError(w, r, upErr)
			return
		}

		cfg.requestLog(r).WithFields(logrus.Fields{
			"file":   stored.Name,
			"bytes":  stored.Size,
			"sha256": stored.SHA256,
		}).Info("upload stored")

		w.Header().Set("X-Content-SHA256", stored.SHA256)
		w.WriteHeader(http.StatusOK)

		cfg.Mirror.Enqueue(stored)
	})
}

// firstFilePart advances the multipart reader to the part named "file".
// Parts before it are skipped; parts after it are never read.
func firstFilePart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, errNoFilePart
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" {
			return part, nil
		}
		_ = part.Close()
	}
}
