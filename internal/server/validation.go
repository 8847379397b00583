// validation.go - Request parameter extraction for the transfer routes.
package server

import (
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
)

// queryFilename returns the "filename" query parameter unmodified. Safety
// checks belong to transfer.Resolver so every entry point shares them.
func queryFilename(r *http.Request) string {
	return r.URL.Query().Get("filename")
}

// headerFilename returns the "filename" request header used by raw uploads.
func headerFilename(r *http.Request) string {
	return r.Header.Get("filename")
}

// partFilename reads the filename parameter straight from the part's
// Content-Disposition. multipart.Part.FileName applies filepath.Base, which
// would silently turn "../x" into "x" instead of letting it be rejected.
func partFilename(p *multipart.Part) string {
	_, params, err := mime.ParseMediaType(p.Header.Get("Content-Disposition"))
	if err != nil {
		return ""
	}
	return params["filename"]
}

// isMultipart reports whether the request body is multipart/form-data.
func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && strings.EqualFold(mt, "multipart/form-data")
}

// contentDisposition builds an attachment header for name. Non-ASCII names
// are carried with RFC 2231 encoding.
func contentDisposition(name string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return "attachment"
}
