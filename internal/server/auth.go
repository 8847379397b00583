// auth.go - Optional HTTP Basic credentials for the upload routes.
package server

import (
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// UploadAuth guards uploads with a single bcrypt-hashed credential. The
// zero value leaves uploads open.
type UploadAuth struct {
	User     string
	PassHash string
}

func (a UploadAuth) enabled() bool { return a.User != "" && a.PassHash != "" }

// check compares both fields without short-circuiting on the username so
// response time does not reveal which one was wrong.
func (a UploadAuth) check(user, pass string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.User)) == 1
	passOK := bcrypt.CompareHashAndPassword([]byte(a.PassHash), []byte(pass)) == nil
	return userOK && passOK
}

func (a UploadAuth) requireUploader(next http.Handler) http.Handler {
	if !a.enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || !a.check(user, pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="file-drop", charset="UTF-8"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
