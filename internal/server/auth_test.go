package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func testUploadAuth(t *testing.T) UploadAuth {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return UploadAuth{User: "uploader", PassHash: string(hash)}
}

func TestUploadAuthCheck(t *testing.T) {
	a := testUploadAuth(t)

	tests := []struct {
		name string
		user string
		pass string
		want bool
	}{
		{"valid", "uploader", "correct horse", true},
		{"wrong password", "uploader", "battery staple", false},
		{"wrong user", "admin", "correct horse", false},
		{"user prefix", "upload", "correct horse", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.check(tt.user, tt.pass); got != tt.want {
				t.Errorf("check(%q, %q) = %v, want %v", tt.user, tt.pass, got, tt.want)
			}
		})
	}
}

func TestUploadAuthDisabled(t *testing.T) {
	for _, a := range []UploadAuth{{}, {User: "only-user"}, {PassHash: "$2a$10$x"}} {
		if a.enabled() {
			t.Errorf("%+v should be disabled", a)
		}
	}

	called := false
	h := UploadAuth{}.requireUploader(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/file/upload", nil))
	if !called {
		t.Error("disabled auth should pass requests through")
	}
}

func TestRequireUploader(t *testing.T) {
	h := testUploadAuth(t).requireUploader(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodPost, "/file/upload", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no credentials: got %d, want 401", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Error("401 should carry a Basic challenge")
	}

	req = httptest.NewRequest(http.MethodPost, "/file/upload", nil)
	req.SetBasicAuth("uploader", "correct horse")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusTeapot {
		t.Fatalf("valid credentials: got %d, want handler status", rr.Code)
	}
}
