package httputil

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	err := WriteJSON(w, 201, map[string]string{"id": "k-1"})

	assert.NoError(t, err)
	assert.Equal(t, 201, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"id":"k-1"}`, w.Body.String())
}

func TestWriteErrorEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, 500, errors.New("connection refused"))

	assert.Equal(t, 500, w.Code)
	assert.JSONEq(t, `{"error":"connection refused"}`, w.Body.String())
}

func TestStatusHelpers(t *testing.T) {
	tests := []struct {
		name     string
		write    func(w *httptest.ResponseRecorder)
		wantCode int
		wantBody string
	}{
		{"validation", func(w *httptest.ResponseRecorder) { WriteValidationError(w, "bad input") }, 400, `{"error":"bad input"}`},
		{"unauthorized", func(w *httptest.ResponseRecorder) { WriteUnauthorized(w, "invalid API key") }, 401, `{"error":"invalid API key"}`},
		{"forbidden", func(w *httptest.ResponseRecorder) { WriteForbidden(w, "missing scope") }, 403, `{"error":"missing scope"}`},
		{"not found", func(w *httptest.ResponseRecorder) { WriteNotFoundError(w, "key not found") }, 404, `{"error":"key not found"}`},
		{"conflict", func(w *httptest.ResponseRecorder) { WriteConflict(w, "already rotated") }, 409, `{"error":"already rotated"}`},
		{"too many requests", func(w *httptest.ResponseRecorder) { WriteTooManyRequests(w, "rate limit exceeded") }, 429, `{"error":"rate limit exceeded"}`},
		{"success", func(w *httptest.ResponseRecorder) { WriteSuccess(w, map[string]bool{"valid": true}) }, 200, `{"valid":true}`},
		{"created", func(w *httptest.ResponseRecorder) { WriteCreated(w, map[string]string{"id": "k-1"}) }, 201, `{"id":"k-1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.JSONEq(t, tt.wantBody, w.Body.String())
		})
	}
}

func TestWriteNoContent(t *testing.T) {
	w := httptest.NewRecorder()
	WriteNoContent(w)

	assert.Equal(t, 204, w.Code)
	assert.Empty(t, w.Body.String())
}
