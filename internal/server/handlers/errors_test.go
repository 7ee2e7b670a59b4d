package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetHTTPErrorResponder(t *testing.T) {
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()

	t.Run("sets custom responder", func(t *testing.T) {
		called := false
		SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
			called = true
			w.WriteHeader(http.StatusTeapot)
		})

		rec := httptest.NewRecorder()
		respondWithError(rec, httptest.NewRequest("GET", "/test", nil), assert.AnError)

		assert.True(t, called)
		assert.Equal(t, http.StatusTeapot, rec.Code)
	})

	t.Run("nil resets to default", func(t *testing.T) {
		SetHTTPErrorResponder(nil)

		rec := httptest.NewRecorder()
		respondWithError(rec, httptest.NewRequest("GET", "/test", nil), assert.AnError)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestResetHTTPErrorResponder(t *testing.T) {
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()

	customCalled := false
	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		customCalled = true
	})
	ResetHTTPErrorResponder()

	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest("GET", "/test", nil), assert.AnError)
	assert.False(t, customCalled)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}
