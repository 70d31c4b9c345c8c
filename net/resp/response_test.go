package resp

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	Success(w, map[string]int{"n": 1})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"n":1}`, w.Body.String())
}

func TestWithStatusCodeWrapsMessage(t *testing.T) {
	w := httptest.NewRecorder()
	WithStatusCode(w, http.StatusAccepted, "queued")

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"message":"queued"}`, w.Body.String())
}

func TestFail(t *testing.T) {
	w := httptest.NewRecorder()
	Fail(w, InternalServer("Failed to add job", errors.New("queue closed")))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"message":"Failed to add job","error":"queue closed"}`, w.Body.String())

	w = httptest.NewRecorder()
	Fail(w, NotFound("Job not found"))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"message":"Job not found"}`, w.Body.String())

	w = httptest.NewRecorder()
	Fail(w, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
