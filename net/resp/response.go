package resp

import (
	"encoding/json"
	"net/http"
)

// Exception is a failure response.
type Exception struct {
	Status  int    `json:"-"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	// Errors holds per-field validation messages.
	Errors map[string]string `json:"errors,omitempty"`
}

// BadRequest is a 400 with message.
func BadRequest(message string) *Exception {
	return &Exception{Status: http.StatusBadRequest, Message: message}
}

// NotFound is a 404 with message.
func NotFound(message string) *Exception {
	return &Exception{Status: http.StatusNotFound, Message: message}
}

// InternalServer is a 500 with message and the error text, if any.
func InternalServer(message string, err error) *Exception {
	e := &Exception{Status: http.StatusInternalServerError, Message: message}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Success writes data with 200.
func Success(w http.ResponseWriter, data any) {
	WithStatusCode(w, http.StatusOK, data)
}

// WithStatusCode writes data with statusCode. A string is wrapped as
// {"message": data}.
func WithStatusCode(w http.ResponseWriter, statusCode int, data any) {
	if s, ok := data.(string); ok {
		data = map[string]string{"message": s}
	}
	writeJSON(w, statusCode, data)
}

// Fail writes e. A nil e is a generic 500.
func Fail(w http.ResponseWriter, e *Exception) {
	if e == nil {
		e = InternalServer(http.StatusText(http.StatusInternalServerError), nil)
	}
	status := e.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, e)
}

func writeJSON(w http.ResponseWriter, code int, res any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, "Failed to encode JSON response", http.StatusInternalServerError)
	}
}
