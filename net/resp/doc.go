// Package resp writes the JSON bodies of the HTTP API.
//
// Successful responses carry the payload as is:
//
//	resp.Success(w, jobStatus)
//	resp.WithStatusCode(w, http.StatusAccepted, accepted)
//
// Failures carry a message and, for server errors, the underlying error text:
//
//	{"message": "Failed to add job", "error": "queue closed"}
package resp
