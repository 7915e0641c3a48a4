package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"
)

// Request is a replayable description of an outbound API call. Bodies are
// held as values (bytes, form values, file contents), never as one-shot
// streams, so the 401-recovery path can rebuild the request verbatim for its
// single retry. A consumed multipart stream cannot be re-read.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header

	// At most one of JSON, Body, Form should be set. Files may accompany
	// Form for multipart uploads (receipts).
	JSON        any
	Body        []byte
	ContentType string
	Form        url.Values
	Files       []FileUpload
}

// FileUpload is a multipart file part captured as bytes.
type FileUpload struct {
	Field    string
	FileName string
	Content  []byte
}

// Response is the settled outcome of a request. The body is fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Success reports whether the status is 2xx.
func (r *Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// DecodeJSON unmarshals the body into v.
func (r *Response) DecodeJSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// APIError describes a non-2xx API response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api error: status %d", e.Status)
}

// APIError returns the decoded error for a non-2xx response, or nil for 2xx.
func (r *Response) APIError() *APIError {
	if r.Success() {
		return nil
	}
	apiErr := &APIError{Status: r.StatusCode}
	if len(r.Body) > 0 {
		apiErr.Code = gjson.GetBytes(r.Body, "error").String()
		msg := gjson.GetBytes(r.Body, "message")
		if !msg.Exists() {
			msg = gjson.GetBytes(r.Body, "error_description")
		}
		apiErr.Message = msg.String()
	}
	return apiErr
}
