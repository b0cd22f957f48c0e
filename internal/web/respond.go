package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
)

const maxBodyBytes = 1 << 20

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{Error: apiError{Code: code, Message: message}})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
}

// errNotJSON rejects bodies without an application/json content type.
// Browsers only send those cross-site after a CORS preflight, which this
// server never approves.
var errNotJSON = errors.New("content type must be application/json")

// decodeBody reads an optional JSON body into v. An empty body leaves v
// untouched; a non-empty one must be declared as JSON.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if !isJSONContent(r.Header.Get("Content-Type")) {
		var one [1]byte
		if _, err := io.ReadFull(r.Body, one[:]); err != nil {
			return nil
		}
		return errNotJSON
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

func isJSONContent(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/json"
}

// writeBodyError answers a decodeBody failure.
func writeBodyError(w http.ResponseWriter, err error) {
	if errors.Is(err, errNotJSON) {
		writeAPIError(w, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", err.Error())
		return
	}
	writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
}
