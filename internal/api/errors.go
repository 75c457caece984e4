package api

import (
	"errors"
	"net/http"
)

// RequestError carries the HTTP status a handler wants to answer with.
type RequestError struct {
	Status  int
	Message string
}

func (e RequestError) Error() string { return e.Message }

func ValidationError(message string) RequestError {
	return RequestError{Status: http.StatusBadRequest, Message: message}
}

func NotFoundError(message string) RequestError {
	return RequestError{Status: http.StatusNotFound, Message: message}
}

func ServiceUnavailableError(message string) RequestError {
	return RequestError{Status: http.StatusServiceUnavailable, Message: message}
}

// WriteRequestError renders err with its own status, or 500 when err is not
// a RequestError.
func WriteRequestError(w http.ResponseWriter, err error) {
	var reqErr RequestError
	if errors.As(err, &reqErr) {
		writeError(w, reqErr.Status, reqErr)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}
