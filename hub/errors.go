package hub

import (
	"fmt"
	"net/http"
)

// machine-readable error keys. the frontend switches on these to pick
// between the log-in flow and the request-access flow.
const (
	ErrorKeyLogin         = "login"
	ErrorKeyRequestAccess = "request-access"
	ErrorKeyNotFound      = "not-found"
	ErrorKeyUnknownKind   = "unknown-kind"
	ErrorKeyBadRequest    = "bad-request"
	ErrorKeyInternal      = "internal"
)

// a structured access or handler error carried by ordinary control flow
// to the dispatch boundary, which converts it to an error reply
type AccessError struct {
	Status  int
	Message string
	Key     string
}

func (self *AccessError) Error() string {
	return fmt.Sprintf("%d %s (%s)", self.Status, self.Message, self.Key)
}

// the principal is not authenticated at all
func ErrLoginRequired() *AccessError {
	return &AccessError{
		Status:  http.StatusUnauthorized,
		Message: "Please log in to access this document.",
		Key:     ErrorKeyLogin,
	}
}

// the principal is authenticated but does not hold the required scope
func ErrAccessDenied() *AccessError {
	return &AccessError{
		Status:  http.StatusForbidden,
		Message: "You don't have access to this document. Please request access.",
		Key:     ErrorKeyRequestAccess,
	}
}

func ErrNotFound(what string) *AccessError {
	return &AccessError{
		Status:  http.StatusNotFound,
		Message: fmt.Sprintf("%s not found.", what),
		Key:     ErrorKeyNotFound,
	}
}

func ErrBadRequest(message string) *AccessError {
	return &AccessError{
		Status:  http.StatusBadRequest,
		Message: message,
		Key:     ErrorKeyBadRequest,
	}
}
