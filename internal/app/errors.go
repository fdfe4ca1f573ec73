package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func errNotFound(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func errInvalid(message string) *DomainError {
	return domainError(http.StatusBadRequest, "INVALID_REQUEST", message, nil)
}

func errConcurrent(message string) *DomainError {
	return domainError(http.StatusConflict, "CONCURRENT_MODIFICATION", message, nil)
}

func errBrokenChain(message string) *DomainError {
	return domainError(http.StatusInternalServerError, "BROKEN_CHAIN", message, nil)
}

func errNoChange(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "NO_CHANGE_PRODUCED", message, nil)
}

func errUpstream(message string) *DomainError {
	return domainError(http.StatusBadGateway, "UPSTREAM_FAILURE", message, nil)
}
