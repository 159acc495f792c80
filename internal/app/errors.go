package app

import "fmt"

// DomainError carries a stable error kind surfaced to API clients.
type DomainError struct {
	Status  int
	Kind    string
	Message string
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func domainError(status int, kind, message string) *DomainError {
	return &DomainError{
		Status:  status,
		Kind:    kind,
		Message: message,
	}
}
