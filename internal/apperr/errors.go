// Package apperr holds the error kinds shared across packages. Callers wrap
// them with fmt.Errorf and match with errors.Is.
package apperr

import "errors"

var (
	ErrNotFound                = errors.New("not found")
	ErrInvalid                 = errors.New("invalid")
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	ErrSessionExpired          = errors.New("session expired")
)
