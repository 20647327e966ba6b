package moderation

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/bluesky-social/warden/moderation/cascade"
	"github.com/bluesky-social/warden/moderation/guard"
)

var (
	// guard denial; nothing was changed or recorded
	ErrUnauthorized = guard.ErrDenied

	// existing state prevents the transition (eg, already suspended)
	ErrConflict = errors.New("conflict")

	// missing or malformed parameter
	ErrValidation = errors.New("invalid request")

	ErrNotFound        = errors.New("not found")
	ErrAccountNotFound = fmt.Errorf("%w: unknown account", ErrNotFound)
	ErrGroupNotFound   = fmt.Errorf("%w: unknown group", ErrNotFound)

	// authorization failure inside a multi-step action
	ErrInvalidAccess = errors.New("invalid access")

	// well formed request with nothing to act on
	ErrInvalidParameters = errors.New("invalid parameters")

	ErrPostsExist = cascade.ErrPostsExist

	ErrAutomaticGroup      = fmt.Errorf("%w: can not modify automatic groups", ErrValidation)
	ErrConfirmationInvalid = fmt.Errorf("%w: admin confirmation is invalid or expired", ErrInvalidAccess)

	// the engine has no Confirmations sender to hand admin tokens to
	ErrNoConfirmationChannel = errors.New("no delivery channel for admin confirmations")
)

type PostsExistError = cascade.PostsExistError

// StatusCode maps an engine error to the HTTP status an API layer should
// respond with.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrInvalidAccess), errors.Is(err, ErrPostsExist):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidParameters):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// errorKind is a short label for metrics
func errorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidAccess):
		return "invalid_access"
	case errors.Is(err, ErrInvalidParameters):
		return "invalid_parameters"
	case errors.Is(err, ErrPostsExist):
		return "posts_exist"
	default:
		return "error"
	}
}
