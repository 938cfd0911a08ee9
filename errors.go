package accounts

import (
	goerrors "github.com/goliatone/go-errors"
)

const (
	// TextCodeInvalidUser marks confirmation-state precondition failures.
	TextCodeInvalidUser = "INVALID_USER"
	// TextCodeInvalidToken marks missing, expired, or already consumed tokens.
	TextCodeInvalidToken = "INVALID_TOKEN"
	// TextCodeEmailTaken marks an email-change commit that lost the race for the address.
	TextCodeEmailTaken = "EMAIL_TAKEN"
)

// ErrInvalidUser is returned when a user cannot enter the requested
// confirmation state: nil user, confirming an already confirmed account,
// approving an already approved one.
var ErrInvalidUser = goerrors.New("user cannot enter the requested state", goerrors.CategoryValidation).
	WithTextCode(TextCodeInvalidUser)

// ErrInvalidToken is returned when a token is absent, expired, of the wrong
// type, or already consumed. User-correctable by requesting a new token.
var ErrInvalidToken = goerrors.New("confirmation link is invalid or expired", goerrors.CategoryValidation).
	WithTextCode(TextCodeInvalidToken)

// ErrEmailTaken is returned when an email change cannot commit because
// another account claimed the address in the meantime.
var ErrEmailTaken = goerrors.New("email address has already been taken", goerrors.CategoryConflict).
	WithTextCode(TextCodeEmailTaken).
	WithCode(goerrors.CodeConflict)

// ErrNoEmptyString rejects empty password input before hashing.
var ErrNoEmptyString = goerrors.New("value must not be an empty string", goerrors.CategoryBadInput).
	WithCode(goerrors.CodeBadRequest)

// ErrMismatchedHashAndPassword is the normalized bcrypt mismatch error.
var ErrMismatchedHashAndPassword = goerrors.New("password does not match", goerrors.CategoryAuth)

// ErrSessionRevoked is returned when a session token no longer matches the
// user's current auth key, i.e. the account was blocked after issuance.
var ErrSessionRevoked = goerrors.New("session has been revoked", goerrors.CategoryAuth)

// ErrSessionExpired is returned for session tokens past their expiry.
var ErrSessionExpired = goerrors.New("session has expired", goerrors.CategoryAuth)

// badRequest flags a caller contract violation, not user input.
func badRequest(msg string) error {
	return goerrors.New(msg, goerrors.CategoryBadInput).WithCode(goerrors.CodeBadRequest)
}

// wrapPersistence normalizes storage failures; callers decide on retry.
func wrapPersistence(err error, msg string) error {
	return goerrors.Wrap(err, goerrors.CategoryInternal, msg)
}
