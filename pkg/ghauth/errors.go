package ghauth

import "github.com/stanley2058/lilac/pkg/errors"

// Error codes for token minting.
const (
	CodeMissingCredentials      = "GHAUTH_MISSING_CREDENTIALS"
	CodeInvalidKey              = "GHAUTH_INVALID_KEY"
	CodeMintFailed              = "GHAUTH_MINT_FAILED"
	CodeInvalidProviderResponse = "GHAUTH_INVALID_PROVIDER_RESPONSE"
)

// ErrMissingCredentials creates an error for absent identity material.
func ErrMissingCredentials(what string, err error) *errors.AppError {
	return errors.New(CodeMissingCredentials, "missing identity material: "+what, err)
}

// ErrInvalidKey creates an error for unparsable signing keys.
func ErrInvalidKey(err error) *errors.AppError {
	return errors.New(CodeInvalidKey, "invalid private key", err)
}

// ErrMintFailed creates an error for failed token exchanges.
func ErrMintFailed(err error) *errors.AppError {
	return errors.New(CodeMintFailed, "installation token mint failed", err)
}

// ErrInvalidProviderResponse creates an error for malformed provider
// responses.
func ErrInvalidProviderResponse(msg string, err error) *errors.AppError {
	return errors.New(CodeInvalidProviderResponse, "invalid provider response: "+msg, err)
}
