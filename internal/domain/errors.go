package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnresolvedAsset  = errors.New("asset not found in token registry")
	ErrNonPositivePrice = errors.New("asset price is not positive")
)

// TransientFetchError network/HTTP failure; the run aborts and resumes from the checkpoint next time.
// Status is 0 when no HTTP response was received (transport error, timeout, bad body).
type TransientFetchError struct {
	Page   int
	Status int
	Err    error
}

func (e *TransientFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch page %d failed, status=%d: %v", e.Page, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch page %d failed, status=%d", e.Page, e.Status)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

type MissingCredentialError struct {
	Name string
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("%s environment variable is required", e.Name)
}

// MalformedRowError stored ledger row that cannot be decoded; skipped and counted
type MalformedRowError struct {
	Line int
	Err  error
}

func (e *MalformedRowError) Error() string {
	return fmt.Sprintf("malformed ledger row at line %d: %v", e.Line, e.Err)
}

func (e *MalformedRowError) Unwrap() error { return e.Err }

type ArtifactPublishError struct {
	Target string
	Err    error
}

func (e *ArtifactPublishError) Error() string {
	return fmt.Sprintf("failed to publish artifact %s: %v", e.Target, e.Err)
}

func (e *ArtifactPublishError) Unwrap() error { return e.Err }

// InvalidCredentialError credential present but unusable (malformed, expired)
type InvalidCredentialError struct {
	Name   string
	Reason string
	Err    error
}

func (e *InvalidCredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s is invalid, %s: %v", e.Name, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s is invalid, %s", e.Name, e.Reason)
}

func (e *InvalidCredentialError) Unwrap() error { return e.Err }
