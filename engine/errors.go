// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/pkg/errors"

	"github.com/counterfactual/go-node/chain"
	"github.com/counterfactual/go-node/channel"
	"github.com/counterfactual/go-node/channel/commitments"
	"github.com/counterfactual/go-node/protocol"
	"github.com/counterfactual/go-node/store"
)

// Code is a stable engine error code returned to callers.
type Code string

const (
	CodeNotFound          Code = "NOT_FOUND"
	CodeAlreadyExists     Code = "ALREADY_EXISTS"
	CodeInvariant         Code = "INVARIANT_VIOLATION"
	CodeSignatureMismatch Code = "SIGNATURE_MISMATCH"
	CodeValidation        Code = "VALIDATION_REJECTED"
	CodeTimeout           Code = "TIMEOUT"
	CodeStore             Code = "STORE_ERROR"
	CodeChain             Code = "CHAIN_ERROR"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// ErrResponseTimeout the peer did not answer within the configured window.
var ErrResponseTimeout = errors.New("timed out waiting for peer response")

// Error is the typed error every engine method returns on failure.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// validationError marks middleware rejections so the reason reaches the
// caller verbatim.
type validationError struct{ reason error }

func (v *validationError) Error() string { return v.reason.Error() }
func (v *validationError) Unwrap() error { return v.reason }

// storeError marks persistence failures surfaced after the revert path ran.
type storeError struct{ cause error }

func (s *storeError) Error() string { return s.cause.Error() }
func (s *storeError) Unwrap() error { return s.cause }

// classify maps an internal error onto its stable code.
func classify(err error) *Error {
	if err == nil {
		return nil
	}
	var engErr *Error
	if errors.As(err, &engErr) {
		return engErr
	}
	code := CodeInternal
	var vErr *validationError
	var sErr *storeError
	switch {
	case errors.As(err, &vErr):
		code = CodeValidation
	case errors.As(err, &sErr):
		code = CodeStore
	case errors.Is(err, ErrResponseTimeout):
		code = CodeTimeout
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, channel.ErrAppNotFound),
		errors.Is(err, channel.ErrProposalNotFound),
		errors.Is(err, channel.ErrNoFreeBalance):
		code = CodeNotFound
	case errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, channel.ErrAppExists):
		code = CodeAlreadyExists
	case errors.Is(err, protocol.ErrSignatureMismatch),
		errors.Is(err, commitments.ErrUnknownSigner),
		errors.Is(err, commitments.ErrDuplicateSigner):
		code = CodeSignatureMismatch
	case errors.Is(err, channel.ErrInsufficientFunds),
		errors.Is(err, protocol.ErrReplay),
		errors.Is(err, protocol.ErrStaleVersion),
		errors.Is(err, protocol.ErrBadCounterparty),
		errors.Is(err, store.ErrSchemaDowngrade):
		code = CodeInvariant
	case errors.Is(err, chain.ErrCall):
		code = CodeChain
	}
	return &Error{Code: code, Message: err.Error(), cause: err}
}
