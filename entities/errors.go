package entities

import "errors"

var ErrNotFound = errors.New("resource not found")

// Record rejections. None of them is fatal for the daemon.
var (
	ErrMalformedRecord    = errors.New("malformed record")
	ErrUnsignedRecord     = errors.New("unsigned record")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrUnresolvedIdentity = errors.New("unresolved identity")
	ErrDuplicateRecord    = errors.New("duplicate record")
)

var ErrNoProofsForJob = errors.New("no proofs for job")

// Sealing outcomes.
var (
	ErrSealPublishFailure = errors.New("seal publish failure")
	ErrDoubleSealAttempt  = errors.New("epoch already sealed")
)
