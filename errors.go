package meterproof

import (
	"errors"
	"fmt"
)

// ErrValidation is the root of every input validation error. Callers can
// test for it with errors.Is to separate bad input from configuration or
// I/O failures.
var ErrValidation = errors.New("validation failed")

// ErrInvalidUsage indicates a UsageInput that violates its field rules.
var ErrInvalidUsage = fmt.Errorf("%w: invalid usage", ErrValidation)

// ErrInvalidCID indicates a content identifier without the sha256: prefix or
// with a malformed digest.
var ErrInvalidCID = fmt.Errorf("%w: invalid cid", ErrValidation)

// ErrKeyFormat indicates key material of the wrong length or encoding.
var ErrKeyFormat = fmt.Errorf("%w: invalid key format", ErrValidation)

// ErrEncoding indicates a base64url value that cannot be decoded.
var ErrEncoding = fmt.Errorf("%w: invalid base64url input", ErrValidation)

// ErrNotConfigured is returned when an operation needs a signer and none was
// configured. It does not wrap ErrValidation.
var ErrNotConfigured = errors.New("signer not configured")

// ErrUnknownBackend is returned when the store selector names no known backend.
var ErrUnknownBackend = errors.New("unknown store backend")
