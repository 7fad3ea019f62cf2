package errors

import (
	"errors"
)

var (
	// License chain errors
	ErrMalformedChain       = errors.New("malformed license chain")
	ErrCryptographicFailure = errors.New("cryptographic failure")
	ErrLocationUnresolved   = errors.New("location has no ancestor in auxiliary key table")
	ErrTreeResolutionFailed = errors.New("key derivation tree could not be resolved")
	ErrPolicyViolation      = errors.New("policy violation")
	ErrRevocationRejected   = errors.New("revocation info version exceeds ceiling")
	ErrBindingFailed        = errors.New("key blob binding failed")

	// Key blob usage errors
	ErrSessionMismatch = errors.New("key blob session does not match context")

	// General Errors
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrUnsupportedFile   = errors.New("unsupported file format")
	ErrPathNotAccessible = errors.New("path is not accessible")
	ErrPermissionDenied  = errors.New("permission denied")

	// File & Directory Errors
	ErrFileNotFound   = errors.New("file not found")
	ErrFileReadError  = errors.New("error reading file")
	ErrFileWriteError = errors.New("error writing to file")
	ErrDirNotFound    = errors.New("directory not found")

	// Compression & Encoding Errors
	ErrDecompressionFailed = errors.New("decompression failed")
	ErrWireFormat          = errors.New("invalid wire encoding")
	ErrChecksumFailed      = errors.New("checksum verification failed")

	// Network Errors
	ErrDownloadFailed = errors.New("download failed")

	// Configuration Errors
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrConfigParseError = errors.New("error parsing configuration")
)

// ErrorKind is the single code a caller of the engine receives for a failure.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindMalformedChain
	KindCryptographicFailure
	KindLocationUnresolved
	KindTreeResolutionFailed
	KindPolicyViolation
	KindRevocationRejected
	KindBindingFailed
	KindSessionMismatch
	KindInvalidArgument
	KindInternal
)

var kindNames = map[ErrorKind]string{
	KindNone:                 "none",
	KindMalformedChain:       "malformed_chain",
	KindCryptographicFailure: "cryptographic_failure",
	KindLocationUnresolved:   "location_unresolved",
	KindTreeResolutionFailed: "tree_resolution_failed",
	KindPolicyViolation:      "policy_violation",
	KindRevocationRejected:   "revocation_rejected",
	KindBindingFailed:        "binding_failed",
	KindSessionMismatch:      "session_mismatch",
	KindInvalidArgument:      "invalid_argument",
	KindInternal:             "internal",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// kindOrder is checked first to last; the first sentinel found in the chain wins.
var kindOrder = []struct {
	sentinel error
	kind     ErrorKind
}{
	{ErrMalformedChain, KindMalformedChain},
	{ErrCryptographicFailure, KindCryptographicFailure},
	{ErrLocationUnresolved, KindLocationUnresolved},
	{ErrTreeResolutionFailed, KindTreeResolutionFailed},
	{ErrPolicyViolation, KindPolicyViolation},
	{ErrRevocationRejected, KindRevocationRejected},
	{ErrBindingFailed, KindBindingFailed},
	{ErrSessionMismatch, KindSessionMismatch},
	{ErrInvalidArgument, KindInvalidArgument},
}

// Kind classifies err into an ErrorKind. A nil error is KindNone and an
// error outside the taxonomy is KindInternal.
func Kind(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, k := range kindOrder {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	return KindInternal
}
