package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies pipeline failures. Every kind is fatal for the current
// command; the only retry in the system is the source resolver's fallback chain.
type ErrorKind string

const (
	// KindConfiguration covers invalid settings, unknown or disabled stages,
	// and non-real modes.
	KindConfiguration ErrorKind = "configuration"

	// KindMissingSource is raised when an ingestion stage has neither a local
	// path nor an auto-enabled URL.
	KindMissingSource ErrorKind = "missing_source"

	// KindNotFound covers missing local sources and missing upstream artifacts.
	KindNotFound ErrorKind = "not_found"

	// KindNetwork is raised when every download candidate failed.
	KindNetwork ErrorKind = "network"

	// KindValidation covers schema problems and provenance markers rejected by
	// the real-mode guard.
	KindValidation ErrorKind = "validation"

	// KindData covers domain data problems such as unmatched territorial keys.
	KindData ErrorKind = "data"
)

// PipelineError is a classified error with stage and path context.
type PipelineError struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Stage is the stage that raised the error, if any.
	Stage string `json:"stage,omitempty"`

	// Path is the file or URL the error refers to, if any.
	Path string `json:"path,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)

	var ctx []string
	if e.Stage != "" {
		ctx = append(ctx, "stage="+e.Stage)
	}
	if e.Path != "" {
		ctx = append(ctx, "path="+e.Path)
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&sb, " (%s)", strings.Join(ctx, ", "))
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is. Two pipeline errors
// match when kind and code match; an empty code on the target matches any code.
func (e *PipelineError) Is(target error) bool {
	t, ok := target.(*PipelineError)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Code == "" || e.Code == t.Code
}

func newError(kind ErrorKind, message string, err error) *PipelineError {
	return &PipelineError{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *PipelineError {
	return newError(KindConfiguration, message, err)
}

// NewMissingSourceError creates a new missing-source error.
func NewMissingSourceError(message string, err error) *PipelineError {
	return newError(KindMissingSource, message, err).WithCode(ErrCodeMissingSource)
}

// NewNotFoundError creates a new not-found error.
func NewNotFoundError(message string, err error) *PipelineError {
	return newError(KindNotFound, message, err)
}

// NewNetworkError creates a new network error.
func NewNetworkError(message string, err error) *PipelineError {
	return newError(KindNetwork, message, err)
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *PipelineError {
	return newError(KindValidation, message, err)
}

// NewDataError creates a new data error.
func NewDataError(message string, err error) *PipelineError {
	return newError(KindData, message, err)
}

// WithStage adds stage context to an error.
func (e *PipelineError) WithStage(stage string) *PipelineError {
	e.Stage = stage
	return e
}

// WithPath adds file or URL context to an error.
func (e *PipelineError) WithPath(path string) *PipelineError {
	e.Path = path
	return e
}

// WithCode adds an error code to an error.
func (e *PipelineError) WithCode(code string) *PipelineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *PipelineError) WithDetail(key string, value interface{}) *PipelineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func isKind(err error, kind ErrorKind) bool {
	var e *PipelineError
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsConfiguration returns true if the error is a configuration error.
func IsConfiguration(err error) bool { return isKind(err, KindConfiguration) }

// IsMissingSource returns true if the error is a missing-source error.
func IsMissingSource(err error) bool { return isKind(err, KindMissingSource) }

// IsNotFound returns true if the error is a not-found error.
func IsNotFound(err error) bool { return isKind(err, KindNotFound) }

// IsNetwork returns true if the error is a network error.
func IsNetwork(err error) bool { return isKind(err, KindNetwork) }

// IsValidation returns true if the error is a validation error.
func IsValidation(err error) bool { return isKind(err, KindValidation) }

// IsData returns true if the error is a data error.
func IsData(err error) bool { return isKind(err, KindData) }

// KindOf returns the kind of the first pipeline error in the chain, or an
// empty kind if there is none.
func KindOf(err error) ErrorKind {
	var e *PipelineError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Common error codes.
const (
	ErrCodeDuplicateStage    = "DUPLICATE_STAGE"
	ErrCodeUnknownStage      = "UNKNOWN_STAGE"
	ErrCodeUnknownDependency = "UNKNOWN_DEPENDENCY"
	ErrCodeInvalidStage      = "INVALID_STAGE"
	ErrCodeStageDisabled     = "STAGE_DISABLED"
	ErrCodeCycle             = "DEPENDENCY_CYCLE"
	ErrCodeMissingArtifact   = "MISSING_ARTIFACT"
	ErrCodeUnregistered      = "UNREGISTERED_ARTIFACT"
	ErrCodeArtifactCollision = "ARTIFACT_COLLISION"
	ErrCodeMissingSource     = "MISSING_SOURCE"
	ErrCodeSourceNotFound    = "SOURCE_NOT_FOUND"
	ErrCodeDownloadFailed    = "DOWNLOAD_FAILED"
	ErrCodeNonRealMode       = "NON_REAL_MODE"
	ErrCodeDemoArtifacts     = "DEMO_ARTIFACTS"
	ErrCodeSchema            = "SCHEMA_ERROR"
	ErrCodeUnmatchedKeys     = "UNMATCHED_KEYS"
	ErrCodeInvalidConfig     = "INVALID_CONFIG"
	ErrCodeManifestCorrupted = "MANIFEST_CORRUPTED"
	ErrCodeChecksumDrift     = "CHECKSUM_DRIFT"
)
