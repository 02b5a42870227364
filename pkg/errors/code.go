package errors

import "net/http"

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 12000-12999: Pilot registry errors
// 13000-13999: Match execution errors
// 14000-14999: Replay errors
// 15000-15999: Artifact storage errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Forbidden           ErrorCode = 10005
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102
	TransactionFailed   ErrorCode = 10103

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	CacheMiss  ErrorCode = 10201

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	RequiredFieldEmpty ErrorCode = 10303

	// Messaging errors (10400-10499)
	MQError        ErrorCode = 10400
	MQPublishError ErrorCode = 10401

	// ========== Pilot Registry Errors (12000-12999) ==========

	PilotNotFound          ErrorCode = 12000
	PilotAlreadyExists     ErrorCode = 12001
	InvalidPilotName       ErrorCode = 12002
	PilotOwnershipMismatch ErrorCode = 12003
	PilotHasNoVersion      ErrorCode = 12004
	VersionConflict        ErrorCode = 12005

	// ========== Match Execution Errors (13000-13999) ==========

	MatchNotFound        ErrorCode = 13000
	MatchExecutionFailed ErrorCode = 13001
	AmbiguousOutcome     ErrorCode = 13002
	PersistenceFailed    ErrorCode = 13003
	MatchQueueFull       ErrorCode = 13004
	JobNotFound          ErrorCode = 13005
	SandboxStartFailed   ErrorCode = 13006

	// ========== Replay Errors (14000-14999) ==========

	ReplayConversionFailed ErrorCode = 14000
	ReplayBundleFailed     ErrorCode = 14001

	// ========== Artifact Storage Errors (15000-15999) ==========

	ArtifactNotFound ErrorCode = 15000
	InvalidArtifact  ErrorCode = 15001
	StorageError     ErrorCode = 15002
)

// errorMessages maps error codes to their default messages
var errorMessages = map[ErrorCode]string{
	Success: "Success",

	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Forbidden:           "Access forbidden",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Operation timed out",

	DatabaseError:       "Database error",
	RecordNotFound:      "Record not found",
	RecordAlreadyExists: "Record already exists",
	TransactionFailed:   "Transaction failed",

	CacheError: "Cache error",
	CacheMiss:  "Cache miss",

	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	RequiredFieldEmpty: "Required field is empty",

	MQError:        "Message queue error",
	MQPublishError: "Failed to publish message",

	PilotNotFound:          "Pilot not found",
	PilotAlreadyExists:     "Pilot already exists",
	InvalidPilotName:       "Pilot name must be 3-32 characters of letters, digits, '_' or '-'",
	PilotOwnershipMismatch: "Pilot belongs to another owner",
	PilotHasNoVersion:      "Pilot has no uploaded version",
	VersionConflict:        "Pilot version changed concurrently",

	MatchNotFound:        "Match not found",
	MatchExecutionFailed: "Match execution failed",
	AmbiguousOutcome:     "Match finished without a winner",
	PersistenceFailed:    "Failed to persist match result",
	MatchQueueFull:       "Match admission was not granted",
	JobNotFound:          "Match job not found",
	SandboxStartFailed:   "Failed to start sandbox",

	ReplayConversionFailed: "Replay conversion failed",
	ReplayBundleFailed:     "Failed to bundle simulation output",

	ArtifactNotFound: "Pilot artifact not found",
	InvalidArtifact:  "Invalid artifact identifier",
	StorageError:     "Object storage error",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return http.StatusOK
	case c == Forbidden, c == PilotOwnershipMismatch:
		return http.StatusForbidden
	case c == NotFound, c == RecordNotFound, c == PilotNotFound, c == MatchNotFound, c == JobNotFound, c == ArtifactNotFound:
		return http.StatusNotFound
	case c == PilotAlreadyExists, c == VersionConflict:
		return http.StatusConflict
	case c == MatchQueueFull, c == ServiceUnavailable:
		return http.StatusServiceUnavailable
	case c == Timeout:
		return http.StatusGatewayTimeout
	case c >= 10300 && c < 10400, c == InvalidParams, c == InvalidPilotName, c == PilotHasNoVersion, c == InvalidArtifact:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
