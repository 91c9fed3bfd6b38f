// Package taxonomy defines the closed set of error codes shared by the
// upload, pipeline, and worker layers, and the rules that decide whether a
// failure is retriable. Every I/O boundary classifies its raw error into a
// Code before it crosses a package boundary.
package taxonomy

import (
	"errors"
	"net"
	"strings"
	"syscall"
	"unicode/utf8"
)

// Code is a canonical processing error code. Codes are stable and usable as
// metric labels; they are the only error detail exposed to file owners.
type Code string

const (
	// Retriable when classified transient.
	CodeLLMTimeout     Code = "llm_timeout"
	CodeLLMRateLimited Code = "llm_rate_limited"
	CodeLLMTransient   Code = "llm_transient"
	CodeS3ReadFailed   Code = "s3_read_failed"
	CodeS3WriteFailed  Code = "s3_write_failed"
	CodeDBUpdateFailed Code = "db_update_failed"

	// Fatal.
	CodeLLMCallFailed          Code = "llm_call_failed"
	CodeSchemaValidationFailed Code = "schema_validation_failed"
	CodeFileContextNotFound    Code = "file_context_not_found"
	CodeEmptyTranscript        Code = "empty_original_transcript"
	CodeEnqueueFailed          Code = "enqueue_failed"
	CodeS3PutFailed            Code = "s3_put_failed"
	CodeInvalidFileType        Code = "invalid_file_type"
	CodeFileTooLarge           Code = "file_too_large"
)

// MaxMessageLen bounds every sanitized error message.
const MaxMessageLen = 280

// Error pairs a taxonomy code with a sanitized message and a retriable flag.
// It is the terminal error type handed to job finalization.
type Error struct {
	Code      Code
	Retriable bool
	Message   string
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// New builds a classified error with a sanitized message.
func New(code Code, retriable bool, msg string) *Error {
	return &Error{Code: code, Retriable: retriable, Message: Sanitize(msg)}
}

// Fatal builds a non-retriable classified error.
func Fatal(code Code, msg string) *Error {
	return New(code, false, msg)
}

// FromError extracts a *Error from err's chain, or wraps err as a fatal
// error under fallback. Unknown errors default to non-retriable so a
// misbehaving dependency cannot put a job into an infinite retry loop.
func FromError(err error, fallback Code) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return Fatal(fallback, err.Error())
}

// Sanitize collapses whitespace, trims, and truncates a message to at most
// MaxMessageLen bytes. Applied to every message that reaches a log line, an
// event, or a database error column. Truncation lands on a rune boundary so
// the result stays valid UTF-8 for Postgres text columns.
func Sanitize(msg string) string {
	msg = strings.Join(strings.Fields(msg), " ")
	if len(msg) > MaxMessageLen {
		cut := MaxMessageLen
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return msg
}

// TransientHTTPStatus reports whether an HTTP status from a remote dependency
// warrants a retry: 429 and every 5xx.
func TransientHTTPStatus(status int) bool {
	return status == 429 || (status >= 500 && status <= 599)
}

// transientErrnos are the network error numbers treated as transient.
var transientErrnos = []syscall.Errno{
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ENETUNREACH,
	syscall.EHOSTUNREACH,
	syscall.ETIMEDOUT,
}

// TransientNetErr reports whether err looks like a transient network failure:
// timeouts, the classic connect/reset errnos, and DNS resolution errors
// (EAI_AGAIN surfaces as a temporary *net.DNSError).
func TransientNetErr(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && (dnsErr.IsTemporary || dnsErr.IsTimeout) {
		return true
	}
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// TransientSQLState reports whether a database SQLSTATE is transient:
// class 08 (connection), class 53 (insufficient resources), 40001
// (serialization failure), and 40P01 (deadlock detected).
func TransientSQLState(code string) bool {
	if len(code) < 2 {
		return false
	}
	switch code[:2] {
	case "08", "53":
		return true
	}
	return code == "40001" || code == "40P01"
}
