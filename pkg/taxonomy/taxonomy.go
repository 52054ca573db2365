// Package taxonomy provides the coded error type shared by every layer and the
// table mapping error codes to categories and HTTP statuses.
package taxonomy

import (
	"errors"
	"fmt"
	"net/http"
)

// Category groups error codes for API consumers.
type Category string

const (
	CategoryInternal Category = "internal"
	CategoryRequest  Category = "request"
	CategoryProtocol Category = "protocol"
	CategoryAuth     Category = "auth"
	CategorySecurity Category = "security"
	CategoryRun      Category = "run"
	CategoryAudit    Category = "audit"
	CategoryProvider Category = "provider"
	CategorySession  Category = "session"
	CategorySettings Category = "settings"
	CategoryPreset   Category = "preset"
)

// Error codes.
const (
	CodeInternal          = "INTERNAL_ERROR"
	CodeInvalidJSONBody   = "INVALID_JSON_BODY"
	CodeValidationFailed  = "VALIDATION_FAILED"
	CodeAuthFailure       = "AUTH_FAILURE"
	CodeRunNotFound       = "RUN_NOT_FOUND"
	CodeRunCancelled      = "RUN_CANCELLED"
	CodeGateDoneRequired  = "GATE_DONE_REQUIRED"
	CodeSettingsInvalid   = "SETTINGS_INVALID"
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeNoActiveSession   = "NO_ACTIVE_SESSION"
	CodeRPCBridgeError    = "RPC_BRIDGE_ERROR"
	CodeRPCTimeout        = "RPC_TIMEOUT"
	CodeHostProcessFailed = "HOST_PROCESS_FAILED"

	CodeRPCCommandRequired          = "RPC_COMMAND_REQUIRED"
	CodeRPCCommandUnsupported       = "RPC_COMMAND_UNSUPPORTED"
	CodeRPCExecPythonInvalidMode    = "RPC_EXEC_PYTHON_INVALID_MODE"
	CodeRPCExecPythonTrustedBlocked = "RPC_EXEC_PYTHON_TRUSTED_DISABLED"

	CodeAuditIntegrityViolation = "AUDIT_LOG_INTEGRITY_VIOLATION"
	CodeAuditRecordParse        = "AUDIT_RECORD_PARSE_ERROR"

	CodeProviderTimeout      = "PROVIDER_TIMEOUT"
	CodeProviderHTTPError    = "PROVIDER_HTTP_ERROR"
	CodeEmptyProviderContent = "EMPTY_PROVIDER_CONTENT"
	CodeMissingAPIKey        = "MISSING_API_KEY"
	CodeAddonSpecInvalid     = "ADDON_SPEC_INVALID"

	CodeInvalidStepID        = "SAF_003_INVALID_STEP_ID"
	CodePathTraversalBlocked = "SAF_003_PATH_TRAVERSAL_BLOCKED"
	CodeSymlinkBlocked       = "SAF_003_SYMLINK_BLOCKED"
)

type entry struct {
	status   int
	category Category
	message  string
}

var entries = map[string]entry{
	CodeInternal:                    {http.StatusInternalServerError, CategoryInternal, "Internal server error."},
	CodeInvalidJSONBody:             {http.StatusBadRequest, CategoryRequest, "Invalid JSON body."},
	CodeValidationFailed:            {http.StatusBadRequest, CategoryRequest, "Request validation failed."},
	CodeAuthFailure:                 {http.StatusUnauthorized, CategoryAuth, "Unauthorized request."},
	CodeRunNotFound:                 {http.StatusNotFound, CategoryRun, "Run not found."},
	CodeRunCancelled:                {http.StatusConflict, CategoryRun, "Run cancelled by user request."},
	CodeGateDoneRequired:            {http.StatusUnprocessableEntity, CategoryProtocol, "Verification gate requires protocol.done=true."},
	CodeSettingsInvalid:             {http.StatusBadRequest, CategorySettings, "Settings validation failed."},
	CodeSessionNotFound:             {http.StatusNotFound, CategorySession, "Session not found."},
	CodeNoActiveSession:             {http.StatusNotFound, CategorySession, "No active Blender session."},
	CodeRPCBridgeError:              {http.StatusBadGateway, CategorySession, "RPC bridge call failed."},
	CodeRPCTimeout:                  {http.StatusGatewayTimeout, CategorySession, "RPC bridge call timed out."},
	CodeHostProcessFailed:           {http.StatusBadGateway, CategorySession, "Host process validation failed."},
	CodeRPCCommandRequired:          {http.StatusBadRequest, CategorySecurity, "RPC command is required."},
	CodeRPCCommandUnsupported:       {http.StatusBadRequest, CategorySecurity, "Unsupported RPC command."},
	CodeRPCExecPythonInvalidMode:    {http.StatusBadRequest, CategorySecurity, "Invalid exec_python mode."},
	CodeRPCExecPythonTrustedBlocked: {http.StatusForbidden, CategorySecurity, "Trusted Python execution is disabled."},
	CodeAuditIntegrityViolation:     {http.StatusInternalServerError, CategoryAudit, "Audit log integrity check failed."},
	CodeAuditRecordParse:            {http.StatusInternalServerError, CategoryAudit, "Audit record could not be parsed."},
	CodeProviderTimeout:             {http.StatusGatewayTimeout, CategoryProvider, "Provider request timed out."},
	CodeProviderHTTPError:           {http.StatusBadGateway, CategoryProvider, "Provider request failed."},
	CodeEmptyProviderContent:        {http.StatusBadGateway, CategoryProvider, "Provider returned empty assistant content."},
	CodeMissingAPIKey:               {http.StatusBadRequest, CategoryProvider, "No API key configured for provider call."},
	CodeAddonSpecInvalid:            {http.StatusBadGateway, CategoryProvider, "Addon spec failed schema validation."},
	CodeInvalidStepID:               {http.StatusBadRequest, CategoryProtocol, "Invalid protocol step id."},
	CodePathTraversalBlocked:        {http.StatusBadRequest, CategoryProtocol, "Protocol step path escapes the run directory."},
	CodeSymlinkBlocked:              {http.StatusBadRequest, CategoryProtocol, "Protocol step path contains a symlink."},
}

// Error is an error carrying a stable machine-readable code.
type Error struct {
	Code       string         // Stable error code
	Category   Category       // Taxonomy category
	StatusCode int            // HTTP status for API responses
	Message    string         // Human-readable message
	Path       string         // Offending field path for validation errors
	Details    map[string]any // Extra context (issue, payload from a remote peer)
	Err        error          // Underlying error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}

	if e.Path != "" {
		return fmt.Sprintf("%s: %s (at %s)", e.Code, msg, e.Path)
	}

	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code, so errors.Is(err, taxonomy.New(CodeRunCancelled, "")) works.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Code == e.Code
	}

	return false
}

// New builds an error for code, filling status and category from the table.
// An empty message uses the table's default message.
func New(code, message string) *Error {
	ent, ok := entries[code]
	if !ok {
		ent = entry{status: http.StatusInternalServerError, category: CategoryInternal}
	}

	if message == "" {
		message = ent.message
	}

	return &Error{
		Code:       code,
		Category:   ent.category,
		StatusCode: ent.status,
		Message:    message,
	}
}

// Newf is New with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap builds a coded error around err.
func Wrap(code string, err error, message string) *Error {
	e := New(code, message)
	e.Err = err

	if message == "" && err != nil {
		e.Message = err.Error()
	}

	return e
}

// Register adds or replaces a taxonomy entry. Used by packages that own a family of codes.
func Register(code string, status int, category Category, message string) {
	entries[code] = entry{status: status, category: category, message: message}
}

// WithPath returns the error with the offending field path set.
func (e *Error) WithPath(path string) *Error {
	e.Path = path

	return e
}

// WithStatus overrides the HTTP status.
func (e *Error) WithStatus(status int) *Error {
	e.StatusCode = status

	return e
}

// WithDetail attaches a key/value to Details.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}

	e.Details[key] = value

	return e
}

// CodeOf returns the code of the first coded error in err's chain, or "".
func CodeOf(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}

	return ""
}

// IsCode reports whether err carries code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// StatusOf returns the HTTP status for err, 500 when it is not coded.
func StatusOf(err error) int {
	var coded *Error
	if errors.As(err, &coded) && coded.StatusCode != 0 {
		return coded.StatusCode
	}

	return http.StatusInternalServerError
}

// Lookup returns the status, category and default message registered for code.
func Lookup(code string) (int, Category, string, bool) {
	ent, ok := entries[code]

	return ent.status, ent.category, ent.message, ok
}
