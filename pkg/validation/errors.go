package validation

import (
	"fmt"
	"net/http"

	"github.com/dukex/aether/pkg/taxonomy"
)

// Validation error codes.
const (
	CodeJSONParse              = "PROTOCOL_JSON_PARSE_ERROR"
	CodeEnvelopeInvalid        = "PROTOCOL_ENVELOPE_INVALID"
	CodeUnknownField           = "PROTOCOL_UNKNOWN_FIELD"
	CodeVersionInvalid         = "PROTOCOL_VERSION_INVALID"
	CodeStepsInvalid           = "PROTOCOL_STEPS_INVALID"
	CodeStepsLimitExceeded     = "PROTOCOL_STEPS_LIMIT_EXCEEDED"
	CodeDoneInvalid            = "PROTOCOL_DONE_INVALID"
	CodeFinalMessageInvalid    = "PROTOCOL_FINAL_MESSAGE_INVALID"
	CodeMetaInvalid            = "PROTOCOL_META_INVALID"
	CodeStepInvalid            = "PROTOCOL_STEP_INVALID"
	CodeStepIDInvalid          = "PROTOCOL_STEP_ID_INVALID"
	CodeStepTypeInvalid        = "PROTOCOL_STEP_TYPE_INVALID"
	CodePayloadInvalid         = "PROTOCOL_PAYLOAD_INVALID"
	CodeNodeTreeOpInvalid      = "PROTOCOL_NODE_TREE_OP_INVALID"
	CodeGnOpInvalid            = "PROTOCOL_GN_OP_INVALID"
	CodePythonModeInvalid      = "PROTOCOL_PYTHON_MODE_INVALID"
	CodePythonCodeLengthExceed = "PROTOCOL_PYTHON_CODE_LENGTH_EXCEEDED"
)

func init() {
	for _, code := range []string{
		CodeJSONParse, CodeEnvelopeInvalid, CodeUnknownField, CodeVersionInvalid, CodeStepsInvalid,
		CodeStepsLimitExceeded, CodeDoneInvalid, CodeFinalMessageInvalid, CodeMetaInvalid, CodeStepInvalid,
		CodeStepIDInvalid, CodeStepTypeInvalid, CodePayloadInvalid, CodeNodeTreeOpInvalid, CodeGnOpInvalid,
		CodePythonModeInvalid, CodePythonCodeLengthExceed,
	} {
		taxonomy.Register(code, http.StatusBadRequest, taxonomy.CategoryProtocol, "Protocol plan validation failed.")
	}
}

func fail(code, path, format string, args ...any) *taxonomy.Error {
	return taxonomy.New(code, fmt.Sprintf(format, args...)).WithPath(path)
}
