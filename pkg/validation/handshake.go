package validation

import (
	"net/http"
	"slices"
	"strings"

	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/taxonomy"
)

// CodeVersionMismatch is returned when a client asks for a protocol version the server cannot speak.
const CodeVersionMismatch = "PROTOCOL_VERSION_MISMATCH"

// SupportedVersions lists the protocol versions this server accepts, default first.
var SupportedVersions = []string{models.ProtocolVersion}

// Capabilities advertised during the handshake.
var Capabilities = []string{"run.lifecycle", "sse.stream", "protocol.validation", "blender.rpc", "audit.log"}

func init() {
	taxonomy.Register(CodeVersionMismatch, http.StatusBadRequest, taxonomy.CategoryProtocol, "Unsupported protocol version.")
}

// Mismatch explains why a handshake failed.
type Mismatch struct {
	Reason            string   `json:"reason"`
	RequestedVersion  string   `json:"requestedVersion"`
	SupportedVersions []string `json:"supportedVersions"`
}

// HandshakeResult is the outcome of a protocol version negotiation.
type HandshakeResult struct {
	OK                bool      `json:"ok"`
	RequestedVersion  *string   `json:"requestedVersion"`
	SelectedVersion   *string   `json:"selectedVersion"`
	SupportedVersions []string  `json:"supportedVersions"`
	Capabilities      []string  `json:"capabilities"`
	Mismatch          *Mismatch `json:"mismatch,omitempty"`
}

// Handshake negotiates the protocol version. An empty request selects the default version.
func Handshake(requested string) HandshakeResult {
	requested = strings.TrimSpace(requested)

	result := HandshakeResult{
		OK:                true,
		SupportedVersions: slices.Clone(SupportedVersions),
		Capabilities:      slices.Clone(Capabilities),
	}

	version := SupportedVersions[0]
	if requested != "" {
		result.RequestedVersion = &requested
		version = requested
	}

	if slices.Contains(SupportedVersions, version) {
		result.SelectedVersion = &version

		return result
	}

	result.OK = false
	result.Mismatch = &Mismatch{
		Reason:            "unsupported_protocol_version",
		RequestedVersion:  version,
		SupportedVersions: slices.Clone(SupportedVersions),
	}

	return result
}

// Err converts a failed handshake into a coded error carrying the mismatch.
func (r HandshakeResult) Err() error {
	if r.OK || r.Mismatch == nil {
		return nil
	}

	return taxonomy.Newf(CodeVersionMismatch, "Unsupported protocol version %q.", r.Mismatch.RequestedVersion).
		WithDetail("reason", r.Mismatch.Reason).
		WithDetail("requestedVersion", r.Mismatch.RequestedVersion).
		WithDetail("supportedVersions", r.Mismatch.SupportedVersions)
}
