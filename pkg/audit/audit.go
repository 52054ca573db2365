// Package audit implements the append-only, hash-chained audit ledger.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dukex/aether/pkg/taxonomy"
)

// Audit event types.
const (
	EventAuthFailure           = "auth_failure"
	EventRPCCommandBlocked     = "rpc_command_blocked"
	EventExecPythonSafeBlocked = "exec_python_safe_blocked"
	EventGateFailure           = "gate_failure"
	EventRunTerminalState      = "run_terminal_state"
)

// Issue codes reported by Verify.
const (
	IssuePrevHashMismatch = "PREV_HASH_MISMATCH"
	IssueHashMismatch     = "HASH_MISMATCH"
	IssueParseError       = taxonomy.CodeAuditRecordParse
)

const (
	defaultActor  = "system"
	defaultSource = "server"

	timestampLayout = "2006-01-02T15:04:05.000Z07:00"
	maxLineSize     = 4 * 1024 * 1024
)

// Entry is the input of one append.
type Entry struct {
	EventType string
	Payload   any
	Actor     string
	Source    string
}

// Record is one line of the ledger. Field order is part of the hash.
type Record struct {
	Timestamp string          `json:"timestamp"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
	Actor     string          `json:"actor"`
	Source    string          `json:"source"`
	PrevHash  *string         `json:"prevHash"`
	Hash      string          `json:"hash"`
}

type recordBase struct {
	Timestamp string          `json:"timestamp"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
	Actor     string          `json:"actor"`
	Source    string          `json:"source"`
	PrevHash  *string         `json:"prevHash"`
}

// storedRecord decodes a ledger line; Hash stays a pointer so a missing hash is a mismatch.
type storedRecord struct {
	Timestamp string          `json:"timestamp"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
	Actor     string          `json:"actor"`
	Source    string          `json:"source"`
	PrevHash  *string         `json:"prevHash"`
	Hash      *string         `json:"hash"`
}

// Issue describes the first integrity problem found in the ledger.
type Issue struct {
	Line     int     `json:"line"`
	Code     string  `json:"code"`
	Message  string  `json:"message"`
	Expected *string `json:"expected,omitempty"`
	Actual   *string `json:"actual,omitempty"`
}

// VerifyResult is the outcome of walking the ledger front to back.
// RecordCount counts the records that verified before the first issue.
type VerifyResult struct {
	OK          bool    `json:"ok"`
	RecordCount int     `json:"recordCount"`
	Issues      []Issue `json:"issues"`
}

// Log is a single-writer audit ledger stored as JSON lines.
type Log struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

func New(path string, logger *slog.Logger) *Log {
	return &Log{
		path:   path,
		logger: logger.With("module", "audit"),
		now:    time.Now,
	}
}

func (l *Log) Path() string {
	return l.path
}

// Append verifies the existing chain and appends one redacted record.
// A broken chain refuses the append with AUDIT_LOG_INTEGRITY_VIOLATION and leaves the file untouched.
func (l *Log) Append(ctx context.Context, entry Entry) (*Record, error) {
	eventType := strings.TrimSpace(entry.EventType)
	if eventType == "" {
		return nil, errors.New("audit: event type is required")
	}

	payload, err := normalizePayload(entry.Payload)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to encode payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0750); err != nil {
		return nil, fmt.Errorf("audit: failed to create directory: %w", err)
	}

	result, last, err := l.verify()
	if err != nil {
		return nil, err
	}

	if !result.OK {
		issue := result.Issues[0]

		l.logger.ErrorContext(ctx, "refusing audit append on broken chain",
			"event_type", eventType, "line", issue.Line, "issue", issue.Code)

		return nil, taxonomy.Newf(taxonomy.CodeAuditIntegrityViolation,
			"Audit log integrity check failed before append at line %d (%s).", issue.Line, issue.Code).
			WithDetail("integrity", result)
	}

	base := recordBase{
		Timestamp: l.now().UTC().Format(timestampLayout),
		EventType: eventType,
		Payload:   payload,
		Actor:     withDefault(entry.Actor, defaultActor),
		Source:    withDefault(entry.Source, defaultSource),
		PrevHash:  last,
	}

	hash, err := hashRecord(base)
	if err != nil {
		return nil, err
	}

	record := &Record{
		Timestamp: base.Timestamp,
		EventType: base.EventType,
		Payload:   base.Payload,
		Actor:     base.Actor,
		Source:    base.Source,
		PrevHash:  base.PrevHash,
		Hash:      hash,
	}

	line, err := canonicalJSON(record)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to open ledger: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("audit: failed to write record: %w", err)
	}

	l.logger.DebugContext(ctx, "audit record appended", "event_type", eventType, "hash", hash)

	return record, nil
}

// Verify walks the ledger and reports the first integrity issue with its 1-based line number.
func (l *Log) Verify(ctx context.Context) (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	result, _, err := l.verify()
	if err != nil {
		return nil, err
	}

	if !result.OK {
		l.logger.WarnContext(ctx, "audit chain verification failed", "issue", result.Issues[0].Code, "line", result.Issues[0].Line)
	}

	return result, nil
}

// verify must be called with mu held. It returns the hash of the last record.
func (l *Log) verify() (*VerifyResult, *string, error) {
	result := &VerifyResult{OK: true, Issues: []Issue{}}

	file, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return result, nil, nil
		}

		return nil, nil, fmt.Errorf("audit: failed to open ledger: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var previous *string

	lineNo := 0
	for scanner.Scan() {
		lineNo++

		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		hash, issue := checkLine(raw, lineNo, previous)
		if issue != nil {
			result.OK = false
			result.Issues = append(result.Issues, *issue)

			return result, previous, nil
		}

		previous = &hash
		result.RecordCount++
	}

	if err := scanner.Err(); errors.Is(err, bufio.ErrTooLong) {
		result.OK = false
		result.Issues = append(result.Issues, Issue{
			Line:    lineNo + 1,
			Code:    IssueParseError,
			Message: fmt.Sprintf("Audit record at line %d exceeds %d bytes", lineNo+1, maxLineSize),
		})

		return result, previous, nil
	} else if err != nil {
		return nil, nil, fmt.Errorf("audit: failed to read ledger: %w", err)
	}

	return result, previous, nil
}

func checkLine(raw []byte, lineNo int, previous *string) (string, *Issue) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()

	var stored storedRecord
	if err := decoder.Decode(&stored); err != nil {
		return "", &Issue{
			Line:    lineNo,
			Code:    IssueParseError,
			Message: fmt.Sprintf("Invalid audit log JSON at line %d: %v", lineNo, err),
		}
	}

	if !equalHash(stored.PrevHash, previous) {
		return "", &Issue{
			Line:     lineNo,
			Code:     IssuePrevHashMismatch,
			Message:  fmt.Sprintf("prevHash at line %d does not match the previous record", lineNo),
			Expected: previous,
			Actual:   stored.PrevHash,
		}
	}

	expected, err := hashRecord(recordBase{
		Timestamp: stored.Timestamp,
		EventType: stored.EventType,
		Payload:   stored.Payload,
		Actor:     stored.Actor,
		Source:    stored.Source,
		PrevHash:  stored.PrevHash,
	})
	if err != nil {
		return "", &Issue{Line: lineNo, Code: IssueParseError, Message: err.Error()}
	}

	if stored.Hash == nil || *stored.Hash != expected {
		return "", &Issue{
			Line:     lineNo,
			Code:     IssueHashMismatch,
			Message:  fmt.Sprintf("hash at line %d does not match the record content", lineNo),
			Expected: &expected,
			Actual:   stored.Hash,
		}
	}

	return expected, nil
}

func hashRecord(base recordBase) (string, error) {
	if len(base.Payload) == 0 {
		base.Payload = json.RawMessage("{}")
	}

	data, err := canonicalJSON(base)
	if err != nil {
		return "", fmt.Errorf("audit: failed to encode record: %w", err)
	}

	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON is compact JSON in struct field order without HTML escaping.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer

	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)

	if err := encoder.Encode(v); err != nil {
		return nil, err
	}

	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// normalizePayload round-trips the payload through JSON and redacts it. Non-object payloads become {}.
func normalizePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage("{}"), nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var decoded any
	if err := decoder.Decode(&decoded); err != nil {
		return nil, err
	}

	object, ok := decoded.(map[string]any)
	if !ok {
		return json.RawMessage("{}"), nil
	}

	return canonicalJSON(Redact(object))
}

func equalHash(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	return *a == *b
}

func withDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}

	return value
}
