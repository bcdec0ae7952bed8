package llm

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

// AuditEntry records one logical AI call (all attempts)
type AuditEntry struct {
	Timestamp time.Time     `json:"timestamp"`
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	Attempts  int           `json:"attempts"`
	Success   bool          `json:"success"`
	Error     error         `json:"-"`
	ErrorText string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Tokens    int           `json:"tokens"`
	Prompt    string        `json:"prompt,omitempty"`
}

// AuditLogger defines the interface for AI call audit logging
type AuditLogger interface {
	LogCall(entry AuditEntry)
	GetLogs(limit int) []AuditEntry
	ExportToJSON(w io.Writer) error
}

const auditCapacity = 256

// LogAuditLogger writes entries to the structured log and keeps a bounded in-memory history
type LogAuditLogger struct {
	mu         sync.Mutex
	entries    []AuditEntry
	logPrompts bool
	logger     arbor.ILogger
}

// NewLogAuditLogger creates an audit logger. Prompts are retained only when logPrompts is set.
func NewLogAuditLogger(logger arbor.ILogger, logPrompts bool) *LogAuditLogger {
	return &LogAuditLogger{
		logPrompts: logPrompts,
		logger:     logger,
	}
}

// LogCall records entry
func (l *LogAuditLogger) LogCall(entry AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.Error != nil {
		entry.ErrorText = entry.Error.Error()
	}
	if !l.logPrompts {
		entry.Prompt = ""
	}

	event := l.logger.Debug()
	if !entry.Success {
		event = l.logger.Warn()
	}
	event.
		Str("provider", entry.Provider).
		Str("model", entry.Model).
		Int("attempts", entry.Attempts).
		Bool("success", entry.Success).
		Int("tokens", entry.Tokens).
		Int64("duration_ms", entry.Duration.Milliseconds()).
		Str("error", entry.ErrorText).
		Msg("AI call")

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > auditCapacity {
		l.entries = l.entries[len(l.entries)-auditCapacity:]
	}
}

// GetLogs returns up to limit most recent entries, newest first
func (l *LogAuditLogger) GetLogs(limit int) []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 || limit > len(l.entries) {
		limit = len(l.entries)
	}
	out := make([]AuditEntry, 0, limit)
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.entries[i])
	}
	return out
}

// ExportToJSON writes the retained history oldest first
func (l *LogAuditLogger) ExportToJSON(w io.Writer) error {
	l.mu.Lock()
	entries := append([]AuditEntry(nil), l.entries...)
	l.mu.Unlock()

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(entries); err != nil {
		return fmt.Errorf("failed to encode audit logs: %w", err)
	}
	return nil
}
