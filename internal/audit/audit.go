// Package audit emits the structured, metadata-only events described in
// spec.md §4.9 to an append-only external sink. Emission is fire-and-forget
// from the core's point of view: failures are logged locally, never
// propagated to the caller.
package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/amarvote/orchestrator-core/internal/config"
)

// EventType is one of the five events named in spec.md §4.9.
type EventType string

const (
	EventChunksCreated       EventType = "CHUNKS_CREATED"
	EventTallyChunkCompleted EventType = "TALLY_CHUNK_COMPLETED"
	EventPartialSubmitted    EventType = "PARTIAL_SUBMITTED"
	EventGuardianCompleted   EventType = "GUARDIAN_COMPLETED"
	EventCombineCompleted    EventType = "COMBINE_COMPLETED"
)

// AuditEvent is one emitted event. Metadata is restricted to ids and
// counts; it must never carry ballot plaintext or private shares
// (spec.md §4.9).
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  EventType              `json:"event_type"`
	ElectionID string                 `json:"election_id"`
	JobID      string                 `json:"job_id,omitempty"`
	ChunkID    string                 `json:"chunk_id,omitempty"`
	GuardianID string                 `json:"guardian_id,omitempty"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Duration   time.Duration          `json:"duration_ms"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface the scheduler, workers, and progress tracker
// emit events through.
type Logger interface {
	LogChunksCreated(electionID, jobID string, chunkCount int)
	LogTallyChunkCompleted(electionID, jobID, chunkID string, success bool, err error, duration time.Duration)
	LogPartialSubmitted(electionID, jobID, guardianID string, success bool, err error)
	LogGuardianCompleted(electionID, guardianID string)
	LogCombineCompleted(electionID, jobID string, chunkCount int, success bool, err error, duration time.Duration)

	// GetEvents returns all audit events (for testing/querying).
	GetEvents() []*AuditEvent

	// Close closes the logger and its underlying writer.
	Close() error
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu         sync.Mutex
	events     []*AuditEvent
	maxEvents  int
	writer     EventWriter
	redactKeys []string
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// NewLogger creates a new audit logger.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return NewLoggerWithRedaction(maxEvents, writer, nil)
}

// NewLoggerWithRedaction creates a new audit logger with redaction keys.
func NewLoggerWithRedaction(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if writer == nil {
		writer = &defaultWriter{}
	}

	return &auditLogger{
		events:     make([]*AuditEvent, 0, maxEvents),
		maxEvents:  maxEvents,
		writer:     writer,
		redactKeys: redactKeys,
	}
}

// NewLoggerFromConfig creates a new audit logger from configuration.
func NewLoggerFromConfig(cfg config.AuditConfig) (Logger, error) {
	var writer EventWriter

	switch cfg.Sink.Type {
	case "http":
		writer = NewHTTPSink(cfg.Sink.Endpoint, cfg.Sink.Headers)
	case "file":
		writer = NewFileSink(cfg.Sink.FilePath)
	case "stdout", "":
		writer = &defaultWriter{}
	default:
		return nil, fmt.Errorf("unknown sink type: %s", cfg.Sink.Type)
	}

	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval > 0 {
		writer = NewBatchSink(writer, cfg.Sink.BatchSize, cfg.Sink.FlushInterval, cfg.Sink.RetryCount, cfg.Sink.RetryBackoff)
	}

	return NewLoggerWithRedaction(cfg.MaxEvents, writer, cfg.RedactMetadataKeys), nil
}

// log writes an event to the sink and the in-memory ring buffer.
func (l *auditLogger) log(event *AuditEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		if err := l.writer.WriteEvent(event); err != nil {
			fmt.Printf("audit: failed to write event %s: %v\n", event.EventType, err)
		}
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
}

// Close closes the logger and its underlying writer.
func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (l *auditLogger) redactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(l.redactKeys) == 0 || len(metadata) == 0 {
		return metadata
	}

	needsRedaction := false
	for _, k := range l.redactKeys {
		if _, ok := metadata[k]; ok {
			needsRedaction = true
			break
		}
	}
	if !needsRedaction {
		return metadata
	}

	clone := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}
	for _, key := range l.redactKeys {
		if _, ok := clone[key]; ok {
			clone[key] = "[REDACTED]"
		}
	}
	return clone
}

// LogChunksCreated records that the Planner materialized chunkCount chunk
// rows for an election.
func (l *auditLogger) LogChunksCreated(electionID, jobID string, chunkCount int) {
	l.log(&AuditEvent{
		Timestamp: time.Now(), EventType: EventChunksCreated,
		ElectionID: electionID, JobID: jobID, Success: true,
		Metadata: l.redactMetadata(map[string]interface{}{"chunk_count": chunkCount}),
	})
}

// LogTallyChunkCompleted records one tally chunk's completion or failure.
func (l *auditLogger) LogTallyChunkCompleted(electionID, jobID, chunkID string, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp: time.Now(), EventType: EventTallyChunkCompleted,
		ElectionID: electionID, JobID: jobID, ChunkID: chunkID,
		Success: success, Duration: duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.log(event)
}

// LogPartialSubmitted records a guardian's partial-decryption submission
// outcome.
func (l *auditLogger) LogPartialSubmitted(electionID, jobID, guardianID string, success bool, err error) {
	event := &AuditEvent{
		Timestamp: time.Now(), EventType: EventPartialSubmitted,
		ElectionID: electionID, JobID: jobID, GuardianID: guardianID, Success: success,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.log(event)
}

// LogGuardianCompleted records that a guardian's decryptedFlag was set.
func (l *auditLogger) LogGuardianCompleted(electionID, guardianID string) {
	l.log(&AuditEvent{
		Timestamp: time.Now(), EventType: EventGuardianCompleted,
		ElectionID: electionID, GuardianID: guardianID, Success: true,
	})
}

// LogCombineCompleted records the combine job's completion or failure.
func (l *auditLogger) LogCombineCompleted(electionID, jobID string, chunkCount int, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp: time.Now(), EventType: EventCombineCompleted,
		ElectionID: electionID, JobID: jobID, Success: success, Duration: duration,
		Metadata: l.redactMetadata(map[string]interface{}{"chunk_count": chunkCount}),
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.log(event)
}

// GetEvents returns all audit events (for testing/querying).
func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// defaultWriter is a default implementation that writes to stdout as JSON.
type defaultWriter struct{}

func (w *defaultWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	fmt.Printf("%s\n", string(data))
	return nil
}
