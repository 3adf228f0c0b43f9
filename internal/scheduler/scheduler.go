// Package scheduler implements the fair round-robin dispatcher described in
// spec.md §4.4: exactly one work item per active job per 100ms tick,
// bounded unfairness across active jobs, and fault-tolerant retry with
// exponential backoff.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amarvote/orchestrator-core/internal/domain"
	"github.com/amarvote/orchestrator-core/internal/metrics"
)

const tickInterval = 100 * time.Millisecond

const maxRetries = 3

// retryBackoffs are the fixed backoff delays from spec.md §4.4:
// 5s, 10s, 20s for attempts 1, 2, 3.
var retryBackoffs = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

// Publisher is the subset of internal/queue the Scheduler depends on to
// dispatch a chunk.
type Publisher interface {
	Publish(ctx context.Context, msg domain.ChunkMessage) error
}

// chunkState is the Scheduler's in-memory view of one chunk's dispatch
// progress (spec.md §4.4).
type chunkState struct {
	chunkID    string
	state      domain.ChunkWorkState
	retryCount int
	retryAt    time.Time
}

// jobInstance is one active job tracked by the Scheduler, holding its
// chunks in insertion order.
type jobInstance struct {
	jobID      string
	operation  domain.OperationKind
	electionID string
	chunks     []*chunkState

	// template carries the fields common to every chunk message of this
	// job that the Scheduler itself has no way to derive (a guardian's
	// unsealed share, a compensated job's source guardian, ...). Only
	// JobID/ChunkID/Operation/ElectionID/EnqueuedAt are set by tick; every
	// other field on the dispatched message is copied from this template.
	template domain.ChunkMessage
}

func (j *jobInstance) hasNonTerminal() bool {
	for _, c := range j.chunks {
		if c.state != domain.ChunkCompleted && c.state != domain.ChunkFailed {
			return true
		}
	}
	return false
}

// Scheduler is the process-local singleton dispatcher (spec.md §9's
// explicit-singleton guidance). Its registry is guarded by a single mutex;
// ticks are 100ms and cheap, so the coarse lock (spec.md §5) is intentional.
type Scheduler struct {
	mu              sync.Mutex
	activeJobs      []*jobInstance
	jobIndex        map[string]*jobInstance
	roundRobinIndex int

	publisher Publisher
	metrics   *metrics.Metrics
	log       *logrus.Entry

	stop      chan struct{}
	stopped   chan struct{}
	startOnce sync.Once
}

// New builds a Scheduler. Callers invoke Start to begin the tick loop.
func New(publisher Publisher, m *metrics.Metrics, log *logrus.Logger) *Scheduler {
	if log == nil {
		log = logrus.New()
	}
	return &Scheduler{
		jobIndex:  make(map[string]*jobInstance),
		publisher: publisher,
		metrics:   m,
		log:       log.WithField("component", "scheduler"),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// RegisterJob adds a new active job with its chunk ids, all initially
// PENDING, in insertion order.
func (s *Scheduler) RegisterJob(jobID string, operation domain.OperationKind, electionID string, chunkIDs []string) {
	s.RegisterJobWithTemplate(jobID, operation, electionID, chunkIDs, domain.ChunkMessage{})
}

// RegisterJobWithTemplate is RegisterJob plus a message template whose
// fields (beyond JobID/ChunkID/Operation/ElectionID/EnqueuedAt, which tick
// always sets itself) are copied onto every chunk message dispatched for
// this job. PARTIAL jobs use it to carry the submitting guardian's id and
// unsealed share; COMPENSATED jobs use it to carry the source guardian's
// id and unsealed share (spec.md §4.6 payload contracts).
func (s *Scheduler) RegisterJobWithTemplate(jobID string, operation domain.OperationKind, electionID string, chunkIDs []string, template domain.ChunkMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunks := make([]*chunkState, len(chunkIDs))
	for i, id := range chunkIDs {
		chunks[i] = &chunkState{chunkID: id, state: domain.ChunkPending}
	}
	inst := &jobInstance{jobID: jobID, operation: operation, electionID: electionID, chunks: chunks, template: template}
	s.activeJobs = append(s.activeJobs, inst)
	s.jobIndex[jobID] = inst

	s.log.WithFields(logrus.Fields{"job_id": jobID, "operation": operation, "chunk_count": len(chunkIDs)}).Info("job registered")
}

// ReportChunkProcessing transitions a chunk QUEUED -> PROCESSING.
func (s *Scheduler) ReportChunkProcessing(jobID, chunkID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.findChunk(jobID, chunkID); c != nil {
		c.state = domain.ChunkProcessing
	}
}

// ReportChunkCompleted transitions a chunk PROCESSING -> COMPLETED.
func (s *Scheduler) ReportChunkCompleted(jobID, chunkID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.findChunk(jobID, chunkID); c != nil {
		c.state = domain.ChunkCompleted
	}
}

// ReportChunkFailed increments a chunk's retry counter. Below maxRetries it
// returns to PENDING with a backoff-gated retryAt; at maxRetries it is
// marked permanently FAILED (spec.md §4.4).
func (s *Scheduler) ReportChunkFailed(jobID, chunkID, errorMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.findChunk(jobID, chunkID)
	if c == nil {
		return
	}
	c.retryCount++
	log := s.log.WithFields(logrus.Fields{"job_id": jobID, "chunk_id": chunkID, "retry_count": c.retryCount, "error": errorMsg})

	if c.retryCount >= maxRetries {
		c.state = domain.ChunkFailed
		log.Warn("chunk permanently failed after exhausting retries")
		if s.metrics != nil {
			if inst, ok := s.jobIndex[jobID]; ok {
				s.metrics.RecordChunkExhausted(string(inst.operation))
			}
		}
		return
	}

	backoff := retryBackoffs[c.retryCount-1]
	c.state = domain.ChunkPending
	c.retryAt = time.Now().Add(backoff)
	if inst, ok := s.jobIndex[jobID]; ok {
		for i, other := range inst.chunks {
			if other == c {
				inst.chunks = append(append(inst.chunks[:i:i], inst.chunks[i+1:]...), c)
				break
			}
		}
	}
	log.WithField("backoff", backoff).Warn("chunk failed, will retry")
	if s.metrics != nil {
		if inst, ok := s.jobIndex[jobID]; ok {
			s.metrics.RecordChunkRetry(string(inst.operation))
		}
	}
}

// CompletedCount reports how many of a job's chunks are COMPLETED, used by
// the bounded-unfairness invariant test and status read paths.
func (s *Scheduler) CompletedCount(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.jobIndex[jobID]
	if !ok {
		return 0
	}
	count := 0
	for _, c := range inst.chunks {
		if c.state == domain.ChunkCompleted {
			count++
		}
	}
	return count
}

// ActiveJobCount reports how many jobs are still registered.
func (s *Scheduler) ActiveJobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activeJobs)
}

func (s *Scheduler) findChunk(jobID, chunkID string) *chunkState {
	inst, ok := s.jobIndex[jobID]
	if !ok {
		return nil
	}
	for _, c := range inst.chunks {
		if c.chunkID == chunkID {
			return c
		}
	}
	return nil
}

// Start launches the 100ms tick loop in a background goroutine. Safe to
// call once per Scheduler instance.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.run(ctx)
	})
}

// Stop signals the tick loop to exit and waits for it to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.stopped
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.stopped)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			start := time.Now()
			s.tick(ctx)
			if s.metrics != nil {
				s.metrics.ObserveTickDuration(time.Since(start))
			}
		}
	}
}

// tick is the algorithm from spec.md §4.4 steps 1-6, run under the
// Scheduler's single mutex.
func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.activeJobs) == 0 {
		return
	}

	snapshot := s.activeJobs
	n := len(snapshot)
	start := s.roundRobinIndex % n

	var toRemove []int
	for offset := 0; offset < n; offset++ {
		idx := (start + offset) % n
		inst := snapshot[idx]

		chunk := s.pickPendingChunk(inst)
		if chunk == nil {
			if !inst.hasNonTerminal() {
				toRemove = append(toRemove, idx)
			}
			continue
		}

		chunk.state = domain.ChunkQueued
		msg := inst.template
		msg.JobID = inst.jobID
		msg.ChunkID = chunk.chunkID
		msg.Operation = inst.operation
		msg.ElectionID = inst.electionID
		msg.EnqueuedAt = time.Now()
		if err := s.publisher.Publish(ctx, msg); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{"job_id": inst.jobID, "chunk_id": chunk.chunkID}).
				Error("failed to publish chunk message, reverting to pending")
			chunk.state = domain.ChunkPending
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordChunkDispatched(string(inst.operation))
		}
	}

	s.roundRobinIndex++
	s.removeInstances(toRemove)
}

// pickPendingChunk returns at most one chunk in PENDING state whose backoff
// (if any) has elapsed, per spec.md §4.4 step 3, scanning the instance's
// chunks in slice order. ReportChunkFailed moves a retried chunk to the end
// of that slice, so chunks under backoff are skipped this tick, never block
// the chunks after them, and once the backoff elapses are picked after the
// chunks that were already pending (Open Questions decision:
// re-enqueue-at-end).
func (s *Scheduler) pickPendingChunk(inst *jobInstance) *chunkState {
	now := time.Now()
	for _, c := range inst.chunks {
		if c.state == domain.ChunkPending && now.After(c.retryAt) {
			return c
		}
	}
	return nil
}

func (s *Scheduler) removeInstances(indices []int) {
	if len(indices) == 0 {
		return
	}
	remove := make(map[int]bool, len(indices))
	for _, i := range indices {
		remove[i] = true
	}
	kept := s.activeJobs[:0:0]
	for i, inst := range s.activeJobs {
		if remove[i] {
			delete(s.jobIndex, inst.jobID)
			continue
		}
		kept = append(kept, inst)
	}
	s.activeJobs = kept
}
