// Package domain holds the shared, core-owned types described in spec.md §3:
// Job, Chunk, PartialDecryptionStatus, PartialShare, CompensatedShare, and
// the in-flight ChunkMessage. Election and Ballot are external and are only
// referenced here by id.
package domain

import "time"

// OperationKind is the tagged discriminant carried by jobs and chunk
// messages, mapping to one of the four typed work queues.
type OperationKind string

const (
	OpTally        OperationKind = "TALLY"
	OpPartial      OperationKind = "PARTIAL"
	OpCompensated  OperationKind = "COMPENSATED"
	OpCombine      OperationKind = "COMBINE"
)

// Queue returns the durable queue name this operation kind is routed to.
func (k OperationKind) Queue() string {
	switch k {
	case OpTally:
		return "tally"
	case OpPartial:
		return "partial"
	case OpCompensated:
		return "compensated"
	case OpCombine:
		return "combine"
	default:
		return ""
	}
}

// JobState is the overall lifecycle state of a Job.
type JobState string

const (
	JobPending    JobState = "PENDING"
	JobInProgress JobState = "IN_PROGRESS"
	JobCompleted  JobState = "COMPLETED"
	JobFailed     JobState = "FAILED"
)

// Terminal reports whether state never transitions further (spec.md §3 Job
// invariant: terminal states never transition back).
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is one asynchronous multi-chunk operation (spec.md §3).
type Job struct {
	ID              string
	ElectionID      string
	Operation       OperationKind
	State           JobState
	TotalChunks     int
	ProcessedChunks int
	FailedChunks    int
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ErrorMessage    string
}

// Chunk is one partition of an election's cast ballots (spec.md §3).
type Chunk struct {
	ID             string
	ElectionID     string
	Ordinal        int
	EncryptedTally string
	Result         string // JSON-encoded per-selection plaintext results, once combined.
}

// ChunkWorkState is the Scheduler's in-memory view of one chunk's progress
// through dispatch (spec.md §4.4).
type ChunkWorkState string

const (
	ChunkPending    ChunkWorkState = "PENDING"
	ChunkQueued     ChunkWorkState = "QUEUED"
	ChunkProcessing ChunkWorkState = "PROCESSING"
	ChunkCompleted  ChunkWorkState = "COMPLETED"
	ChunkFailed     ChunkWorkState = "FAILED"
)

// GuardianState is the overall lifecycle of a guardian's decryption
// submission (spec.md §3 PartialDecryptionStatus).
type GuardianState string

const (
	GuardianPending    GuardianState = "PENDING"
	GuardianInProgress GuardianState = "IN_PROGRESS"
	GuardianCompleted  GuardianState = "COMPLETED"
	GuardianFailed     GuardianState = "FAILED"
)

// GuardianPhase is the current phase within an in-progress decryption.
type GuardianPhase string

const (
	PhasePartial     GuardianPhase = "PARTIAL"
	PhaseCompensated GuardianPhase = "COMPENSATED"
	PhaseCompleted   GuardianPhase = "COMPLETED"
)

// PartialDecryptionStatus is the per-guardian view of an ongoing decryption
// submission (spec.md §3).
type PartialDecryptionStatus struct {
	ElectionID          string
	GuardianID          string
	State               GuardianState
	Phase               GuardianPhase
	TotalChunks         int
	ProcessedChunks     int
	TotalOtherGuardians int
	ProcessedOther      int
	CurrentTargetID     string
	CurrentTargetName   string
	ContactEmail        string
	ContactName         string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	CompletedAt         *time.Time
	LastError           string
}

// PartialShare is a guardian's partial decryption share of one chunk's
// encrypted tally (spec.md §3). Unique on (chunk, guardian).
type PartialShare struct {
	ElectionID string
	ChunkID    string
	GuardianID string
	Share      string
}

// CompensatedShare is the share a present source guardian creates on behalf
// of an absent target guardian (spec.md §3). Unique on (chunk, source, target).
type CompensatedShare struct {
	ElectionID string
	ChunkID    string
	SourceID   string
	TargetID   string
	Share      string
}

// ChunkMessage is the in-flight, broker-only payload described in spec.md §3
// and §6. It carries no persistent identity and may be redelivered.
type ChunkMessage struct {
	JobID      string        `json:"jobId"`
	ChunkID    string        `json:"chunkId"`
	Operation  OperationKind `json:"operation"`
	ElectionID string        `json:"electionId"`

	// COMPENSATED-only fields.
	SourceGuardianID   string `json:"sourceGuardianId,omitempty"`
	TargetGuardianID   string `json:"targetGuardianId,omitempty"`
	SourceUnsealedShare string `json:"sourceUnsealedShare,omitempty"`
	PolynomialBackupDigest string `json:"polynomialBackupDigest,omitempty"`

	// PARTIAL-only field: the submitting guardian's unsealed secret share.
	GuardianUnsealedShare string `json:"guardianUnsealedShare,omitempty"`
	GuardianID            string `json:"guardianId,omitempty"`

	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Guardian is the subset of the external election roster the core reads.
type Guardian struct {
	ID              string
	SequenceOrder   int
	DisplayName     string
	ContactEmail    string
	PublicKey       string
	SealedShare     string
	DecryptedFlag   bool
}

// Election is the subset of the external election record the core reads.
type Election struct {
	ID         string
	Quorum     int
	Guardians  []Guardian
}
