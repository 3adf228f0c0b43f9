// Package planner determines chunking for an election's cast ballots and
// materializes the chunk rows a Job's work will be split across (spec.md
// §4.2).
package planner

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/amarvote/orchestrator-core/internal/domain"
	"github.com/amarvote/orchestrator-core/internal/orcherr"
)

// DefaultChunkSize is spec.md §4.2 step 2's default, overridable per call.
const DefaultChunkSize = 5000

// AssignmentMode selects how ballot→chunk membership is recorded (spec.md
// §4.2 step 6).
type AssignmentMode int

const (
	// AssignEager stores a chunk id on every ballot row as chunks are created.
	AssignEager AssignmentMode = iota
	// AssignSeedRederivation stores only the shuffle seed and ordinal
	// boundaries; membership is rederived deterministically on read,
	// trading CPU for memory on very large elections.
	AssignSeedRederivation
)

// Store is the subset of internal/store the Planner depends on.
type Store interface {
	CountCastBallots(ctx context.Context, electionID string) (int, error)
	HasExistingChunking(ctx context.Context, electionID string) (bool, error)
	ListBallotIDs(ctx context.Context, electionID string) ([]string, error)
	InsertChunks(ctx context.Context, chunks []domain.Chunk) error
	AssignBallotsToChunk(ctx context.Context, chunkID string, ballotIDs []string) error
	RecordShuffleSeed(ctx context.Context, electionID string, seed []byte, chunkSize int) error
}

// Planner computes chunking and persists the resulting chunk rows.
type Planner struct {
	store          Store
	chunkSize      int
	assignmentMode AssignmentMode
	log            *logrus.Entry
}

// New builds a Planner with the given chunk size and assignment mode.
func New(store Store, chunkSize int, mode AssignmentMode, log *logrus.Logger) *Planner {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if log == nil {
		log = logrus.New()
	}
	return &Planner{
		store:          store,
		chunkSize:      chunkSize,
		assignmentMode: mode,
		log:            log.WithField("component", "planner"),
	}
}

// PlanResult summarizes the chunking just materialized.
type PlanResult struct {
	ElectionID string
	ChunkIDs   []string
	ChunkCount int
	BallotCount int
}

// Plan counts cast ballots, rejects zero ballots or a pre-existing chunking,
// shuffles ballot ids with a CSPRNG-seeded Fisher–Yates, partitions them into
// N contiguous chunks, and inserts the chunk rows (spec.md §4.2).
func (p *Planner) Plan(ctx context.Context, electionID string) (*PlanResult, error) {
	log := p.log.WithField("election_id", electionID)

	exists, err := p.store.HasExistingChunking(ctx, electionID)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Planner, "failed to check for existing chunking", err)
	}
	if exists {
		return nil, orcherr.New(orcherr.Planner, fmt.Sprintf("election %s is already chunked", electionID))
	}

	count, err := p.store.CountCastBallots(ctx, electionID)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Planner, "failed to count cast ballots", err)
	}
	if count == 0 {
		return nil, orcherr.New(orcherr.Planner, fmt.Sprintf("election %s has zero cast ballots", electionID))
	}

	n := int(math.Ceil(float64(count) / float64(p.chunkSize)))
	log.WithFields(logrus.Fields{"ballot_count": count, "chunk_count": n, "chunk_size": p.chunkSize}).Info("planning chunking")

	ballotIDs, err := p.store.ListBallotIDs(ctx, electionID)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Planner, "failed to list ballot ids", err)
	}
	if len(ballotIDs) != count {
		return nil, orcherr.New(orcherr.Planner, fmt.Sprintf("ballot id list length %d does not match counted total %d", len(ballotIDs), count))
	}

	seed, err := newShuffleSeed()
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Planner, "failed to derive shuffle seed", err)
	}

	shuffled := append([]string(nil), ballotIDs...)
	fisherYatesShuffle(shuffled, newShuffleSource(seed))

	slices := make([][]string, 0, n)
	for start := 0; start < len(shuffled); start += p.chunkSize {
		end := min(start+p.chunkSize, len(shuffled))
		slices = append(slices, shuffled[start:end])
	}

	chunks := make([]domain.Chunk, 0, n)
	chunkIDs := make([]string, 0, n)
	for ordinal := range slices {
		chunkID := uuid.NewString()
		chunks = append(chunks, domain.Chunk{
			ID:         chunkID,
			ElectionID: electionID,
			Ordinal:    ordinal,
		})
		chunkIDs = append(chunkIDs, chunkID)
	}

	if err := p.store.InsertChunks(ctx, chunks); err != nil {
		return nil, orcherr.Wrap(orcherr.Planner, "failed to insert chunk rows", err)
	}

	switch p.assignmentMode {
	case AssignEager:
		for i, slice := range slices {
			if err := p.store.AssignBallotsToChunk(ctx, chunkIDs[i], slice); err != nil {
				return nil, orcherr.Wrap(orcherr.Planner, "failed to assign ballots to chunk", err)
			}
		}
	case AssignSeedRederivation:
		if err := p.store.RecordShuffleSeed(ctx, electionID, seed, p.chunkSize); err != nil {
			return nil, orcherr.Wrap(orcherr.Planner, "failed to record shuffle seed", err)
		}
	}

	log.WithField("chunk_ids", chunkIDs).Info("chunking complete")

	return &PlanResult{
		ElectionID:  electionID,
		ChunkIDs:    chunkIDs,
		ChunkCount:  n,
		BallotCount: count,
	}, nil
}

// partition splits ids into n contiguous, near-equal slices. Plan does not
// call it: Plan cuts slices of exactly chunkSize ids, with a shorter last
// slice when the count is not a multiple of chunkSize.
func partition(ids []string, n int) [][]string {
	if n <= 0 {
		return nil
	}
	total := len(ids)
	base := total / n
	remainder := total % n

	slices := make([][]string, n)
	offset := 0
	for i := 0; i < n; i++ {
		size := base
		if i < remainder {
			size++
		}
		slices[i] = ids[offset : offset+size]
		offset += size
	}
	return slices
}
