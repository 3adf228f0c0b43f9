// Package store is the bounded, typed persistence layer described in
// spec.md §4.3: multi-row accessors return scalar projections rather than
// hydrated entities, except LoadElectionGuardians, which returns
// []domain.Guardian; every operation runs in its own short
// transaction so no identity map accumulates state across chunks.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/amarvote/orchestrator-core/internal/domain"
	"github.com/amarvote/orchestrator-core/internal/orcherr"
)

// mysqlDuplicateEntry is the error number MySQL returns for a unique-key
// violation; spec.md §4.3 requires InsertPartialShare/InsertCompensatedShare
// to treat this as a no-op success rather than a failure.
const mysqlDuplicateEntry = 1062

// Store is the typed persistence surface consumed by the planner, workers,
// scheduler bootstrap, progress tracker, and the Admin/Status API.
type Store struct {
	db *sql.DB
}

// New wraps an already-open *sql.DB. Callers own the DB's lifecycle
// (connection limits, Close).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens a MySQL connection pool from a DSN and verifies connectivity.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach store: %w", err)
	}
	return New(db), nil
}

// Ping is used as the readiness dependency check mounted on the API (see
// internal/metrics.ReadinessHandler).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// CountCastBallots returns the number of cast ballots for an election.
func (s *Store) CountCastBallots(ctx context.Context, electionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ballots WHERE election_id = ? AND cast_at IS NOT NULL`,
		electionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count cast ballots: %w", err)
	}
	return count, nil
}

// HasExistingChunking reports whether any chunk row already exists for the
// election (spec.md §4.2: at most one chunking per election).
func (s *Store) HasExistingChunking(ctx context.Context, electionID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM chunks WHERE election_id = ?)`,
		electionID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check existing chunking: %w", err)
	}
	return exists, nil
}

// ListBallotIDs returns the ids of all cast ballots for an election,
// projection-only.
func (s *Store) ListBallotIDs(ctx context.Context, electionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM ballots WHERE election_id = ? AND cast_at IS NOT NULL`,
		electionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list ballot ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan ballot id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InsertChunks inserts the chunk rows produced by the planner, in a single
// transaction.
func (s *Store) InsertChunks(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin insert-chunks transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (id, election_id, ordinal, encrypted_tally, result) VALUES (?, ?, ?, '', '')`,
	)
	if err != nil {
		return fmt.Errorf("failed to prepare insert-chunks statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, c.ID, c.ElectionID, c.Ordinal); err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// AssignBallotsToChunk stamps chunk_id on each ballot row (eager assignment
// mode, spec.md §4.2 step 6).
func (s *Store) AssignBallotsToChunk(ctx context.Context, chunkID string, ballotIDs []string) error {
	if len(ballotIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin assign-ballots transaction: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ballotIDs)), ",")
	args := make([]any, 0, len(ballotIDs)+1)
	args = append(args, chunkID)
	for _, id := range ballotIDs {
		args = append(args, id)
	}

	query := fmt.Sprintf(`UPDATE ballots SET chunk_id = ? WHERE id IN (%s)`, placeholders)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to assign ballots to chunk %s: %w", chunkID, err)
	}
	return tx.Commit()
}

// RecordShuffleSeed persists the CSPRNG seed and chunk size used for an
// election's chunking, for the seed-rederivation assignment mode.
func (s *Store) RecordShuffleSeed(ctx context.Context, electionID string, seed []byte, chunkSize int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO election_shuffle_seeds (election_id, seed, chunk_size) VALUES (?, ?, ?)
		 ON DUPLICATE KEY UPDATE seed = VALUES(seed), chunk_size = VALUES(chunk_size)`,
		electionID, seed, chunkSize,
	)
	if err != nil {
		return fmt.Errorf("failed to record shuffle seed for election %s: %w", electionID, err)
	}
	return nil
}

// UpdateChunkEncryptedTally stores the tally worker's result on a chunk row.
func (s *Store) UpdateChunkEncryptedTally(ctx context.Context, chunkID, ciphertext string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET encrypted_tally = ? WHERE id = ?`,
		ciphertext, chunkID,
	)
	if err != nil {
		return fmt.Errorf("failed to update encrypted tally for chunk %s: %w", chunkID, err)
	}
	return nil
}

// UpdateChunkResult stores the combine worker's plaintext result JSON on a
// chunk row.
func (s *Store) UpdateChunkResult(ctx context.Context, chunkID, resultJSON string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET result = ? WHERE id = ?`,
		resultJSON, chunkID,
	)
	if err != nil {
		return fmt.Errorf("failed to update result for chunk %s: %w", chunkID, err)
	}
	return nil
}

// FindChunkIdsByElection returns chunk ids ordered by ordinal, projection only.
func (s *Store) FindChunkIdsByElection(ctx context.Context, electionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM chunks WHERE election_id = ? ORDER BY ordinal ASC`,
		electionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find chunk ids for election %s: %w", electionID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan chunk id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LoadChunkCiphertextById returns a chunk's stored encrypted tally.
func (s *Store) LoadChunkCiphertextById(ctx context.Context, chunkID string) (string, error) {
	var ciphertext string
	err := s.db.QueryRowContext(ctx,
		`SELECT encrypted_tally FROM chunks WHERE id = ?`,
		chunkID,
	).Scan(&ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to load ciphertext for chunk %s: %w", chunkID, err)
	}
	return ciphertext, nil
}

// LoadBallotCiphertextsForChunk returns the encrypted ballots assigned to a
// chunk, projection only.
func (s *Store) LoadBallotCiphertextsForChunk(ctx context.Context, chunkID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ciphertext FROM ballots WHERE chunk_id = ?`,
		chunkID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load ballot ciphertexts for chunk %s: %w", chunkID, err)
	}
	defer rows.Close()

	var ciphertexts []string
	for rows.Next() {
		var ct string
		if err := rows.Scan(&ct); err != nil {
			return nil, fmt.Errorf("failed to scan ballot ciphertext: %w", err)
		}
		ciphertexts = append(ciphertexts, ct)
	}
	return ciphertexts, rows.Err()
}

// InsertPartialShare inserts a guardian's partial share for a chunk.
// Unique-constraint violations on (chunk, guardian) are treated as a
// successful no-op (spec.md §4.3).
func (s *Store) InsertPartialShare(ctx context.Context, share domain.PartialShare) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO partial_shares (election_id, chunk_id, guardian_id, share) VALUES (?, ?, ?, ?)`,
		share.ElectionID, share.ChunkID, share.GuardianID, share.Share,
	)
	if isDuplicateEntry(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to insert partial share for chunk %s: %w", share.ChunkID, err)
	}
	return nil
}

// InsertCompensatedShare inserts a compensated share for (chunk, source,
// target). Unique-constraint violations are a no-op (spec.md §4.3).
func (s *Store) InsertCompensatedShare(ctx context.Context, share domain.CompensatedShare) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO compensated_shares (election_id, chunk_id, source_id, target_id, share) VALUES (?, ?, ?, ?, ?)`,
		share.ElectionID, share.ChunkID, share.SourceID, share.TargetID, share.Share,
	)
	if isDuplicateEntry(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to insert compensated share for chunk %s: %w", share.ChunkID, err)
	}
	return nil
}

func isDuplicateEntry(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDuplicateEntry
	}
	return false
}

// LoadPartialSharesForChunk returns every guardian's partial share for a chunk.
func (s *Store) LoadPartialSharesForChunk(ctx context.Context, chunkID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT guardian_id, share FROM partial_shares WHERE chunk_id = ?`,
		chunkID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load partial shares for chunk %s: %w", chunkID, err)
	}
	defer rows.Close()

	shares := make(map[string]string)
	for rows.Next() {
		var guardianID, share string
		if err := rows.Scan(&guardianID, &share); err != nil {
			return nil, fmt.Errorf("failed to scan partial share: %w", err)
		}
		shares[guardianID] = share
	}
	return shares, rows.Err()
}

// CompensatedKey identifies one (source, target) compensated share.
type CompensatedKey struct {
	Source string
	Target string
}

// LoadCompensatedSharesForChunk returns every compensated share recorded for
// a chunk, keyed by (source, target).
func (s *Store) LoadCompensatedSharesForChunk(ctx context.Context, chunkID string) (map[CompensatedKey]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id, target_id, share FROM compensated_shares WHERE chunk_id = ?`,
		chunkID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load compensated shares for chunk %s: %w", chunkID, err)
	}
	defer rows.Close()

	shares := make(map[CompensatedKey]string)
	for rows.Next() {
		var source, target, share string
		if err := rows.Scan(&source, &target, &share); err != nil {
			return nil, fmt.Errorf("failed to scan compensated share: %w", err)
		}
		shares[CompensatedKey{Source: source, Target: target}] = share
	}
	return shares, rows.Err()
}

// CreateJob inserts a new Job row in PENDING state.
func (s *Store) CreateJob(ctx context.Context, job domain.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, election_id, operation, state, total_chunks, processed_chunks, failed_chunks, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, 0, NOW())`,
		job.ID, job.ElectionID, job.Operation, domain.JobPending, job.TotalChunks,
	)
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}
	return nil
}

// JobProgress is the post-increment snapshot returned by IncrementJobProgress.
type JobProgress struct {
	ProcessedChunks int
	FailedChunks    int
	TotalChunks     int
	State           domain.JobState
}

// IncrementJobProgress atomically increments a job's processed (or failed)
// chunk counter and returns the new totals in the same transaction, so the
// caller that wrote the final chunk reliably observes the transition to
// completion (spec.md §4.3).
func (s *Store) IncrementJobProgress(ctx context.Context, jobID string, failed bool) (*JobProgress, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin increment-progress transaction: %w", err)
	}
	defer tx.Rollback()

	column := "processed_chunks"
	if failed {
		column = "failed_chunks"
	}

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE jobs SET %s = %s + 1 WHERE id = ?`, column, column),
		jobID,
	); err != nil {
		return nil, fmt.Errorf("failed to increment %s for job %s: %w", column, jobID, err)
	}

	var progress JobProgress
	var state string
	err = tx.QueryRowContext(ctx,
		`SELECT processed_chunks, failed_chunks, total_chunks, state FROM jobs WHERE id = ?`,
		jobID,
	).Scan(&progress.ProcessedChunks, &progress.FailedChunks, &progress.TotalChunks, &state)
	if err != nil {
		return nil, fmt.Errorf("failed to read progress for job %s: %w", jobID, err)
	}
	progress.State = domain.JobState(state)

	if progress.ProcessedChunks+progress.FailedChunks >= progress.TotalChunks && !progress.State.Terminal() {
		newState := domain.JobCompleted
		if progress.FailedChunks > 0 {
			newState = domain.JobFailed
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET state = ?, completed_at = NOW() WHERE id = ?`,
			newState, jobID,
		); err != nil {
			return nil, fmt.Errorf("failed to mark job %s terminal: %w", jobID, err)
		}
		progress.State = newState
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit progress increment for job %s: %w", jobID, err)
	}
	return &progress, nil
}

// LoadJob returns a job's current snapshot for the status read surface.
func (s *Store) LoadJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, election_id, operation, state, total_chunks, processed_chunks, failed_chunks, error_message
		 FROM jobs WHERE id = ?`,
		jobID,
	).Scan(&job.ID, &job.ElectionID, &job.Operation, &state, &job.TotalChunks, &job.ProcessedChunks, &job.FailedChunks, &job.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, orcherr.New(orcherr.InvalidInput, fmt.Sprintf("job %s not found", jobID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	job.State = domain.JobState(state)
	return &job, nil
}

// UpsertPartialDecryptionStatus creates or replaces a guardian's decryption
// status row for an election.
func (s *Store) UpsertPartialDecryptionStatus(ctx context.Context, status domain.PartialDecryptionStatus) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO partial_decryption_status
		   (election_id, guardian_id, state, phase, total_chunks, processed_chunks, total_other_guardians, processed_other, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, NOW(), NOW())
		 ON DUPLICATE KEY UPDATE state = VALUES(state), phase = VALUES(phase),
		   total_chunks = VALUES(total_chunks), processed_chunks = VALUES(processed_chunks),
		   total_other_guardians = VALUES(total_other_guardians), processed_other = VALUES(processed_other),
		   updated_at = NOW()`,
		status.ElectionID, status.GuardianID, status.State, status.Phase,
		status.TotalChunks, status.ProcessedChunks, status.TotalOtherGuardians, status.ProcessedOther,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert decryption status for guardian %s: %w", status.GuardianID, err)
	}
	return nil
}

// MarkPartialDecryptionStatus transitions a guardian's status row to a new
// state/phase, optionally recording a terminal error.
func (s *Store) MarkPartialDecryptionStatus(ctx context.Context, electionID, guardianID string, state domain.GuardianState, phase domain.GuardianPhase, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE partial_decryption_status
		 SET state = ?, phase = ?, last_error = ?, updated_at = NOW(),
		     completed_at = CASE WHEN ? IN ('COMPLETED', 'FAILED') THEN NOW() ELSE completed_at END
		 WHERE election_id = ? AND guardian_id = ?`,
		state, phase, lastError, state, electionID, guardianID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark decryption status for guardian %s: %w", guardianID, err)
	}
	return nil
}

// LoadPartialDecryptionStatus reads a guardian's current status row.
func (s *Store) LoadPartialDecryptionStatus(ctx context.Context, electionID, guardianID string) (*domain.PartialDecryptionStatus, error) {
	var status domain.PartialDecryptionStatus
	var state, phase string
	err := s.db.QueryRowContext(ctx,
		`SELECT election_id, guardian_id, state, phase, total_chunks, processed_chunks, total_other_guardians, processed_other, last_error
		 FROM partial_decryption_status WHERE election_id = ? AND guardian_id = ?`,
		electionID, guardianID,
	).Scan(&status.ElectionID, &status.GuardianID, &state, &phase, &status.TotalChunks, &status.ProcessedChunks, &status.TotalOtherGuardians, &status.ProcessedOther, &status.LastError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load decryption status for guardian %s: %w", guardianID, err)
	}
	status.State = domain.GuardianState(state)
	status.Phase = domain.GuardianPhase(phase)
	return &status, nil
}

// MarkGuardianDecrypted sets the roster flag the combine-phase quorum check
// reads.
func (s *Store) MarkGuardianDecrypted(ctx context.Context, electionID, guardianID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE guardians SET decrypted_flag = TRUE WHERE election_id = ? AND id = ?`,
		electionID, guardianID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark guardian %s decrypted: %w", guardianID, err)
	}
	return nil
}

// CountDecryptedGuardians returns how many guardians have decrypted_flag set
// for an election, used by the combine worker's quorum check.
func (s *Store) CountDecryptedGuardians(ctx context.Context, electionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM guardians WHERE election_id = ? AND decrypted_flag = TRUE`,
		electionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count decrypted guardians for election %s: %w", electionID, err)
	}
	return count, nil
}

// LoadElectionQuorum returns the configured quorum for an election.
func (s *Store) LoadElectionQuorum(ctx context.Context, electionID string) (int, error) {
	var quorum int
	err := s.db.QueryRowContext(ctx,
		`SELECT quorum FROM elections WHERE id = ?`,
		electionID,
	).Scan(&quorum)
	if err != nil {
		return 0, fmt.Errorf("failed to load quorum for election %s: %w", electionID, err)
	}
	return quorum, nil
}

// LoadCachedResults returns the combined per-selection plaintext results for
// an election, one JSON document per chunk, for the read-only
// cached-results endpoint.
func (s *Store) LoadCachedResults(ctx context.Context, electionID string) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT result FROM chunks WHERE election_id = ? AND result != '' ORDER BY ordinal ASC`,
		electionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load cached results for election %s: %w", electionID, err)
	}
	defer rows.Close()

	var results []json.RawMessage
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan cached result: %w", err)
		}
		results = append(results, json.RawMessage(raw))
	}
	return results, rows.Err()
}

// LoadElectionGuardians returns an election's guardian roster ordered by
// sequence order, used by the compensated worker to enumerate absent
// guardians and by the combine worker's quorum check.
func (s *Store) LoadElectionGuardians(ctx context.Context, electionID string) ([]domain.Guardian, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sequence_order, display_name, contact_email, public_key, sealed_share, decrypted_flag
		 FROM guardians WHERE election_id = ? ORDER BY sequence_order ASC`,
		electionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load guardians for election %s: %w", electionID, err)
	}
	defer rows.Close()

	var guardians []domain.Guardian
	for rows.Next() {
		var g domain.Guardian
		if err := rows.Scan(&g.ID, &g.SequenceOrder, &g.DisplayName, &g.ContactEmail, &g.PublicKey, &g.SealedShare, &g.DecryptedFlag); err != nil {
			return nil, fmt.Errorf("failed to scan guardian row: %w", err)
		}
		guardians = append(guardians, g)
	}
	return guardians, rows.Err()
}

// LoadGuardian returns a single guardian by id, used to look up a sealed
// share before unsealing a submitted credential.
func (s *Store) LoadGuardian(ctx context.Context, electionID, guardianID string) (*domain.Guardian, error) {
	var g domain.Guardian
	g.ID = guardianID
	err := s.db.QueryRowContext(ctx,
		`SELECT sequence_order, display_name, contact_email, public_key, sealed_share, decrypted_flag
		 FROM guardians WHERE election_id = ? AND id = ?`,
		electionID, guardianID,
	).Scan(&g.SequenceOrder, &g.DisplayName, &g.ContactEmail, &g.PublicKey, &g.SealedShare, &g.DecryptedFlag)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orcherr.New(orcherr.InvalidInput, fmt.Sprintf("guardian %s not found in election %s", guardianID, electionID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load guardian %s: %w", guardianID, err)
	}
	return &g, nil
}
