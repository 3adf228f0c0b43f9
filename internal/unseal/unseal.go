// Package unseal validates a guardian-supplied credential blob against the
// guardian's sealed private key share and produces the unsealed material the
// crypto service needs, without ever persisting or logging it.
package unseal

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ovh/kmip-go/kmipclient"
	"github.com/ovh/kmip-go/payloads"

	"github.com/amarvote/orchestrator-core/internal/domain"
	"github.com/amarvote/orchestrator-core/internal/orcherr"
)

// fixturePlaintext is the known value used for the round-trip sanity check.
// It carries no meaning beyond confirming the unwrapped key is usable.
var fixturePlaintext = []byte("orchestrator-core-unseal-fixture-v1")

// CredentialFile is the parsed form of the guardian-supplied credential blob.
// It is the envelope the voter-facing delivery subsystem hands the guardian;
// the core only ever sees it base64-wrapped inside the HTTP request body.
type CredentialFile struct {
	GuardianID string `json:"guardianId"`
	KeyID      string `json:"keyId"`
	KeyVersion int     `json:"keyVersion"`
	// AuthDigest is hex(sha256(keyId|sealedShare)), binding this credential
	// file to the exact sealed share stored in the roster.
	AuthDigest string `json:"authDigest"`
}

// UnsealedShare holds guardian private-key-share material transiently.
// Callers must call Clear as soon as the material has been handed to the
// crypto service; the zero value is safe to Clear repeatedly.
type UnsealedShare struct {
	Material []byte
}

// Clear zeroizes the unsealed material in place.
func (u *UnsealedShare) Clear() {
	if u == nil {
		return
	}
	for i := range u.Material {
		u.Material[i] = 0
	}
	u.Material = nil
}

// Unsealer validates and unwraps a guardian's sealed private share.
type Unsealer interface {
	// Unseal runs the syntactic, authenticity, and round-trip checks and
	// returns the unwrapped share. Any failure is an *orcherr.Error with
	// Kind orcherr.InvalidCredential.
	Unseal(ctx context.Context, credentialBlob []byte, guardian domain.Guardian) (*UnsealedShare, error)
	Close(ctx context.Context) error
}

// Options configures a KMIPUnsealer.
type Options struct {
	Endpoint string
	CACert   string // PEM-encoded CA used to verify the KMIP server.
	Timeout  time.Duration
}

// KMIPUnsealer unwraps guardian shares using a KMIP-managed wrapping key,
// mirroring the teacher's crypto.KeyManager wrap/unwrap shape: the sealed
// share is treated as a KMIP-wrapped secret, unwrapped only transiently in
// memory.
type KMIPUnsealer struct {
	client  *kmipclient.Client
	timeout time.Duration
}

// NewKMIPUnsealer dials the KMIP endpoint and returns a ready-to-use
// Unsealer. The connection is kept open for the lifetime of the process.
func NewKMIPUnsealer(ctx context.Context, opts Options) (*KMIPUnsealer, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if opts.CACert != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(opts.CACert)) {
			return nil, fmt.Errorf("unseal: invalid KMIP CA certificate")
		}
		tlsCfg.RootCAs = pool
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client, err := kmipclient.Dial(opts.Endpoint, kmipclient.WithTLSConfig(tlsCfg), kmipclient.WithTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("unseal: dial kmip endpoint: %w", err)
	}

	return &KMIPUnsealer{client: client, timeout: timeout}, nil
}

// Unseal performs the three up-front checks named in spec: syntactic
// well-formedness of the credential blob, authenticity against the
// guardian's sealed share, and a round-trip test decrypt of a known
// fixture. Any failure collapses to INVALID_CREDENTIAL.
func (u *KMIPUnsealer) Unseal(ctx context.Context, credentialBlob []byte, guardian domain.Guardian) (*UnsealedShare, error) {
	cred, err := parseCredential(credentialBlob)
	if err != nil {
		return nil, orcherr.InvalidCredentialError(err)
	}

	if err := authenticate(cred, guardian); err != nil {
		return nil, orcherr.InvalidCredentialError(err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(guardian.SealedShare)
	if err != nil {
		return nil, orcherr.InvalidCredentialError(fmt.Errorf("sealed share is not valid base64: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	plaintext, err := u.decrypt(ctx, cred.KeyID, ciphertext)
	if err != nil {
		return nil, orcherr.InvalidCredentialError(fmt.Errorf("unwrap failed: %w", err))
	}

	if err := u.roundTrip(ctx, cred.KeyID); err != nil {
		zero(plaintext)
		return nil, orcherr.InvalidCredentialError(fmt.Errorf("round-trip fixture check failed: %w", err))
	}

	return &UnsealedShare{Material: plaintext}, nil
}

// roundTrip encrypts and decrypts a known fixture with the same wrapping key
// to confirm the key is actually usable, independent of the guardian's own
// ciphertext.
func (u *KMIPUnsealer) roundTrip(ctx context.Context, keyID string) error {
	encResp, err := u.client.Encrypt(ctx, &payloads.EncryptRequestPayload{
		UniqueIdentifier: keyID,
		Data:             fixturePlaintext,
	})
	if err != nil {
		return fmt.Errorf("fixture encrypt: %w", err)
	}

	decResp, err := u.client.Decrypt(ctx, &payloads.DecryptRequestPayload{
		UniqueIdentifier: keyID,
		Data:             encResp.Data,
	})
	if err != nil {
		return fmt.Errorf("fixture decrypt: %w", err)
	}

	if subtle.ConstantTimeCompare(decResp.Data, fixturePlaintext) != 1 {
		return fmt.Errorf("fixture round-trip mismatch")
	}
	return nil
}

func (u *KMIPUnsealer) decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	resp, err := u.client.Decrypt(ctx, &payloads.DecryptRequestPayload{
		UniqueIdentifier: keyID,
		Data:             ciphertext,
	})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Close releases the KMIP connection.
func (u *KMIPUnsealer) Close(ctx context.Context) error {
	return u.client.Close()
}

func parseCredential(blob []byte) (*CredentialFile, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("empty credential blob")
	}
	var cred CredentialFile
	if err := json.Unmarshal(blob, &cred); err != nil {
		return nil, fmt.Errorf("malformed credential file: %w", err)
	}
	if cred.GuardianID == "" || cred.KeyID == "" || cred.AuthDigest == "" {
		return nil, fmt.Errorf("credential file missing required fields")
	}
	return &cred, nil
}

// authenticate confirms the credential file matches the guardian's sealed
// copy: the guardian id must match the roster entry, and the digest must
// bind the credential to the exact sealed share on file (preventing a stale
// or swapped credential from unsealing a different guardian's share).
func authenticate(cred *CredentialFile, guardian domain.Guardian) error {
	if cred.GuardianID != guardian.ID {
		return fmt.Errorf("credential guardian id does not match roster")
	}
	expected := digestFor(cred.KeyID, guardian.SealedShare)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(cred.AuthDigest)) != 1 {
		return fmt.Errorf("credential digest does not match sealed share")
	}
	return nil
}

func digestFor(keyID, sealedShare string) string {
	sum := sha256.Sum256([]byte(keyID + "|" + sealedShare))
	return hex.EncodeToString(sum[:])
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
