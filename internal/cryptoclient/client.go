// Package cryptoclient is the pooled HTTP client the orchestrator uses to
// call the external crypto service for ballot encryption, tallying, partial
// decryption, and combination. It owns connection-pool sizing and telemetry,
// classifies failures into transport vs. protocol errors, and retries
// transient failures with backoff.
package cryptoclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/amarvote/orchestrator-core/internal/metrics"
	"github.com/amarvote/orchestrator-core/internal/orcherr"
)

// ballotEncryptEndpoint is the only endpoint whose request body is padded
// per spec.md §4.2 (PKCS#7 padding to a multiple of padBlockSize bytes; the
// padded length is not a fixed size and still grows in padBlockSize steps
// with the plaintext length).
const ballotEncryptEndpoint = "/api/ballot/encrypt"

const padBlockSize = 256

// Client is the narrow interface workers and the admin API depend on,
// mirroring the teacher's pattern of a single-method-family interface
// fronting a concrete pooled implementation.
type Client interface {
	PostJSON(ctx context.Context, endpoint string, body any, out any) error
	Stats() (available, leased, pending int)
	Close()
}

// Config configures a CryptoClient.
type Config struct {
	BaseURL string

	PoolMaxTotal     int
	PoolMaxPerHost   int
	AcquireTimeout   time.Duration
	ConnTTL          time.Duration
	IdleValidate     time.Duration
	EvictInterval    time.Duration
	HighWaterRatio   float64
	RequestTimeout   time.Duration
	MaxRetries       int
	RetryBaseBackoff time.Duration
	RetryMaxBackoff  time.Duration
}

// DefaultConfig returns the pool sizing from spec.md §4.1: total >= 200,
// per-host >= 100, ~30s acquire wait, ~120s connection TTL, 10s idle
// validation, a 10s eviction sweep, and a read timeout generous enough for
// the slowest combine RPCs (up to 10 minutes).
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:          baseURL,
		PoolMaxTotal:     200,
		PoolMaxPerHost:   100,
		AcquireTimeout:   30 * time.Second,
		ConnTTL:          120 * time.Second,
		IdleValidate:     10 * time.Second,
		EvictInterval:    10 * time.Second,
		HighWaterRatio:   0.8,
		RequestTimeout:   10 * time.Minute,
		MaxRetries:       3,
		RetryBaseBackoff: 200 * time.Millisecond,
		RetryMaxBackoff:  5 * time.Second,
	}
}

// CryptoClient is the concrete pooled implementation of Client.
type CryptoClient struct {
	cfg     Config
	pool    *pool
	metrics *metrics.Metrics
	log     *logrus.Entry
}

// New builds a CryptoClient and starts its background eviction loop.
func New(cfg Config, m *metrics.Metrics, log *logrus.Logger) *CryptoClient {
	if log == nil {
		log = logrus.New()
	}
	return &CryptoClient{
		cfg:     cfg,
		pool:    newPool(cfg.PoolMaxTotal, cfg.PoolMaxPerHost, cfg.AcquireTimeout, cfg.ConnTTL, cfg.IdleValidate, cfg.EvictInterval),
		metrics: m,
		log:     log.WithField("component", "cryptoclient"),
	}
}

// Stats reports the pool's current utilization.
func (c *CryptoClient) Stats() (available, leased, pending int) {
	s := c.pool.stats()
	return s.Available, s.Leased, s.Pending
}

// Close stops the eviction loop and closes idle connections.
func (c *CryptoClient) Close() {
	c.pool.close()
}

// PostJSON posts body as JSON to endpoint against the crypto service,
// decoding the JSON response into out. It acquires a pool slot (recording
// POOL_USAGE_HIGH telemetry per spec.md §4.1), pads the body if endpoint is
// the ballot-encryption endpoint, retries transient transport failures with
// backoff, and classifies the outcome into a TransportError or
// ProtocolError on failure.
func (c *CryptoClient) PostJSON(ctx context.Context, endpoint string, body any, out any) error {
	requestID := uuid.NewString()
	log := c.log.WithFields(logrus.Fields{"request_id": requestID, "endpoint": endpoint})

	if !c.pool.acquire(c.cfg.AcquireTimeout) {
		return orcherr.New(orcherr.PoolExhausted, fmt.Sprintf("timed out waiting for crypto client pool slot after %s", c.cfg.AcquireTimeout))
	}
	defer c.pool.release()

	c.recordPoolUsage()
	defer c.recordPoolUsage()

	payload, err := json.Marshal(body)
	if err != nil {
		return orcherr.Wrap(orcherr.Protocol, "failed to marshal request body", err)
	}
	if endpoint == ballotEncryptEndpoint {
		payload = pkcs7Pad(payload, padBlockSize)
	}

	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = c.cfg.RetryBaseBackoff
	boff.MaxInterval = c.cfg.RetryMaxBackoff
	boff.MaxElapsedTime = c.cfg.RequestTimeout * time.Duration(c.cfg.MaxRetries+1)
	bctx := backoff.WithContext(boff, ctx)

	var attempt int
	operation := func() error {
		attempt++
		start := time.Now()
		rerr := c.doOnce(ctx, requestID, endpoint, payload, out)
		duration := time.Since(start)

		if rerr == nil {
			c.metrics.RecordCryptoRPC(ctx, endpoint, duration)
			return nil
		}

		var oe *orcherr.Error
		if orcherr.As(rerr, &oe) && oe.Kind == orcherr.Protocol {
			c.metrics.RecordCryptoRPCError(endpoint, string(orcherr.Protocol))
			return backoff.Permanent(rerr)
		}

		c.metrics.RecordCryptoRPCError(endpoint, string(orcherr.Transport))
		log.WithError(rerr).WithField("attempt", attempt).Warn("crypto service request failed, retrying")
		if attempt > c.cfg.MaxRetries {
			return backoff.Permanent(rerr)
		}
		return rerr
	}

	if err := backoff.Retry(operation, bctx); err != nil {
		return unwrapPermanent(err)
	}
	return nil
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if ok := asPermanent(err, &perm); ok {
		return perm.Err
	}
	return err
}

func asPermanent(err error, target **backoff.PermanentError) bool {
	if err == nil {
		return false
	}
	if p, ok := err.(*backoff.PermanentError); ok {
		*target = p
		return true
	}
	return false
}

// doOnce issues a single HTTP round-trip and classifies the result.
func (c *CryptoClient) doOnce(ctx context.Context, requestID, endpoint string, payload []byte, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return orcherr.Wrap(orcherr.Protocol, "failed to build crypto service request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", requestID)

	resp, err := c.pool.client.Do(req)
	if err != nil {
		return orcherr.Wrap(orcherr.Transport, "crypto service request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return orcherr.Wrap(orcherr.Transport, "failed to read crypto service response", err)
	}

	if resp.StatusCode >= 500 {
		return orcherr.New(orcherr.Transport, fmt.Sprintf("crypto service returned %d: %s", resp.StatusCode, string(respBody)))
	}
	if resp.StatusCode >= 400 {
		return orcherr.New(orcherr.Protocol, fmt.Sprintf("crypto service rejected request with %d: %s", resp.StatusCode, string(respBody)))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return orcherr.Wrap(orcherr.Protocol, "failed to decode crypto service response", err)
		}
	}
	return nil
}

// recordPoolUsage snapshots pool utilization and emits POOL_USAGE_HIGH
// telemetry once usage crosses the configured high-water mark or any
// caller is queued waiting for a slot.
func (c *CryptoClient) recordPoolUsage() {
	stats := c.pool.stats()
	ratio := c.pool.usageRatio()
	highWater := ratio >= c.cfg.HighWaterRatio || stats.Pending > 0
	c.metrics.RecordPoolUsage(ratio, stats.Pending, highWater)
	if highWater {
		c.log.WithFields(logrus.Fields{
			"event":     "POOL_USAGE_HIGH",
			"available": stats.Available,
			"leased":    stats.Leased,
			"pending":   stats.Pending,
			"ratio":     ratio,
		}).Warn("crypto client pool usage high")
	}
}

// pkcs7Pad pads data to a multiple of blockSize using PKCS#7 padding, per
// the Open Questions decision in SPEC_FULL.md §7.
func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - (len(data) % blockSize)
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

// pkcs7Unpad reverses pkcs7Pad. It is unexported and only this package's
// tests call it, since the orchestrator itself only ever pads outbound
// ballot-encryption requests.
func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unpad empty data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, fmt.Errorf("invalid PKCS#7 padding")
	}
	return data[:len(data)-padLen], nil
}
