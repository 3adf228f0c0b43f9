// Command loadtest drives synthetic submission load against a running
// orchestrator core: concurrent workers repeatedly create tally jobs,
// submit guardian decryption credentials, and poll job status, then report
// throughput and latency percentiles, with an optional regression check
// against a saved baseline.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

func main() {
	var (
		serverURL      = flag.String("server-url", "http://localhost:8080", "Orchestrator core Admin/Status API URL")
		duration       = flag.Duration("duration", 30*time.Second, "Test duration")
		workers        = flag.Int("workers", 5, "Number of worker goroutines")
		submitRate     = flag.Float64("submit-rate", 10.0, "Target submissions per second per worker")
		electionCount  = flag.Int("election-count", 20, "Number of distinct synthetic election ids to spread load across")
		guardianCount  = flag.Int("guardian-count", 5, "Guardians per synthetic election")
		baselineFile   = flag.String("baseline-file", "testdata/baselines/loadtest_baseline.json", "Path to baseline file")
		threshold      = flag.Float64("threshold", 10.0, "Regression threshold percentage")
		updateBaseline = flag.Bool("update-baseline", false, "Update the baseline file instead of checking regression")
		verbose        = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	cfg := runConfig{
		serverURL:     *serverURL,
		duration:      *duration,
		workers:       *workers,
		submitRate:    *submitRate,
		electionCount: *electionCount,
		guardianCount: *guardianCount,
	}

	fmt.Println("=== Orchestrator Core Load Test Runner ===")
	fmt.Printf("Server URL: %s\n", cfg.serverURL)
	fmt.Printf("Duration: %v\n", cfg.duration)
	fmt.Printf("Workers: %d\n", cfg.workers)
	fmt.Printf("Submit Rate (per worker): %.1f/s\n", cfg.submitRate)
	fmt.Printf("Synthetic Elections: %d (x%d guardians)\n", cfg.electionCount, cfg.guardianCount)
	fmt.Println()

	results := run(cfg, logger)
	printResults(results)

	if *updateBaseline {
		if err := saveBaseline(*baselineFile, results); err != nil {
			logger.WithError(err).Fatal("failed to write baseline")
		}
		fmt.Println("✅ Baseline updated")
		return
	}

	regression, err := checkRegression(*baselineFile, results, *threshold)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("ℹ️  No baseline found - run with --update-baseline to create one")
			return
		}
		logger.WithError(err).Fatal("regression check failed")
	}
	if regression {
		fmt.Println("❌ Significant regression detected")
		os.Exit(1)
	}
	fmt.Println("✅ Load test passed")
}

type runConfig struct {
	serverURL     string
	duration      time.Duration
	workers       int
	submitRate    float64
	electionCount int
	guardianCount int
}

type results struct {
	TallyCreateRequests int64          `json:"tallyCreateRequests"`
	TallyCreateErrors   int64          `json:"tallyCreateErrors"`
	DecryptRequests     int64          `json:"decryptRequests"`
	DecryptErrors       int64          `json:"decryptErrors"`
	StatusPollRequests  int64          `json:"statusPollRequests"`
	LatenciesMillis     []float64      `json:"-"`
	P50Millis           float64        `json:"p50Millis"`
	P95Millis           float64        `json:"p95Millis"`
	P99Millis           float64        `json:"p99Millis"`
	ThroughputPerSecond float64        `json:"throughputPerSecond"`
}

// run spreads cfg.workers goroutines across cfg.electionCount synthetic
// elections, each repeatedly calling POST /api/tally/create, POST
// /api/guardian/initiate-decryption, and GET /api/jobs/{jobId}/status
// against the running orchestrator core until cfg.duration elapses.
func run(cfg runConfig, logger *logrus.Logger) results {
	client := &http.Client{Timeout: 10 * time.Second}

	var (
		tallyReqs, tallyErrs   int64
		decryptReqs, decryptErrs int64
		statusPolls            int64
		mu                     sync.Mutex
		latencies              []float64
	)

	deadline := time.Now().Add(cfg.duration)
	var wg sync.WaitGroup
	for w := 0; w < cfg.workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(workerID) + time.Now().UnixNano()))
			interval := time.Duration(float64(time.Second) / cfg.submitRate)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for time.Now().Before(deadline) {
				<-ticker.C

				electionID := fmt.Sprintf("loadtest-election-%d", rng.Intn(cfg.electionCount))

				start := time.Now()
				jobID, err := postTallyCreate(client, cfg.serverURL, electionID)
				elapsed := time.Since(start)

				atomic.AddInt64(&tallyReqs, 1)
				if err != nil {
					atomic.AddInt64(&tallyErrs, 1)
					logger.WithError(err).WithField("election_id", electionID).Debug("tally/create failed")
				} else {
					mu.Lock()
					latencies = append(latencies, elapsed.Seconds()*1000)
					mu.Unlock()

					if jobID != "" {
						atomic.AddInt64(&statusPolls, 1)
						pollJobStatus(client, cfg.serverURL, jobID)
					}
				}

				guardianID := fmt.Sprintf("guardian-%d", rng.Intn(cfg.guardianCount))
				atomic.AddInt64(&decryptReqs, 1)
				if err := postInitiateDecryption(client, cfg.serverURL, electionID, guardianID); err != nil {
					atomic.AddInt64(&decryptErrs, 1)
					logger.WithError(err).WithField("guardian_id", guardianID).Debug("initiate-decryption failed")
				}
			}
		}(w)
	}
	wg.Wait()

	r := results{
		TallyCreateRequests: atomic.LoadInt64(&tallyReqs),
		TallyCreateErrors:   atomic.LoadInt64(&tallyErrs),
		DecryptRequests:     atomic.LoadInt64(&decryptReqs),
		DecryptErrors:       atomic.LoadInt64(&decryptErrs),
		StatusPollRequests:  atomic.LoadInt64(&statusPolls),
		LatenciesMillis:     latencies,
	}
	r.P50Millis = percentile(latencies, 0.50)
	r.P95Millis = percentile(latencies, 0.95)
	r.P99Millis = percentile(latencies, 0.99)
	total := r.TallyCreateRequests + r.DecryptRequests
	if cfg.duration > 0 {
		r.ThroughputPerSecond = float64(total) / cfg.duration.Seconds()
	}
	return r
}

func postTallyCreate(client *http.Client, serverURL, electionID string) (string, error) {
	body, _ := json.Marshal(map[string]string{"electionId": electionID})
	resp, err := client.Post(serverURL+"/api/tally/create", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var decoded struct {
		JobID string `json:"jobId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	return decoded.JobID, nil
}

func postInitiateDecryption(client *http.Client, serverURL, electionID, guardianID string) error {
	body, _ := json.Marshal(map[string]any{
		"electionId":     electionID,
		"guardianId":     guardianID,
		"credentialBlob": []byte("synthetic-loadtest-credential"),
	})
	resp, err := client.Post(serverURL+"/api/guardian/initiate-decryption", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func pollJobStatus(client *http.Client, serverURL, jobID string) {
	resp, err := client.Get(serverURL + "/api/jobs/" + jobID + "/status")
	if err != nil {
		return
	}
	resp.Body.Close()
}

func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func printResults(r results) {
	fmt.Println("--- Results ---")
	fmt.Printf("Tally/create requests: %d (%d errors)\n", r.TallyCreateRequests, r.TallyCreateErrors)
	fmt.Printf("Decryption submissions: %d (%d errors)\n", r.DecryptRequests, r.DecryptErrors)
	fmt.Printf("Status polls: %d\n", r.StatusPollRequests)
	fmt.Printf("Throughput: %.2f req/s\n", r.ThroughputPerSecond)
	fmt.Printf("Latency p50/p95/p99: %.1fms / %.1fms / %.1fms\n", r.P50Millis, r.P95Millis, r.P99Millis)
	fmt.Println()
}

func saveBaseline(path string, r results) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func checkRegression(path string, r results, thresholdPct float64) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	var baseline results
	if err := json.Unmarshal(data, &baseline); err != nil {
		return false, err
	}
	if baseline.P95Millis == 0 {
		return false, nil
	}
	delta := (r.P95Millis - baseline.P95Millis) / baseline.P95Millis * 100
	return delta > thresholdPct, nil
}
