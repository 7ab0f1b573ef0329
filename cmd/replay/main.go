// Replay tool for measuring FraudOps decisions against labelled events.
//
// Usage:
//   go run ./cmd/replay -csv /path/to/scored.csv -url http://localhost:8080
//
// This tool:
//   1. Reads scored events with fraud labels
//   2. Sends each event to POST /decide
//   3. Reports the label to POST /monitor/outcomes so calibration tracks it
//   4. Treats hold and block as a fraud prediction and prints the confusion matrix
//
// Required columns: event_id, entity_id, xgb, nn, rules, is_fraud.
// Optional feature columns: amount, channel, velocity_1h, velocity_24h,
// ip_risk, merchant_risk, geo_distance_km, age_days.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/fraudops/internal/api"
	"github.com/opensource-finance/fraudops/internal/domain"
	"github.com/opensource-finance/fraudops/internal/pipeline"
	"github.com/shopspring/decimal"
)

// ScoredEvent is one labelled row of the replay file.
type ScoredEvent struct {
	Request pipeline.Request
	IsFraud bool
}

// Metrics tracks replay results.
type Metrics struct {
	TruePositives  int64 // fraud held or blocked
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64 // fraud allowed or escalated

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64

	ProcessingTimeMs int64

	mu      sync.Mutex
	actions map[domain.Action]int64
}

func (m *Metrics) countAction(a domain.Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.actions == nil {
		m.actions = make(map[domain.Action]int64)
	}
	m.actions[a]++
}

func main() {
	csvPath := flag.String("csv", "", "Path to scored events CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "FraudOps base URL")
	actor := flag.String("actor", "replay", "Actor recorded on audit entries")
	limit := flag.Int("limit", 10000, "Maximum events to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	skipOutcomes := flag.Bool("skip-outcomes", false, "Do not report labels to the monitor")
	verbose := flag.Bool("verbose", false, "Print each decision")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: replay -csv /path/to/scored.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║            FRAUDOPS REPLAY - Labelled Decisions               ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("URL:         %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: FraudOps not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}
	fmt.Println("✓ FraudOps is healthy")

	events, err := readScoredCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(events) == 0 {
		fmt.Println("ERROR: no events in file")
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d events\n", len(events))

	fmt.Printf("\nReplaying with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runReplay(events, *baseURL, *actor, *workers, !*skipOutcomes, *verbose)
	printResults(metrics, time.Since(startTime))
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readScoredCSV(path string, limit int) ([]ScoredEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range []string{"event_id", "entity_id", "xgb", "nn", "rules", "is_fraud"} {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	field := func(record []string, col string) (string, bool) {
		i, ok := colIndex[col]
		if !ok || i >= len(record) {
			return "", false
		}
		return record[i], true
	}
	number := func(record []string, col string) float64 {
		s, _ := field(record, col)
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}

	var events []ScoredEvent
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // skip malformed rows
		}

		eventID, _ := field(record, "event_id")
		entityID, _ := field(record, "entity_id")
		label, _ := field(record, "is_fraud")

		req := pipeline.Request{
			EventID:  eventID,
			EntityID: entityID,
			Components: map[string]float64{
				"xgb":   number(record, "xgb"),
				"nn":    number(record, "nn"),
				"rules": number(record, "rules"),
			},
		}

		if amount, ok := field(record, "amount"); ok && amount != "" {
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				continue
			}
			channel, _ := field(record, "channel")
			req.Features = &domain.FeatureVector{
				EventID:         eventID,
				EntityID:        entityID,
				Timestamp:       time.Now().UTC(),
				Amount:          amt,
				Channel:         channel,
				Velocity1h:      int(number(record, "velocity_1h")),
				Velocity24h:     int(number(record, "velocity_24h")),
				IPRisk:          number(record, "ip_risk"),
				MerchantRisk:    number(record, "merchant_risk"),
				GeoDistanceKm:   number(record, "geo_distance_km"),
				AgeDays:         int(number(record, "age_days")),
				FeaturesVersion: "replay",
			}
		}

		events = append(events, ScoredEvent{
			Request: req,
			IsFraud: label == "1" || strings.EqualFold(label, "true"),
		})

		if limit > 0 && len(events) >= limit {
			break
		}
	}

	return events, nil
}

func runReplay(events []ScoredEvent, baseURL, actor string, numWorkers int, outcomes, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan ScoredEvent, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for ev := range work {
				start := time.Now()
				decision, err := decide(client, baseURL, actor, ev.Request)
				atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", ev.Request.EventID, err)
					}
					continue
				}
				metrics.countAction(decision.Action)

				if outcomes {
					if err := reportOutcome(client, baseURL, actor, ev.Request.EventID, ev.IsFraud); err != nil && verbose {
						fmt.Printf("WARN: outcome %s -> %v\n", ev.Request.EventID, err)
					}
				}

				if ev.IsFraud {
					atomic.AddInt64(&metrics.TotalFraud, 1)
				} else {
					atomic.AddInt64(&metrics.TotalNonFraud, 1)
				}

				predicted := decision.Action == domain.ActionHold || decision.Action == domain.ActionBlock
				switch {
				case predicted && ev.IsFraud:
					atomic.AddInt64(&metrics.TruePositives, 1)
				case predicted && !ev.IsFraud:
					atomic.AddInt64(&metrics.FalsePositives, 1)
				case !predicted && !ev.IsFraud:
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				default:
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					mark := "✓"
					if predicted != ev.IsFraud {
						mark = "✗"
					}
					fmt.Printf("%s %-20s | Fraud: %-5v | %-8s (%.3f) | %s\n",
						mark, ev.Request.EventID, ev.IsFraud, decision.Action, decision.Risk,
						strings.Join(decision.Reasons, ","))
				}
			}
		}()
	}

	for _, ev := range events {
		work <- ev
	}
	close(work)
	wg.Wait()

	return metrics
}

func post(client *http.Client, url, actor string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.ActorHeader, actor)
	return client.Do(req)
}

func decide(client *http.Client, baseURL, actor string, req pipeline.Request) (*domain.Decision, error) {
	resp, err := post(client, baseURL+"/decide", actor, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return nil, fmt.Errorf("status %d: %s %s", resp.StatusCode, e.Code, e.Message)
	}

	var decision domain.Decision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return nil, err
	}
	return &decision, nil
}

func reportOutcome(client *http.Client, baseURL, actor, eventID string, fraud bool) error {
	resp, err := post(client, baseURL+"/monitor/outcomes", actor, api.OutcomeRequest{EventID: eventID, Fraud: fraud})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                        REPLAY RESULTS                         ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nACTIONS\n")
	actions := make([]string, 0, len(m.actions))
	for a := range m.actions {
		actions = append(actions, string(a))
	}
	sort.Strings(actions)
	for _, a := range actions {
		fmt.Printf("   %-10s %d\n", a, m.actions[domain.Action(a)])
	}

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                 hold/block  allow/escalate")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  F  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("          NF  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	fmt.Printf("\nDETECTION\n")
	fmt.Printf("   Precision:  %.4f\n", precision)
	fmt.Printf("   Recall:     %.4f\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		fmt.Printf("   Avg Latency:      %.2f ms\n", float64(m.ProcessingTimeMs)/float64(m.TotalProcessed))
		fmt.Printf("   Throughput:       %.2f events/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	fmt.Println()
}
