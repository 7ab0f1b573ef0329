package monitor

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/fraudops/internal/domain"
	"github.com/opensource-finance/fraudops/internal/repository"
)

func testConfig() domain.MonitorConfig {
	return domain.MonitorConfig{
		WindowSize:        100,
		ReferenceSize:     100,
		Buckets:           10,
		RecomputeInterval: 10 * time.Millisecond,
		PSIThreshold:      0.2,
		BrierThreshold:    0.25,
	}
}

func TestComputePSI(t *testing.T) {
	t.Run("IdenticalIsZero", func(t *testing.T) {
		values := make([]float64, 500)
		for i := range values {
			values[i] = float64(i % 37)
		}
		res := ComputePSI(values, values, 10)
		if res.PSI != 0 {
			t.Errorf("Expected PSI 0, got %v", res.PSI)
		}
		if len(res.Edges) != 11 || len(res.ReferenceCounts) != 10 {
			t.Errorf("Expected 11 edges and 10 buckets, got %d and %d", len(res.Edges), len(res.ReferenceCounts))
		}
	})

	t.Run("ShiftedIsLarge", func(t *testing.T) {
		ref := make([]float64, 500)
		cur := make([]float64, 500)
		for i := range ref {
			ref[i] = float64(i%50) / 100
			cur[i] = 0.5 + float64(i%50)/100
		}
		if psi := ComputePSI(ref, cur, 10).PSI; psi <= 0.2 {
			t.Errorf("Expected PSI above 0.2, got %v", psi)
		}
	})

	t.Run("ConstantIsZero", func(t *testing.T) {
		ref := []float64{1, 1, 1}
		if psi := ComputePSI(ref, ref, 10).PSI; psi != 0 {
			t.Errorf("Expected PSI 0, got %v", psi)
		}
	})

	t.Run("EmptyBucketsClamped", func(t *testing.T) {
		psi := PSIFromCounts([]int{10, 0}, []int{0, 10})
		if math.IsInf(psi, 0) || math.IsNaN(psi) || psi <= 0 {
			t.Errorf("Expected finite positive PSI, got %v", psi)
		}
	})

	t.Run("MaxInLastBucket", func(t *testing.T) {
		counts := Histogram([]float64{0, 0.5, 1}, []float64{0, 0.5, 1})
		if counts[0] != 1 || counts[1] != 2 {
			t.Errorf("Expected [1 2], got %v", counts)
		}
	})
}

func TestBrier(t *testing.T) {
	b, ok := Brier([]float64{1, 0, 0.5}, []bool{true, false, true})
	if !ok {
		t.Fatal("Expected a Brier score")
	}
	if math.Abs(b-0.25/3) > 1e-12 {
		t.Errorf("Expected %v, got %v", 0.25/3, b)
	}
	if _, ok := Brier(nil, nil); ok {
		t.Error("Expected no Brier score without labels")
	}
}

func TestDriftLevel(t *testing.T) {
	tests := map[float64]string{0.05: DriftLow, 0.1: DriftLow, 0.15: DriftMedium, 0.2: DriftMedium, 0.3: DriftHigh}
	for psi, want := range tests {
		if got := DriftLevel(psi); got != want {
			t.Errorf("DriftLevel(%v) = %s, want %s", psi, got, want)
		}
	}
}

func TestMonitorIngest(t *testing.T) {
	m := New(testConfig(), nil, nil)

	if err := m.Ingest("e1", 1.5, nil); !errors.Is(err, domain.ErrInvalidScore) {
		t.Errorf("Expected ErrInvalidScore, got %v", err)
	}
	if err := m.Ingest("e1", 0.42, map[string]float64{"ip_risk": 0.3}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	s := m.Snapshot()
	if s.Samples != 1 || s.LastRisk != 0.42 {
		t.Errorf("Unexpected snapshot %+v", s)
	}
	if len(s.Features) != 1 || s.Features[0] != "ip_risk" {
		t.Errorf("Expected ip_risk tracked, got %v", s.Features)
	}
}

func TestMonitorDriftAndCalibration(t *testing.T) {
	ctx := context.Background()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "monitor.db"),
	})
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	defer repo.Close()

	m := New(testConfig(), repo, nil)

	// reference period: low ip risk
	for i := 0; i < 100; i++ {
		m.Ingest("", 0.1, map[string]float64{"ip_risk": float64(i%10) / 50, "amount": float64(i % 10)})
	}
	// current period: shifted ip risk, stable amount
	for i := 0; i < 100; i++ {
		id := "evt-" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		m.Ingest(id, 0.9, map[string]float64{"ip_risk": 0.6 + float64(i%10)/50, "amount": float64(i % 10)})
		// confident and wrong
		if i < 20 {
			if err := m.RecordOutcome(id, false); err != nil {
				t.Fatalf("RecordOutcome failed: %v", err)
			}
		}
	}

	samples, err := m.Compute(ctx)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("Expected 2 drift samples, got %d", len(samples))
	}

	snap := m.Snapshot()
	if snap.PSI["ip_risk"] <= 0.2 {
		t.Errorf("Expected ip_risk drift, got %v", snap.PSI["ip_risk"])
	}
	if snap.PSI["amount"] != 0 {
		t.Errorf("Expected no amount drift, got %v", snap.PSI["amount"])
	}
	if snap.Brier == nil || math.Abs(*snap.Brier-0.81) > 1e-9 {
		t.Errorf("Expected Brier 0.81, got %v", snap.Brier)
	}
	if snap.Labeled != 20 {
		t.Errorf("Expected 20 labeled, got %d", snap.Labeled)
	}
	if snap.Alerts[AlertDrift] != 1 || snap.Alerts[AlertCalibration] != 1 {
		t.Errorf("Expected one drift and one calibration alert, got %v", snap.Alerts)
	}

	stored, err := m.Drift(ctx, "ip_risk", 10)
	if err != nil {
		t.Fatalf("Drift failed: %v", err)
	}
	if len(stored) != 1 || stored[0].DriftLevel != DriftHigh {
		t.Errorf("Expected one high drift sample, got %+v", stored)
	}

	t.Run("OutcomeOutsideWindow", func(t *testing.T) {
		if err := m.RecordOutcome("unknown", true); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})
}

func TestMonitorMetricsEndpoint(t *testing.T) {
	m := New(testConfig(), nil, nil)
	m.Ingest("e1", 0.77, map[string]float64{"velocity_1h": 3})
	m.ObserveRequest("/monitor/ingest-score", time.Millisecond)
	m.RecordDecision(domain.ActionHold, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`monitor_requests_total{route="/monitor/ingest-score"} 1`,
		`monitor_risk_last 0.77`,
		`fraud_decisions_total{action="hold"} 1`,
		`fraud_decision_latency_seconds_count 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected %q in metrics output", want)
		}
	}
}

func TestMonitorReset(t *testing.T) {
	m := New(testConfig(), nil, nil)
	m.Ingest("e1", 0.5, map[string]float64{"amount": 1})
	m.RecordDecision(domain.ActionAllow, time.Millisecond)

	m.Reset()

	s := m.Snapshot()
	if s.Samples != 0 || len(s.Features) != 0 || len(s.Decisions) != 0 || s.LastRisk != 0 {
		t.Errorf("Expected empty snapshot after reset, got %+v", s)
	}
}

func TestMonitorConcurrentIngest(t *testing.T) {
	m := New(testConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				m.Ingest("", float64(i%100)/100, map[string]float64{"amount": float64(g*i%13)})
			}
		}(g)
	}
	wg.Wait()
	cancel()
	<-done

	if s := m.Snapshot(); s.Samples != 100 {
		t.Errorf("Expected window capped at 100, got %d", s.Samples)
	}
}
