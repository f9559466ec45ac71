package store

import (
	"testing"
	"time"

	"kalshi-lip-mm/internal/risk"
	"kalshi-lip-mm/internal/strategy"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadPosition(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	pos := strategy.Position{
		Contracts:   -25,
		AvgEntry:    0.55,
		RealizedPnL: 1.23,
	}

	if err := s.SavePosition("MKT-1", pos); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}

	loaded, err := s.LoadPosition("MKT-1")
	if err != nil {
		t.Fatalf("LoadPosition: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadPosition returned nil")
	}
	if *loaded != pos {
		t.Errorf("loaded = %+v, want %+v", *loaded, pos)
	}
}

func TestLoadPositionMissing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	loaded, err := s.LoadPosition("NOPE")
	if err != nil {
		t.Fatalf("LoadPosition: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for missing position, got %+v", loaded)
	}
}

func TestSavePositionOverwrites(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_ = s.SavePosition("MKT-1", strategy.Position{Contracts: 10})
	_ = s.SavePosition("MKT-1", strategy.Position{Contracts: 20})

	loaded, err := s.LoadPosition("MKT-1")
	if err != nil {
		t.Fatalf("LoadPosition: %v", err)
	}
	if loaded.Contracts != 20 {
		t.Errorf("Contracts = %v, want 20 (latest save)", loaded.Contracts)
	}
}

func TestDeleteAndListPositions(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_ = s.SavePosition("MKT-A", strategy.Position{Contracts: 1})
	_ = s.SavePosition("MKT-B", strategy.Position{Contracts: 2})

	tickers, err := s.ListPositions()
	if err != nil {
		t.Fatalf("ListPositions: %v", err)
	}
	if len(tickers) != 2 {
		t.Fatalf("tickers = %v, want 2 entries", tickers)
	}

	if err := s.DeletePosition("MKT-A"); err != nil {
		t.Fatalf("DeletePosition: %v", err)
	}
	// Deleting a missing position is not an error
	if err := s.DeletePosition("MKT-A"); err != nil {
		t.Errorf("second delete: %v", err)
	}

	tickers, _ = s.ListPositions()
	if len(tickers) != 1 || tickers[0] != "MKT-B" {
		t.Errorf("tickers after delete = %v, want [MKT-B]", tickers)
	}
}

func TestBreakerStatusRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	// Nothing saved yet
	status, err := s.LoadBreakerStatus()
	if err != nil {
		t.Fatalf("LoadBreakerStatus: %v", err)
	}
	if status != nil {
		t.Fatalf("expected nil before first save, got %+v", status)
	}

	tripped := risk.Status{
		IsOpen:     true,
		TripReason: "pnl_threshold",
		TripTS:     time.Now().Truncate(time.Second),
	}
	if err := s.SaveBreakerStatus(tripped); err != nil {
		t.Fatalf("SaveBreakerStatus: %v", err)
	}

	status, err = s.LoadBreakerStatus()
	if err != nil {
		t.Fatalf("LoadBreakerStatus: %v", err)
	}
	if status == nil || !status.IsOpen || status.TripReason != "pnl_threshold" {
		t.Errorf("status = %+v", status)
	}
	if !status.TripTS.Equal(tripped.TripTS) {
		t.Errorf("trip ts = %v, want %v", status.TripTS, tripped.TripTS)
	}
}
