package store

import (
	"context"
	"testing"
	"time"
)

func TestMemStore_OpenPutMatch(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	cache, err := s.Open(ctx, "terase-api-v1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	rec := &Record{
		Payload: []byte(`{"entries":[]}`),
		Meta: map[string]string{
			MetaMethod:      "GET",
			MetaURL:         "/api/diaries",
			MetaContentType: "application/json",
		},
	}

	if err := cache.Put(ctx, "GET /api/diaries", rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := cache.Match(ctx, "GET /api/diaries")
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if string(got.Payload) != string(rec.Payload) {
		t.Errorf("Payload = %s, want %s", got.Payload, rec.Payload)
	}
	if got.Meta[MetaMethod] != "GET" {
		t.Errorf("Meta method = %s, want GET", got.Meta[MetaMethod])
	}
}

func TestMemStore_MatchMiss(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	cache, _ := s.Open(ctx, "terase-api-v1")
	if _, err := cache.Match(ctx, "GET /api/nonexistent"); err != ErrNotFound {
		t.Errorf("Match on empty cache = %v, want ErrNotFound", err)
	}
}

func TestMemStore_MatchReturnsCopy(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	cache, _ := s.Open(ctx, "terase-api-v1")
	cache.Put(ctx, "k", &Record{Payload: []byte("original"), Meta: map[string]string{"a": "1"}})

	got, _ := cache.Match(ctx, "k")
	got.Payload[0] = 'X'
	got.Meta["a"] = "2"

	again, _ := cache.Match(ctx, "k")
	if string(again.Payload) != "original" {
		t.Error("mutating a matched record leaked into the store")
	}
	if again.Meta["a"] != "1" {
		t.Error("mutating matched metadata leaked into the store")
	}
}

func TestMemStore_DeleteCache(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	s.Open(ctx, "terase-api-v1")
	s.Open(ctx, "terase-audio-v1")

	if err := s.Delete(ctx, "terase-api-v1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	names, err := s.Names(ctx)
	if err != nil {
		t.Fatalf("Names failed: %v", err)
	}
	if len(names) != 1 || names[0] != "terase-audio-v1" {
		t.Errorf("Names = %v, want [terase-audio-v1]", names)
	}
}

func TestMemStore_KeysAndLen(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	cache, _ := s.Open(ctx, "terase-api-v1")
	cache.Put(ctx, "b", &Record{Payload: []byte("2")})
	cache.Put(ctx, "a", &Record{Payload: []byte("1")})

	keys, err := cache.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("Keys = %v, want [a b]", keys)
	}

	n, err := cache.Len(ctx)
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Len = %d, want 2", n)
	}
}

func TestMemStore_Slot(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	slot := s.Slot("sync-queue")
	if _, err := slot.Read(ctx); err != ErrNotFound {
		t.Errorf("Read on unset slot = %v, want ErrNotFound", err)
	}

	if err := slot.Write(ctx, []byte(`[]`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	data, err := slot.Read(ctx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(data) != `[]` {
		t.Errorf("Read = %s, want []", data)
	}

	if err := slot.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, err := slot.Read(ctx); err != ErrNotFound {
		t.Errorf("Read after Clear = %v, want ErrNotFound", err)
	}
}

func TestRecord_Meta(t *testing.T) {
	rec := &Record{
		Payload: []byte("abc"),
		Meta: map[string]string{
			MetaTimestamp: "1706745600000",
			MetaTTL:       "300000",
		},
	}

	if got := rec.TTL(); got != 5*time.Minute {
		t.Errorf("TTL = %v, want 5m", got)
	}
	want := time.UnixMilli(1706745600000)
	if !rec.StoredAt().Equal(want) {
		t.Errorf("StoredAt = %v, want %v", rec.StoredAt(), want)
	}
}

func TestRecord_MetaMissing(t *testing.T) {
	rec := &Record{Payload: []byte("abc")}

	if got := rec.TTL(); got != 0 {
		t.Errorf("TTL without metadata = %v, want 0", got)
	}
	if !rec.StoredAt().IsZero() {
		t.Errorf("StoredAt without metadata = %v, want zero", rec.StoredAt())
	}
}

func TestRecord_Size(t *testing.T) {
	rec := &Record{
		Payload: []byte("12345"),
		Meta:    map[string]string{"ab": "cd"},
	}
	if got := rec.Size(); got != 9 {
		t.Errorf("Size = %d, want 9", got)
	}
}

func TestEstimate(t *testing.T) {
	tests := []struct {
		name       string
		est        Estimate
		available  int64
		percentage float64
	}{
		{"half full", Estimate{Quota: 100, Usage: 50}, 50, 0.5},
		{"over quota", Estimate{Quota: 100, Usage: 120}, 0, 1.2},
		{"zero quota", Estimate{Quota: 0, Usage: 50}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.est.Available(); got != tt.available {
				t.Errorf("Available = %d, want %d", got, tt.available)
			}
			if got := tt.est.Percentage(); got != tt.percentage {
				t.Errorf("Percentage = %v, want %v", got, tt.percentage)
			}
		})
	}
}
