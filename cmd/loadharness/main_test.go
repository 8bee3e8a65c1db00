package main

import (
	"math/rand"
	"testing"
	"time"

	"datacatcher/bundle"
)

func TestParseCrates(t *testing.T) {
	got, err := parseCrates(" 3, 1 ,2,")
	if err != nil {
		t.Fatalf("parseCrates() error: %v", err)
	}
	if len(got) != 3 || got[0] != 3 || got[1] != 1 || got[2] != 2 {
		t.Fatalf("unexpected crates %v", got)
	}
	for _, bad := range []string{"", "1,1", "x", "-2"} {
		if _, err := parseCrates(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestMakeBundleIsValid(t *testing.T) {
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	spec := crateSpec{crate: 2, chain: bundle.HiResChained(2, 1), antennas: 3, chunks: 2, channels: 16}
	b := makeBundle(spec, at, rand.New(rand.NewSource(1)))
	if err := b.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	// 3 baselines x 2 sidebands x 2 chunks
	if len(b.Visibilities) != 12 {
		t.Fatalf("expected 12 spectra, got %d", len(b.Visibilities))
	}
	if b.Visibilities[0].Chunk != 1 {
		t.Fatalf("hi-res contributors should start at chunk 1, got %d", b.Visibilities[0].Chunk)
	}
	if !b.Time.Equal(at) {
		t.Fatalf("zero jitter must keep the tick time")
	}
}
