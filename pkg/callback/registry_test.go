package callback

import (
	"sync"
	"sync/atomic"
	"testing"
)

const registryTestPrefix = "callback:registry_test"

func TestRegister_UniqueTokens(t *testing.T) {
	reg := New(nil)
	seen := make(map[Token]bool)
	for i := 0; i < 1000; i++ {
		tok := reg.Register(func(any) {}, false)
		if tok == 0 {
			t.Fatalf("%s - got zero token", registryTestPrefix)
		}
		if seen[tok] {
			t.Fatalf("%s - duplicate token %d", registryTestPrefix, tok)
		}
		seen[tok] = true
	}
	if reg.Len() != 1000 {
		t.Errorf("%s - Len() = %d, want 1000", registryTestPrefix, reg.Len())
	}
}

func TestRegister_ConcurrentCallersGetDistinctTokens(t *testing.T) {
	reg := New(nil)
	var wg sync.WaitGroup
	tokens := make(chan Token, 800)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				tokens <- reg.Register(nil, true)
			}
		}()
	}
	wg.Wait()
	close(tokens)

	seen := make(map[Token]bool)
	for tok := range tokens {
		if seen[tok] {
			t.Fatalf("%s - duplicate token %d", registryTestPrefix, tok)
		}
		seen[tok] = true
	}
}

func TestDeliver_OnceRemovesBeforeInvoking(t *testing.T) {
	reg := New(nil)
	var tok Token
	var presentDuringCall bool
	tok = reg.Register(func(v any) {
		presentDuringCall = reg.Has(tok)
	}, true)

	if !reg.Deliver(tok, "x") {
		t.Fatalf("%s - first delivery should succeed", registryTestPrefix)
	}
	if presentDuringCall {
		t.Errorf("%s - once token still registered while its handler ran", registryTestPrefix)
	}
	if reg.Deliver(tok, "y") {
		t.Errorf("%s - second delivery to once token should report stale", registryTestPrefix)
	}
}

func TestDeliver_MultiFire(t *testing.T) {
	reg := New(nil)
	var got []any
	tok := reg.Register(func(v any) { got = append(got, v) }, false)

	for i := 0; i < 3; i++ {
		if !reg.Deliver(tok, i) {
			t.Fatalf("%s - delivery %d failed", registryTestPrefix, i)
		}
	}
	if len(got) != 3 {
		t.Fatalf("%s - handler called %d times, want 3", registryTestPrefix, len(got))
	}
	if !reg.Has(tok) {
		t.Errorf("%s - multi-fire token should stay registered", registryTestPrefix)
	}
}

func TestDeliver_OnceIsAtMostOnceUnderRace(t *testing.T) {
	reg := New(nil)
	var calls atomic.Int32
	tok := reg.Register(func(any) { calls.Add(1) }, true)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Deliver(tok, nil)
		}()
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("%s - once handler fired %d times", registryTestPrefix, calls.Load())
	}
}

func TestDeliver_UnknownToken(t *testing.T) {
	reg := New(nil)
	if reg.Deliver(42, "late") {
		t.Errorf("%s - delivery to unknown token should return false", registryTestPrefix)
	}
}

func TestRemove(t *testing.T) {
	reg := New(nil)
	tok := reg.Register(func(any) {}, false)
	reg.Remove(tok)
	reg.Remove(tok)
	if reg.Has(tok) {
		t.Errorf("%s - token should be removed", registryTestPrefix)
	}
	if reg.Len() != 0 {
		t.Errorf("%s - Len() = %d, want 0", registryTestPrefix, reg.Len())
	}
}
