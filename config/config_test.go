package config

import (
	"testing"

	"mdplane-v1/internal/model"
)

func TestParseKeys(t *testing.T) {
	keys := ParseKeys("2:49508, 1:26000,NSEFO:31011,,bogus,99x:2,11:1")

	want := []model.CompositeKey{
		model.MakeKey(model.NSEFO, 49508),
		model.MakeKey(model.NSECM, 26000),
		model.MakeKey(model.NSEFO, 31011),
		model.MakeKey(model.BSECM, 1),
	}
	if len(keys) != len(want) {
		t.Fatalf("expected %d keys, got %d (%v)", len(want), len(keys), keys)
	}
	for i, k := range want {
		if keys[i] != k {
			t.Errorf("key[%d] = %v, want %v", i, keys[i], k)
		}
	}
}

func TestInitialPrimary(t *testing.T) {
	c := &Config{PrimarySource: "ws"}
	if c.InitialPrimary() != model.WSPrimary {
		t.Errorf("expected WS primary for %q", c.PrimarySource)
	}
	c.PrimarySource = "udp"
	if c.InitialPrimary() != model.UDPPrimary {
		t.Errorf("expected UDP primary for %q", c.PrimarySource)
	}
	c.PrimarySource = "anything-else"
	if c.InitialPrimary() != model.UDPPrimary {
		t.Errorf("expected UDP primary fallback for %q", c.PrimarySource)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("MD_TEST_INT", "42")
	if got := getEnvInt("MD_TEST_INT", 7); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	t.Setenv("MD_TEST_INT", "not-a-number")
	if got := getEnvInt("MD_TEST_INT", 7); got != 7 {
		t.Errorf("expected fallback 7, got %d", got)
	}
	if got := getEnvInt("MD_TEST_INT_UNSET", 9); got != 9 {
		t.Errorf("expected fallback 9, got %d", got)
	}
}
