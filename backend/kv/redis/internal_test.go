package redis

import (
	"strings"
	"testing"
)

func TestEscapePattern(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"book__title", "book__title"},
		{"book__title#s:a*b", `book__title#s:a\*b`},
		{"q?[x]", `q\?\[x\]`},
		{`back\slash`, `back\\slash`},
	}

	for _, tt := range tests {
		if got := escapePattern(tt.in); got != tt.expected {
			t.Errorf("escapePattern(%q): expected %q, got %q", tt.in, tt.expected, got)
		}
	}
}

func TestDedupe(t *testing.T) {
	got := dedupe([]string{"a", "a", "b", "c", "c", "c"})
	if strings.Join(got, ",") != "a,b,c" {
		t.Errorf("expected [a b c], got %v", got)
	}
	if got := dedupe(nil); len(got) != 0 {
		t.Errorf("expected empty, got %v", got)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		in        Config
		namespace string
	}{
		{"empty", Config{}, "strata"},
		{"trailing colon", Config{Namespace: "shop:"}, "shop"},
		{"custom", Config{Namespace: "shop"}, "shop"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.in
			cfg.validate()
			if cfg.Namespace != tt.namespace {
				t.Errorf("expected namespace %q, got %q", tt.namespace, cfg.Namespace)
			}
			if cfg.MaxRetries != 10 || cfg.ScanCount != 100 {
				t.Errorf("expected default retries and scan count, got %d and %d", cfg.MaxRetries, cfg.ScanCount)
			}
		})
	}
}

func TestHashKeyRoundTrip(t *testing.T) {
	e := New(nil, Config{Namespace: "shop"})
	key := e.HashKey([]string{"book__title", "Dune#2"})
	if key != "shop:book__title#Dune#2" {
		t.Errorf("expected shop:book__title#Dune#2, got %q", key)
	}
	p, ok := e.partitionOf(key)
	if !ok || p != "book__title#Dune#2" {
		t.Errorf("expected partition back, got %q (%v)", p, ok)
	}
	if _, ok := e.partitionOf("other:book"); ok {
		t.Error("expected foreign key rejected")
	}
}
