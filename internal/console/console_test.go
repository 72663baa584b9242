package console

import (
	"strings"
	"testing"

	"github.com/mgutz/ansi"

	"hightide/pkg/liveevent"
)

func TestClampTail(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"", defaultTail},
		{"not-a-number", defaultTail},
		{"-5", minTail},
		{"5000", maxTail},
		{"50", 50},
		{"0", 0},
	}
	for _, tt := range tests {
		if got := clampTail(tt.raw); got != tt.want {
			t.Errorf("clampTail(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

func TestTailSpec(t *testing.T) {
	if got := tailSpec(0); got != "0" {
		t.Errorf("tailSpec(0) = %q, want 0", got)
	}
	if got := tailSpec(-1); got != "0" {
		t.Errorf("tailSpec(-1) = %q, want 0", got)
	}
	if got := tailSpec(200); got != "200" {
		t.Errorf("tailSpec(200) = %q, want 200", got)
	}
}

func TestColorizeLineWrapsPrefixAndMessageWithReset(t *testing.T) {
	line := colorizeLine(liveevent.CategoryError, "[Erro]", "boom")

	if !strings.Contains(line, "[Erro]") || !strings.Contains(line, "boom") {
		t.Fatalf("colorizeLine() = %q, want it to contain prefix and message", line)
	}
	if !strings.Contains(line, "\x1b[") {
		t.Errorf("colorizeLine() = %q, want ANSI escape codes", line)
	}
	if !strings.HasSuffix(line, ansi.Reset) {
		t.Errorf("colorizeLine() = %q, want it to end with a reset sequence", line)
	}
	if got := strings.Count(line, ansi.Reset); got != 2 {
		t.Errorf("colorizeLine() has %d reset sequences, want 2 (one after the prefix, one after the message)", got)
	}
}

func TestCategoryPrefix(t *testing.T) {
	tests := []struct {
		cat  liveevent.Category
		want string
	}{
		{liveevent.CategoryStatus, "[Status]"},
		{liveevent.CategoryPull, "[Pull]"},
		{liveevent.CategoryError, "[Erro]"},
		{liveevent.CategoryWarn, "[Aviso]"},
		{liveevent.CategoryCommand, "[Comando]"},
		{liveevent.CategoryLog, "[Servidor]"},
	}
	for _, tt := range tests {
		if got := categoryPrefix(tt.cat); got != tt.want {
			t.Errorf("categoryPrefix(%v) = %q, want %q", tt.cat, got, tt.want)
		}
	}
}
