package generator

import (
	"testing"
	"time"
)

func TestCronGeneratorNextIsAfterFrom(t *testing.T) {
	g, err := NewCronGenerator("every-minute", "* * * * *")
	if err != nil {
		t.Fatalf("new cron generator: %v", err)
	}
	from := time.Date(2024, 1, 1, 12, 0, 30, 0, time.UTC)
	next := g.Next(from)
	if !next.After(from) {
		t.Fatalf("expected next fire time to be after %v, got %v", from, next)
	}
	if next.Second() != 0 {
		t.Fatalf("expected next fire time to land on a minute boundary, got %v", next)
	}
}

func TestCronGeneratorRejectsInvalidExpression(t *testing.T) {
	if _, err := NewCronGenerator("bad", "not a cron expression"); err == nil {
		t.Fatalf("expected parse error for invalid cron expression")
	}
}

func TestCronGeneratorName(t *testing.T) {
	g, _ := NewCronGenerator("hourly", "0 * * * *")
	if g.Name() != "hourly" {
		t.Fatalf("expected name to be preserved, got %q", g.Name())
	}
}
