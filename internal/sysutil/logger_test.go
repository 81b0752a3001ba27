package sysutil

import (
	"fmt"
	"strings"
	"testing"
)

func TestLogTailKeepsMostRecent(t *testing.T) {
	tail := NewLogTail(3)
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(tail, "line %d\n", i)
	}
	got := tail.Last(10)
	want := []string{"line 3", "line 4", "line 5"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, got)
	}
	if got := tail.Last(1); len(got) != 1 || got[0] != "line 5" {
		t.Errorf("expected [line 5], got %v", got)
	}
}

func TestLogTailPartiallyFilled(t *testing.T) {
	tail := NewLogTail(10)
	fmt.Fprint(tail, "only\n")
	if got := tail.Last(0); len(got) != 1 || got[0] != "only" {
		t.Errorf("expected [only], got %v", got)
	}
}

func TestInitLoggerFeedsTail(t *testing.T) {
	tail, err := InitLogger(LogOptions{Level: "debug", TailLines: 8})
	if err != nil {
		t.Fatalf("InitLogger: %v", err)
	}
	Log.Info("USB Connected")
	lines := tail.Last(1)
	if len(lines) != 1 || !strings.Contains(lines[0], "USB Connected") {
		t.Errorf("expected tail to contain the log line, got %v", lines)
	}
	if _, err := InitLogger(LogOptions{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
}
