package log

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestConfigureSetsGlobalLevel(t *testing.T) {
	if err := Configure("warn"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if globalLogger.entry.Logger.Level != logrus.WarnLevel {
		t.Fatalf("expected warn level, got %v", globalLogger.entry.Logger.Level)
	}
	if err := Configure("info"); err != nil {
		t.Fatalf("restore level: %v", err)
	}
}

func TestConfigureEmptyLevelLeavesCurrentLevelUntouched(t *testing.T) {
	if err := Configure("error"); err != nil {
		t.Fatalf("set level: %v", err)
	}
	if err := Configure(""); err != nil {
		t.Fatalf("configure empty: %v", err)
	}
	if globalLogger.entry.Logger.Level != logrus.ErrorLevel {
		t.Fatalf("expected level to remain error, got %v", globalLogger.entry.Logger.Level)
	}
	if err := Configure("info"); err != nil {
		t.Fatalf("restore level: %v", err)
	}
}

func TestConfigureRejectsUnknownLevel(t *testing.T) {
	if err := Configure("not-a-level"); err == nil {
		t.Fatal("expected an error for an unknown level")
	}
}

func TestNewLoggerWritesToConfiguredOutput(t *testing.T) {
	l := New()
	var buf bytes.Buffer
	l.SetOutput(&buf)
	l.Info("hello")
	if buf.Len() == 0 {
		t.Fatal("expected SetOutput to capture the log line")
	}
}

func TestWithFieldReturnsAnnotatedEntry(t *testing.T) {
	l := New()
	e := l.WithField("bundle_id", int64(3))
	if e.Data["bundle_id"] != int64(3) {
		t.Fatalf("expected field to be set, got %v", e.Data)
	}
}
