package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/senpai-robotics/controller/pkg/db"
	"github.com/senpai-robotics/controller/pkg/events"
)

const mainTestPrefix = "cmd/controller:main_test"

func TestUsage_ContainsCommands(t *testing.T) {
	required := []string{"serve", "migrate up", "migrate status", "incidents", "prune", "DATABASE_URL", "LINK_ADDR"}
	for _, word := range required {
		if !strings.Contains(usage, word) {
			t.Errorf("%s - usage should contain %q", mainTestPrefix, word)
		}
	}
}

func TestParseCount(t *testing.T) {
	tests := []struct {
		args    []string
		want    int
		wantErr bool
	}{
		{nil, 20, false},
		{[]string{""}, 20, false},
		{[]string{"5"}, 5, false},
		{[]string{"0"}, 0, true},
		{[]string{"-3"}, 0, true},
		{[]string{"many"}, 0, true},
	}
	for _, tt := range tests {
		got, err := parseCount(tt.args, defaultIncidents)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("%s - parseCount(%v) = %d, %v", mainTestPrefix, tt.args, got, err)
		}
	}
}

func TestPrintMigrationStatus(t *testing.T) {
	var buf bytes.Buffer
	err := printMigrationStatus(&buf, []db.MigrationState{
		{Name: "0001_incidents.sql", Applied: true},
		{Name: "0002_next.sql"},
	})
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", mainTestPrefix, err)
	}
	out := buf.String()
	for _, want := range []string{"MIGRATION", "0001_incidents.sql", "applied", "0002_next.sql", "pending"} {
		if !strings.Contains(out, want) {
			t.Errorf("%s - output missing %q:\n%s", mainTestPrefix, want, out)
		}
	}
}

func TestPrintIncidents(t *testing.T) {
	var buf bytes.Buffer
	created := time.Date(2026, 5, 14, 10, 0, 0, 0, time.UTC)
	err := printIncidents(&buf, []events.Incident{
		{Kind: events.KindLateSample, Command: "ODO_AND_SENSORS", Payload: []byte{0xde, 0xad}, ElapsedMs: 12, Detail: "after unsubscribe", Created: created},
	}, map[string]int64{events.KindTimeout: 2, events.KindLateSample: 1})
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", mainTestPrefix, err)
	}
	out := buf.String()
	for _, want := range []string{"2026-05-14T10:00:00Z", "LATE_SAMPLE", "ODO_AND_SENSORS", "12ms", "dead", "after unsubscribe", "Last 24h"} {
		if !strings.Contains(out, want) {
			t.Errorf("%s - output missing %q:\n%s", mainTestPrefix, want, out)
		}
	}
	if strings.Index(out, "  LATE_SAMPLE") > strings.Index(out, "  TIMEOUT") {
		t.Errorf("%s - counts should be sorted by kind:\n%s", mainTestPrefix, out)
	}
}

func TestPrintIncidents_NoCounts(t *testing.T) {
	var buf bytes.Buffer
	if err := printIncidents(&buf, nil, nil); err != nil {
		t.Fatalf("%s - unexpected error: %v", mainTestPrefix, err)
	}
	if strings.Contains(buf.String(), "Last 24h") {
		t.Errorf("%s - no summary expected without counts", mainTestPrefix)
	}
}
