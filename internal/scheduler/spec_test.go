package scheduler

import (
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		kind    SpecKind
		cron    string
		every   time.Duration
		wantErr bool
	}{
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly"},
		{in: "@every 5m", kind: SpecCron, cron: "@every 5m"},
		{in: "cron:30 8 * * *", kind: SpecCron, cron: "30 8 * * *"},
		{in: "5m", kind: SpecInterval, every: 5 * time.Minute},
		{in: "1h30m", kind: SpecInterval, every: 90 * time.Minute},
		{in: "02:30", kind: SpecInterval, every: 150 * time.Minute},
		{in: "00:05", kind: SpecInterval, every: 5 * time.Minute},
		{in: "interval:00:45", kind: SpecInterval, every: 45 * time.Minute},
		{in: "", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "02:71", wantErr: true},
		{in: "banana", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseSchedule(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseSchedule(%q) = %+v, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got.Kind != tc.kind || got.Cron != tc.cron || got.Every != tc.every {
				t.Fatalf("ParseSchedule(%q) = %+v", tc.in, got)
			}
		})
	}
}
