package reminder

import (
	"testing"
	"time"
)

func TestParseRescanVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		raw   string
		cron  string
		every time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", cron: "*/5 * * * *"},
		{name: "prefixed cron", raw: "cron:0 3 * * *", cron: "0 3 * * *"},
		{name: "descriptor", raw: "@hourly", cron: "@hourly"},
		{name: "duration", raw: "10m", every: 10 * time.Minute},
		{name: "hhmm", raw: "01:30", every: 90 * time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseRescan(tt.raw)
			if err != nil {
				t.Fatalf("ParseRescan(%q) error: %v", tt.raw, err)
			}
			if got.Cron != tt.cron || got.Every != tt.every {
				t.Fatalf("ParseRescan(%q) = %+v", tt.raw, got)
			}
			if _, err := got.Schedule(); err != nil {
				t.Fatalf("Schedule: %v", err)
			}
		})
	}
}

func TestParseRescanInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "0s", "00:00", "00:75", "61 * * * *"} {
		if _, err := ParseRescan(raw); err == nil {
			t.Fatalf("ParseRescan(%q): expected error", raw)
		}
	}
}
