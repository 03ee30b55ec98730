package job

import (
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		kind    ScheduleKind
		expr    string
		every   time.Duration
		wantErr bool
	}{
		{in: "*/5 * * * *", kind: KindCron, expr: "*/5 * * * *"},
		{in: "@hourly", kind: KindCron, expr: "@hourly"},
		{in: "cron:55 * * * *", kind: KindCron, expr: "55 * * * *"},
		{in: "55m", kind: KindInterval, every: 55 * time.Minute},
		{in: "02:30", kind: KindInterval, every: 2*time.Hour + 30*time.Minute},
		{in: "interval: 00:50", kind: KindInterval, every: 50 * time.Minute},
		{in: "every:2h30m", kind: KindInterval, every: 2*time.Hour + 30*time.Minute},
		{in: "at:2025-03-10T12:00:00Z", kind: KindOnce},
		{in: "", wantErr: true},
		{in: "0s", wantErr: true},
		{in: "00:00", wantErr: true},
		{in: "01:75", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "at:tomorrow", wantErr: true},
		{in: "soon", wantErr: true},
		{in: "61 * * * *", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				if !IsValidation(err) {
					t.Fatalf("expected ValidationError, got %T", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("kind: got %q want %q", got.Kind, tt.kind)
			}
			if got.Expr != tt.expr {
				t.Fatalf("expr: got %q want %q", got.Expr, tt.expr)
			}
			if got.Every() != tt.every {
				t.Fatalf("every: got %v want %v", got.Every(), tt.every)
			}
			if tt.kind == KindOnce && !got.At.Equal(t0) {
				t.Fatalf("at: got %v want %v", got.At, t0)
			}
		})
	}
}
