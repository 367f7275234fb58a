package output

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestProgressRendersAndStops(t *testing.T) {
	var out bytes.Buffer
	p := NewPrinterWithWriters(&out, &out, false)

	progress := p.StartProgress("assembling document")
	time.Sleep(20 * time.Millisecond)
	progress.UpdateMessage("writing sections")
	progress.Stop()

	got := out.String()
	if !strings.Contains(got, "assembling document") {
		t.Errorf("output %q missing initial message", got)
	}
	if !strings.Contains(got, "writing sections") {
		t.Errorf("output %q missing updated message", got)
	}
	if !strings.HasSuffix(got, "\r\033[K") {
		t.Errorf("output %q should end with a cleared line", got)
	}
}

func TestProgressStopIsIdempotent(t *testing.T) {
	var out bytes.Buffer
	p := NewPrinterWithWriters(&out, &out, false)

	progress := p.StartProgress("working")
	progress.Stop()
	progress.Stop()
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{5 * time.Second, "5s"},
		{59 * time.Second, "59s"},
		{90 * time.Second, "1m30s"},
		{2 * time.Minute, "2m0s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
