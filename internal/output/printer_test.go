package output

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrinter(t *testing.T) {
	tests := []struct {
		name         string
		useColor     bool
		method       func(p *Printer)
		wantContains string
		wantNoColor  string
		wantErr      bool
	}{
		{
			name:     "success with color",
			useColor: true,
			method: func(p *Printer) {
				p.Success("Document written")
			},
			wantContains: "✓ Document written",
		},
		{
			name:     "success without color",
			useColor: false,
			method: func(p *Printer) {
				p.Success("Document written")
			},
			wantNoColor: "✓ Document written\n",
		},
		{
			name:     "error with color",
			useColor: true,
			method: func(p *Printer) {
				p.Error("Subscription failed")
			},
			wantContains: "✗ Subscription failed",
			wantErr:      true,
		},
		{
			name:     "warning with format",
			useColor: false,
			method: func(p *Printer) {
				p.Warning("Section %s skipped", "metrics")
			},
			wantNoColor: "⚠ Section metrics skipped\n",
			wantErr:     true,
		},
		{
			name:     "info message",
			useColor: false,
			method: func(p *Printer) {
				p.Info("Planning %d steps", 4)
			},
			wantNoColor: "→ Planning 4 steps\n",
		},
		{
			name:     "step message",
			useColor: false,
			method: func(p *Printer) {
				p.Step("%s done", "write-overview")
			},
			wantNoColor: "▶ write-overview done\n",
		},
		{
			name:     "detail message",
			useColor: false,
			method: func(p *Printer) {
				p.Detail("tokens: %d in / %d out", 10, 5)
			},
			wantNoColor: "  tokens: 10 in / 5 out\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, errBuf bytes.Buffer
			p := NewPrinterWithWriters(&out, &errBuf, tt.useColor)

			tt.method(p)

			got := out.String()
			if tt.wantErr {
				got = errBuf.String()
			}

			if tt.wantContains != "" && !strings.Contains(got, tt.wantContains) {
				t.Errorf("output %q does not contain %q", got, tt.wantContains)
			}
			if tt.wantNoColor != "" && got != tt.wantNoColor {
				t.Errorf("output = %q, want %q", got, tt.wantNoColor)
			}
			if tt.useColor && !strings.Contains(got, "\033[") {
				t.Errorf("colored output %q has no ANSI escape", got)
			}
			if !tt.useColor && strings.Contains(got, "\033[") {
				t.Errorf("plain output %q has an ANSI escape", got)
			}
		})
	}
}

func TestPrinterPlain(t *testing.T) {
	var out bytes.Buffer
	p := NewPrinterWithWriters(&out, &out, true)

	p.Print("raw %d", 7)
	p.Println(" trailing")

	got := out.String()
	if !strings.Contains(got, "raw 7") {
		t.Errorf("output %q missing plain print", got)
	}
	if strings.Contains(got, "\033[") {
		t.Errorf("plain print %q should not be colored", got)
	}
}
