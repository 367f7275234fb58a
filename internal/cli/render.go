package cli

import (
	"encoding/json"
	"fmt"

	"github.com/Docfold-Labs/docfold/internal/event"
	"github.com/Docfold-Labs/docfold/internal/output"
	"github.com/Docfold-Labs/docfold/internal/subagent"
)

// frameRenderer turns the relayed event stream into terminal output. It is
// the relay sink for one-shot runs: raw bytes feed the frame scanner and
// completed frames drive either the spinner message or printed step lines.
// Pause and terminal frames are not printed here; the span loop reports
// those from the stored record after the stream ends.
type frameRenderer struct {
	printer *output.Printer
	verbose bool
	scanner event.FrameScanner
	spin    *output.Progress
}

func newFrameRenderer(printer *output.Printer, verbose bool) *frameRenderer {
	return &frameRenderer{printer: printer, verbose: verbose}
}

// attachProgress points progress frames at the spinner for the next span.
// Pass nil to fall back to printed step lines.
func (r *frameRenderer) attachProgress(spin *output.Progress) {
	r.spin = spin
}

func (r *frameRenderer) Write(p []byte) (int, error) {
	for _, frame := range r.scanner.Feed(p) {
		r.render(frame)
	}
	return len(p), nil
}

func (r *frameRenderer) Flush() {}

// framePayload covers the display fields progress frames may carry
type framePayload struct {
	Stage    string `json:"stage"`
	Step     string `json:"step"`
	Subagent string `json:"subagent"`
	Strategy string `json:"strategy"`
}

func (r *frameRenderer) render(frame event.Frame) {
	if event.Type(frame.Name) != event.TypeProgress {
		return
	}

	var payload framePayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		return
	}

	if r.spin != nil {
		r.spin.UpdateMessage(progressMessage(payload))
		return
	}

	switch payload.Stage {
	case "step-complete":
		r.printer.Step("%s done", payload.Step)
	default:
		if r.verbose {
			r.printer.Detail("%s: %s", payload.Step, payload.Stage)
		}
	}
}

func progressMessage(payload framePayload) string {
	switch payload.Stage {
	case subagent.StageContext:
		return fmt.Sprintf("%s: gathering context", payload.Step)
	case subagent.StageGeneration:
		return fmt.Sprintf("%s: generating", payload.Step)
	case subagent.StageReady, "step-complete":
		return fmt.Sprintf("%s done", payload.Step)
	default:
		return payload.Step
	}
}
