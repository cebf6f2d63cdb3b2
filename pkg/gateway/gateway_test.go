package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/fly-io/imagemeta/pkg/errors"
)

type recordingStarter struct {
	inputs []any
	err    error
}

func (s *recordingStarter) StartNew(ctx context.Context, workflow string, input any) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.inputs = append(s.inputs, input)
	return fmt.Sprintf("%s-%d", workflow, len(s.inputs)), nil
}

// captureHandler keeps every record it sees.
type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func (h *captureHandler) count(level slog.Level) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.records {
		if r.Level == level {
			n++
		}
	}
	return n
}

func TestOnEvent(t *testing.T) {
	tests := []struct {
		name        string
		identifier  string
		wantStarted bool
		wantInput   string
	}{
		{"png", "images-input/photo.png", true, "photo.png"},
		{"upper case jpeg", "images-input/Vacation.JPEG", true, "Vacation.JPEG"},
		{"jpg", "images-input/a.jpg", true, "a.jpg"},
		{"gif without container", "anim.gif", true, "anim.gif"},
		{"nested path", "images-input/2024/01/x.png", true, "x.png"},
		{"pdf", "images-input/report.pdf", false, ""},
		{"no extension", "images-input/README", false, ""},
		{"extension in middle", "images-input/photo.png.txt", false, ""},
		{"webp not allowed", "images-input/photo.webp", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			starter := &recordingStarter{}
			logs := &captureHandler{}
			g := New(starter, "process-image", slog.New(logs))

			id, started, err := g.OnEvent(context.Background(), Event{ResourceIdentifier: tt.identifier, SizeBytes: 2048})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if started != tt.wantStarted {
				t.Fatalf("started = %v, want %v", started, tt.wantStarted)
			}

			if !tt.wantStarted {
				if id != "" || len(starter.inputs) != 0 {
					t.Errorf("expected no instance, got id %q and %d starts", id, len(starter.inputs))
				}
				if n := logs.count(slog.LevelWarn); n != 1 {
					t.Errorf("expected exactly one warning, got %d", n)
				}
				return
			}

			if len(starter.inputs) != 1 || starter.inputs[0] != tt.wantInput {
				t.Errorf("expected one start with %q, got %v", tt.wantInput, starter.inputs)
			}
			if id != "process-image-1" {
				t.Errorf("unexpected id %q", id)
			}
			if n := logs.count(slog.LevelWarn); n != 0 {
				t.Errorf("expected no warnings, got %d", n)
			}
		})
	}
}

func TestOnEvent_NoDeduplication(t *testing.T) {
	starter := &recordingStarter{}
	g := New(starter, "process-image", nil)

	ev := Event{ResourceIdentifier: "images-input/photo.png", SizeBytes: 10}
	first, _, _ := g.OnEvent(context.Background(), ev)
	second, _, _ := g.OnEvent(context.Background(), ev)

	if first == second {
		t.Errorf("expected distinct instances, got %q twice", first)
	}
	if len(starter.inputs) != 2 {
		t.Errorf("expected 2 starts, got %d", len(starter.inputs))
	}
}

func TestOnEvent_StartFailure(t *testing.T) {
	g := New(&recordingStarter{err: errors.New("store unavailable")}, "process-image", nil)

	_, started, err := g.OnEvent(context.Background(), Event{ResourceIdentifier: "images-input/photo.png"})
	if err == nil || started {
		t.Errorf("expected start failure to surface, got started=%v err=%v", started, err)
	}
}

func TestHandle(t *testing.T) {
	starter := &recordingStarter{}
	g := New(starter, "process-image", nil)

	payload, _ := json.Marshal(Event{ResourceIdentifier: "images-input/photo.png", SizeBytes: 2048})
	if err := g.Handle(context.Background(), payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(starter.inputs) != 1 {
		t.Errorf("expected one start, got %d", len(starter.inputs))
	}

	err := g.Handle(context.Background(), json.RawMessage(`{not json`))
	if errors.KindOf(err) != errors.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestShortName(t *testing.T) {
	tests := map[string]string{
		"images-input/photo.png": "photo.png",
		"photo.png":              "photo.png",
		"a/b/c.gif":              "c.gif",
		"images-input/":          "",
	}
	for in, want := range tests {
		if got := ShortName(in); got != want {
			t.Errorf("ShortName(%q) = %q, want %q", in, got, want)
		}
	}
}
