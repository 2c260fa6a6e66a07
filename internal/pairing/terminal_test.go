package pairing

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTerminal_RenderPrintsQR(t *testing.T) {
	var buf bytes.Buffer
	r := NewTerminal(TerminalConfig{Out: &buf, Logger: testLogger()})

	if err := r.Render("2@abcdef,ghijkl,mnopq"); err != nil {
		t.Fatalf("Render: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Linked devices") {
		t.Fatalf("missing instructions in %q", out)
	}
	if strings.Count(out, "\n") < 10 {
		t.Fatalf("expected a multi-line QR block, got %q", out)
	}
}

func TestTerminal_RenderWritesPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qr", "pairing.png")
	r := NewTerminal(TerminalConfig{Out: io.Discard, ImagePath: path, Logger: testLogger()})

	if err := r.Render("2@abcdef"); err != nil {
		t.Fatalf("Render: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read png: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Fatal("expected PNG data")
	}
}
