// Package pairing shows WhatsApp pairing QR codes to the operator.
package pairing

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	qrcode "github.com/skip2/go-qrcode"
)

const pngSize = 256

// Terminal prints pairing codes as QR blocks and optionally saves a PNG copy
// for headless hosts where the terminal cannot be scanned.
type Terminal struct {
	out       io.Writer
	imagePath string
	logger    *slog.Logger
	mu        sync.Mutex
}

type TerminalConfig struct {
	Out       io.Writer // defaults to stderr
	ImagePath string    // optional PNG output
	Logger    *slog.Logger
}

func NewTerminal(cfg TerminalConfig) *Terminal {
	if cfg.Out == nil {
		cfg.Out = os.Stderr
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Terminal{out: cfg.Out, imagePath: cfg.ImagePath, logger: cfg.Logger}
}

// Render draws code. Each new code replaces the previous PNG.
func (t *Terminal) Render(code string) error {
	q, err := qrcode.New(code, qrcode.Low)
	if err != nil {
		return fmt.Errorf("encode pairing code: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := fmt.Fprintf(t.out, "\nScan this code in WhatsApp > Linked devices:\n%s\n", q.ToSmallString(false)); err != nil {
		return fmt.Errorf("print pairing code: %w", err)
	}

	if t.imagePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(t.imagePath), 0o700); err != nil {
		return fmt.Errorf("create pairing image directory: %w", err)
	}
	if err := q.WriteFile(pngSize, t.imagePath); err != nil {
		return fmt.Errorf("write pairing image: %w", err)
	}
	t.logger.Info("pairing QR image written", "path", t.imagePath)
	return nil
}
