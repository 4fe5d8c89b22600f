package supervisor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/skip2/go-qrcode"
)

// QRRenderer shows a pairing code to an operator.
type QRRenderer interface {
	Render(instanceID, code string) error
}

// TerminalQR prints codes as block art and keeps a PNG copy on disk.
type TerminalQR struct {
	// Out receives the terminal rendering; nil disables it.
	Out io.Writer
	// PathFor names the PNG file for an instance; nil disables it.
	PathFor func(instanceID string) string
}

func (r TerminalQR) Render(instanceID, code string) error {
	if r.Out != nil {
		q, err := qrcode.New(code, qrcode.Low)
		if err != nil {
			return fmt.Errorf("encode qr: %w", err)
		}
		fmt.Fprintf(r.Out, "\n📱 Scan to pair instance %s:\n%s\n", instanceID, q.ToSmallString(false))
	}
	if r.PathFor == nil {
		return nil
	}
	path := r.PathFor(instanceID)
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create qr dir: %w", err)
	}
	if err := qrcode.WriteFile(code, qrcode.Medium, 512, path); err != nil {
		return fmt.Errorf("write qr png: %w", err)
	}
	if r.Out != nil {
		fmt.Fprintf(r.Out, "🖼️  QR code saved to: %s\n", path)
	}
	return nil
}
