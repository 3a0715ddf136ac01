// Package qr renders a tunnel connect profile as a QR code, so a user
// standing at a server can hand its public key and exposed forwards to
// a phone or second machine without retyping a base58 string.
package qr

import (
	"encoding/json"
	"fmt"
	"os"

	goqr "github.com/skip2/go-qrcode"
)

// ForwardEntry is one (proto, port) pair a server exposes, mirroring
// manager.Entry without importing internal/manager (qr is a display
// helper the CLI wires up; it has no business depending on the
// manager's runtime types).
type ForwardEntry struct {
	Proto string `json:"proto"`
	Port  uint16 `json:"port"`
}

// Profile is the data encoded into the QR code: enough for a client to
// fill in a ForwardSpec for every exposed (proto, port) pair without
// the server operator dictating the client's local ports.
type Profile struct {
	// PeerPublicKey is the base58-encoded RootPublicKey of the server.
	PeerPublicKey string `json:"peer_public_key"`

	// Forwards lists every (proto, port) pair advertised under
	// PeerPublicKey, in the order the server's config declared them.
	Forwards []ForwardEntry `json:"forwards"`
}

// GenerateOptions controls QR code rendering.
type GenerateOptions struct {
	// Size is the QR image size in pixels (default: 256).
	Size int

	// OutputPath is the file path to write the QR PNG to.
	// If empty, the QR is printed to the terminal as ASCII art.
	OutputPath string

	// RecoveryLevel is the QR error correction level (L, M, Q, H).
	// Default is M.
	RecoveryLevel goqr.RecoveryLevel
}

// Generate encodes profile into a QR code. If opts.OutputPath is set,
// the PNG is written to that path; otherwise ASCII art is printed to
// stdout.
func Generate(profile *Profile, opts *GenerateOptions) error {
	if opts == nil {
		opts = &GenerateOptions{}
	}
	if opts.Size == 0 {
		opts.Size = 256
	}
	if opts.RecoveryLevel == 0 {
		opts.RecoveryLevel = goqr.Medium
	}

	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("qr: marshalling profile: %w", err)
	}

	if opts.OutputPath != "" {
		if err := goqr.WriteFile(string(data), opts.RecoveryLevel, opts.Size, opts.OutputPath); err != nil {
			return fmt.Errorf("qr: writing PNG to %s: %w", opts.OutputPath, err)
		}
		fmt.Fprintf(os.Stdout, "QR code written to %s\n", opts.OutputPath)
		return nil
	}

	q, err := goqr.New(string(data), opts.RecoveryLevel)
	if err != nil {
		return fmt.Errorf("qr: generating: %w", err)
	}
	fmt.Println(q.ToSmallString(false))
	return nil
}
