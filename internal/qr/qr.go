// Package qr renders a knock client profile as a QR code, for provisioning
// a second device with a server host/port and shared key without retyping
// hex by hand.
//
// The payload includes the user's shared secret, so callers must warn that
// the QR code itself is as sensitive as the key it carries.
package qr

import (
	"encoding/json"
	"fmt"
	"os"

	goqr "github.com/skip2/go-qrcode"
)

// Payload is the data encoded into the QR code: enough to populate one
// client profile entry.
type Payload struct {
	// Profile is the suggested profile name on the receiving client.
	Profile string `json:"profile"`

	// ServerHost is the server hostname or literal address.
	ServerHost string `json:"server_host"`

	// ServerPort is the TCP port the server listens on for handshakes.
	ServerPort uint16 `json:"server_port"`

	// User is the UserId this profile knocks as.
	User uint32 `json:"user"`

	// Key is the hex-encoded 256-bit shared secret. Never omit this without
	// telling the operator: without it the provisioned profile cannot
	// authenticate.
	Key string `json:"key"`
}

// GenerateOptions controls QR code generation.
type GenerateOptions struct {
	// Size is the QR image side length in pixels (default: 256).
	Size int

	// OutputPath writes the QR as a PNG to this path. If empty, ASCII art
	// is printed to stdout instead.
	OutputPath string

	// RecoveryLevel is the QR error-correction level (default: Medium).
	RecoveryLevel goqr.RecoveryLevel
}

// Generate encodes payload as JSON and renders it as a QR code, either as a
// PNG file (OutputPath set) or ASCII art on stdout.
func Generate(payload *Payload, opts *GenerateOptions) error {
	if opts == nil {
		opts = &GenerateOptions{}
	}
	if opts.Size == 0 {
		opts.Size = 256
	}
	if opts.RecoveryLevel == 0 {
		opts.RecoveryLevel = goqr.Medium
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling QR payload: %w", err)
	}

	if opts.OutputPath != "" {
		if err := goqr.WriteFile(string(data), opts.RecoveryLevel, opts.Size, opts.OutputPath); err != nil {
			return fmt.Errorf("writing QR PNG to %s: %w", opts.OutputPath, err)
		}
		fmt.Fprintf(os.Stdout, "QR code written to %s\n", opts.OutputPath)
		return nil
	}

	q, err := goqr.New(string(data), opts.RecoveryLevel)
	if err != nil {
		return fmt.Errorf("generating QR: %w", err)
	}
	fmt.Println(q.ToSmallString(false))
	return nil
}
