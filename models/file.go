package models

import (
	"fmt"
	"time"
)

// Expiry is the retention policy attached to a shared file.
type Expiry string

const (
	Expiry24h   Expiry = "24h"
	Expiry7d    Expiry = "7d"
	ExpiryNever Expiry = "never"
)

// ParseExpiry validates a user supplied expiry policy.
func ParseExpiry(raw string) (Expiry, error) {
	switch Expiry(raw) {
	case Expiry24h, Expiry7d, ExpiryNever:
		return Expiry(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown expiry %q", ErrValidation, raw)
	}
}

// Duration returns the retention window, or 0 for ExpiryNever.
func (e Expiry) Duration() time.Duration {
	switch e {
	case Expiry24h:
		return 24 * time.Hour
	case Expiry7d:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// FileMetadata describes one file offered to one recipient.
type FileMetadata struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	CreatedAt int64  `json:"created_at"`
	Expiry    Expiry `json:"expiry"`
	Sender    Party  `json:"sender"`
	Recipient Party  `json:"recipient"`
}

// ExpiredAt reports whether the file's retention window has passed at now.
func (m FileMetadata) ExpiredAt(now time.Time) bool {
	window := m.Expiry.Duration()
	if window == 0 {
		return false
	}
	return now.Sub(time.UnixMilli(m.CreatedAt)) > window
}
