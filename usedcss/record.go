// Package usedcss is the used-CSS job pipeline: the per-URL record store, the
// status-check worker that polls the compute service, and the orchestrator
// that reacts to settings and content changes.
package usedcss

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Status is the lifecycle state of a record.
//
//	pending -> queued -> completed
//	             |
//	             +-----> failed
//
// completed and failed are terminal: nothing moves a record out of them
// except deleting it or an explicit new request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is completed or failed
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Record is the used-CSS state of one page
type Record struct {
	ID           int64
	URL          string
	IsMobile     bool
	Status       Status
	JobID        string // set only while queued
	QueueName    string // set only while queued
	CSS          string // set only once completed
	Hash         string
	Retries      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastAccessed time.Time
}

// CanonicalURL strips surrounding whitespace and trailing slashes, so
// "https://example.org/a/" and "https://example.org/a" are the same page.
func CanonicalURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}

// HashCSS returns the hex sha256 of css
func HashCSS(css string) string {
	sum := sha256.Sum256([]byte(css))
	return hex.EncodeToString(sum[:])
}
