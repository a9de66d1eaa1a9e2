// Package snapshot persists diagnostic page captures taken when a step
// fails. Snapshots are referenced by opaque IDs carried in task results.
package snapshot

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var ErrNotFound = errors.New("snapshot not found")

// Capture is the page state recorded at failure time.
type Capture struct {
	TaskID     string    `json:"task_id"`
	Workflow   string    `json:"workflow"`
	StepIndex  int       `json:"step_index"`
	StepName   string    `json:"step_name"`
	URL        string    `json:"url,omitempty"`
	HTML       string    `json:"-"`
	Screenshot []byte    `json:"-"`
	Reason     string    `json:"reason"`
	CapturedAt time.Time `json:"captured_at"`
}

// Store writes captures to a directory, one subdirectory per snapshot:
// meta.json, page.html and page.png.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates the snapshot directory if needed.
func NewStore(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("snapshot dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save persists a capture and returns its reference ID.
func (s *Store) Save(capture Capture) (string, error) {
	if capture.CapturedAt.IsZero() {
		capture.CapturedAt = time.Now()
	}
	id := ulid.MustNew(ulid.Timestamp(capture.CapturedAt), rand.Reader).String()

	dir := filepath.Join(s.dir, id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot %s: %w", id, err)
	}

	meta, err := json.MarshalIndent(capture, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), meta, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot meta: %w", err)
	}
	if capture.HTML != "" {
		if err := os.WriteFile(filepath.Join(dir, "page.html"), []byte(capture.HTML), 0o644); err != nil {
			return "", fmt.Errorf("write snapshot html: %w", err)
		}
	}
	if len(capture.Screenshot) > 0 {
		if err := os.WriteFile(filepath.Join(dir, "page.png"), capture.Screenshot, 0o644); err != nil {
			return "", fmt.Errorf("write snapshot screenshot: %w", err)
		}
	}
	return id, nil
}

// Load reads a capture back by ID.
func (s *Store) Load(id string) (*Capture, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, `/\`) {
		return nil, ErrNotFound
	}
	dir := filepath.Join(s.dir, id)
	meta, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read snapshot meta: %w", err)
	}
	var capture Capture
	if err := json.Unmarshal(meta, &capture); err != nil {
		return nil, fmt.Errorf("parse snapshot meta: %w", err)
	}
	if html, err := os.ReadFile(filepath.Join(dir, "page.html")); err == nil {
		capture.HTML = string(html)
	}
	if png, err := os.ReadFile(filepath.Join(dir, "page.png")); err == nil {
		capture.Screenshot = png
	}
	return &capture, nil
}
