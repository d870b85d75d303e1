// Package record persists raw stream chunks to JSON files for offline
// inspection. The sink is a debug facility: it is disabled unless a base
// directory is configured, and write failures never affect the stream.
package record

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one dumped stream: the raw chunk array plus the concatenated
// text, with enough attribution to find it again.
type Entry struct {
	RecordID   string   `json:"record_id"`
	Timestamp  string   `json:"timestamp"`
	InstanceID string   `json:"instance_id"`
	Vendor     string   `json:"vendor"`
	Model      string   `json:"model"`
	Chunks     []string `json:"chunks"`
	Text       string   `json:"text"`
}

// Sink writes dump entries to a directory, one JSON file per stream.
type Sink struct {
	baseDir string
	mu      sync.Mutex
}

// NewSink creates a sink writing under baseDir. An empty baseDir disables
// the sink.
func NewSink(baseDir string) *Sink {
	return &Sink{baseDir: baseDir}
}

// Enabled reports whether the sink will write anything.
func (s *Sink) Enabled() bool {
	return s != nil && s.baseDir != ""
}

// Write persists one entry. The record id and timestamp are filled in here.
func (s *Sink) Write(entry Entry) error {
	if !s.Enabled() {
		return nil
	}

	entry.RecordID = uuid.New().String()
	entry.Timestamp = time.Now().UTC().Format(time.RFC3339)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return fmt.Errorf("create dump dir: %w", err)
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dump entry: %w", err)
	}

	name := fmt.Sprintf("%s-%s.json", sanitize(entry.InstanceID), entry.RecordID)
	path := filepath.Join(s.baseDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write dump file: %w", err)
	}
	return nil
}

// sanitize keeps instance keys filesystem-safe.
func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
