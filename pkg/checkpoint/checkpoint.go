// Package checkpoint loads the one-shot wake-context file
// (<base>/checkpoint.yaml) an external collaborator (e.g. a SIGTERM
// handler) writes before a restart, so the orchestrator's message
// handling can resume with a wake prompt. This package owns the reader
// side only — writing the file is explicitly external.
package checkpoint

import (
	"os"
	"path/filepath"
	"time"

	"github.com/kynetic-ai/kbot/pkg/kerrors"
	"gopkg.in/yaml.v3"
)

// staleAfter rejects a checkpoint older than this.
const staleAfter = 24 * time.Hour

// Checkpoint is the parsed wake-context file.
type Checkpoint struct {
	WakePrompt string    `yaml:"wake_prompt"`
	CreatedAt  time.Time `yaml:"created_at"`
	Metadata   map[string]string `yaml:"metadata,omitempty"`
}

// Loader reads and one-shot-consumes <baseDir>/checkpoint.yaml.
type Loader struct {
	path string
}

func NewLoader(baseDir string) *Loader {
	return &Loader{path: filepath.Join(baseDir, "checkpoint.yaml")}
}

// Load reads the checkpoint if present and not stale. A stale checkpoint
// is deleted and treated as absent (ok=false), matching a missing file —
// the orchestrator has no use for a wake prompt describing a process state
// from over a day ago.
func (l *Loader) Load() (cp Checkpoint, ok bool, err error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, kerrors.IO("loadCheckpoint", err)
	}
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, kerrors.Validation("loadCheckpoint", "yaml", "valid checkpoint document", err.Error())
	}
	if time.Since(cp.CreatedAt) > staleAfter {
		_ = os.Remove(l.path)
		return Checkpoint{}, false, nil
	}
	return cp, true, nil
}

// Consume deletes the checkpoint file after its wake prompt has been sent,
// so a later restart doesn't resend it.
func (l *Loader) Consume() error {
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return kerrors.IO("consumeCheckpoint", err)
	}
	return nil
}
