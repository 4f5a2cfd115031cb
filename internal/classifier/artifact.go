package classifier

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shisetsu-ai/bunki/internal/model"
)

// Save writes the artifact to path atomically: a temp file in the target
// directory followed by a rename, so a crash mid-write never leaves a
// truncated artifact behind.
func (a *Artifact) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("classifier: create artifact directory: %w", err)
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("classifier: encode artifact: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".classifier-*.json")
	if err != nil {
		return fmt.Errorf("classifier: create temp artifact: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("classifier: write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("classifier: close temp artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("classifier: install artifact: %w", err)
	}
	return nil
}

// Load reads and validates an artifact. Failures are classified
// ServiceUnavailable: the caller decides whether degraded mode covers the
// gap. The underlying cause stays wrapped, so os.IsNotExist style checks
// still work.
func Load(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, model.Wrap(model.KindServiceUnavailable, "classifier artifact unreadable", err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, model.Wrap(model.KindServiceUnavailable, "classifier artifact corrupt", err)
	}
	if a.Version != ArtifactVersion {
		return nil, model.Ef(model.KindServiceUnavailable, "unsupported artifact version %d", a.Version)
	}
	if a.BinaryVectorizer == nil || a.BinaryModel == nil ||
		a.OperationVectorizer == nil || a.OperationModel == nil {
		return nil, model.E(model.KindServiceUnavailable, "classifier artifact incomplete")
	}
	if len(a.BinaryModel.Classes) != 2 || len(a.OperationModel.Classes) < 2 {
		return nil, model.E(model.KindServiceUnavailable, "classifier artifact has malformed class sets")
	}
	return &a, nil
}
