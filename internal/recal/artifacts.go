package recal

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ArtifactStore persists fitted artifacts as JSON files and hands back opaque
// references. References are what RecalibrationRun records carry; promotion
// of an artifact to production is the caller's decision, not the store's.
type ArtifactStore struct {
	dir string
}

// NewArtifactStore creates the artifact directory if needed.
func NewArtifactStore(dir string) (*ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &ArtifactStore{dir: dir}, nil
}

type artifactEnvelope struct {
	ModelID  string      `json:"model_id"`
	Strategy string      `json:"strategy"`
	SavedAt  time.Time   `json:"saved_at"`
	Body     interface{} `json:"body"`
}

// Save writes the artifact payload and returns its reference.
func (s *ArtifactStore) Save(modelID, strategy string, artifact Artifact) (string, error) {
	ref := fmt.Sprintf("%s_%s_%s", modelID, strategy, randomSuffix())

	data, err := json.MarshalIndent(artifactEnvelope{
		ModelID:  modelID,
		Strategy: strategy,
		SavedAt:  time.Now().UTC(),
		Body:     artifact.Payload(),
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal artifact: %w", err)
	}

	path := filepath.Join(s.dir, ref+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}

	return ref, nil
}

// LoadCorrection reads a correction-layer artifact back by reference.
func (s *ArtifactStore) LoadCorrection(ref string) (*CorrectionModel, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, ref+".json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", ref, err)
	}

	var env struct {
		Strategy string          `json:"strategy"`
		Body     json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal artifact %s: %w", ref, err)
	}
	if env.Strategy != "correction" {
		return nil, fmt.Errorf("artifact %s is %q, not a correction layer", ref, env.Strategy)
	}

	var model CorrectionModel
	if err := json.Unmarshal(env.Body, &model); err != nil {
		return nil, fmt.Errorf("failed to unmarshal correction model %s: %w", ref, err)
	}
	return &model, nil
}

func randomSuffix() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Fall back to a timestamp; uniqueness still holds in practice.
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
