package provision

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/geobc/provisioner/lib/paths"
	"github.com/geobc/provisioner/lib/spec"
)

// buildMetadata is the build state persisted on disk.
type buildMetadata struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	QueuePosition *int       `json:"queue_position,omitempty"`
	Spec          *spec.Spec `json:"spec"`
	ContextRoot   string     `json:"context_root"`
	Error         *string    `json:"error,omitempty"`
	Result        *Result    `json:"result,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	DurationMS    *int64     `json:"duration_ms,omitempty"`
}

// toBuild converts persisted metadata to the public Build.
func (m *buildMetadata) toBuild() *Build {
	return &Build{
		ID:            m.ID,
		Status:        m.Status,
		QueuePosition: m.QueuePosition,
		Spec:          m.Spec,
		Error:         m.Error,
		Result:        m.Result,
		CreatedAt:     m.CreatedAt,
		StartedAt:     m.StartedAt,
		CompletedAt:   m.CompletedAt,
		DurationMS:    m.DurationMS,
	}
}

// writeMetadata writes metadata atomically using temp file + rename.
func writeMetadata(p *paths.Paths, meta *buildMetadata) error {
	dir := p.BuildDir(meta.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create build directory: %w", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tempPath := p.BuildMetadata(meta.ID) + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp metadata: %w", err)
	}

	finalPath := p.BuildMetadata(meta.ID)
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename metadata: %w", err)
	}

	return nil
}

// readMetadata reads build metadata from disk.
func readMetadata(p *paths.Paths, buildID string) (*buildMetadata, error) {
	data, err := os.ReadFile(p.BuildMetadata(buildID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var meta buildMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}

	return &meta, nil
}

// listMetadata lists all builds by scanning the builds directory.
func listMetadata(p *paths.Paths) ([]*buildMetadata, error) {
	entries, err := os.ReadDir(p.BuildsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []*buildMetadata{}, nil
		}
		return nil, fmt.Errorf("read builds directory: %w", err)
	}

	var metas []*buildMetadata
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := readMetadata(p, entry.Name())
		if err != nil {
			// Skip invalid entries rather than failing the listing.
			continue
		}
		metas = append(metas, meta)
	}

	return metas, nil
}

// deleteBuild removes the entire build directory.
func deleteBuild(p *paths.Paths, buildID string) error {
	dir := p.BuildDir(buildID)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("stat build directory: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove build directory: %w", err)
	}
	return nil
}

// readLog reads the build log, returning empty content when none exists yet.
func readLog(p *paths.Paths, buildID string) ([]byte, error) {
	data, err := os.ReadFile(p.BuildLog(buildID))
	if err != nil {
		if os.IsNotExist(err) {
			return []byte{}, nil
		}
		return nil, fmt.Errorf("read build log: %w", err)
	}
	return data, nil
}
