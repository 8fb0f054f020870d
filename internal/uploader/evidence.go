package uploader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// EvidenceStore keeps screenshots taken during portal interaction.
type EvidenceStore interface {
	// Save stores a PNG and returns a reference to it.
	Save(ctx context.Context, name string, png []byte) (string, error)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// DirEvidence writes screenshots into a directory.
type DirEvidence struct {
	Dir string
	now func() time.Time
}

func NewDirEvidence(dir string) *DirEvidence {
	return &DirEvidence{Dir: dir, now: time.Now}
}

func (d *DirEvidence) Save(ctx context.Context, name string, png []byte) (string, error) {
	if err := os.MkdirAll(d.Dir, 0o750); err != nil {
		return "", fmt.Errorf("create evidence dir: %w", err)
	}
	file := fmt.Sprintf("%s_%s.png", d.now().UTC().Format("20060102T150405.000Z"), unsafeName.ReplaceAllString(name, "_"))
	path := filepath.Join(d.Dir, file)
	if err := os.WriteFile(path, png, 0o640); err != nil {
		return "", fmt.Errorf("write evidence: %w", err)
	}
	return path, nil
}
