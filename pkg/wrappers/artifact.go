package wrappers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/user/stigharden/pkg/engine"
)

// ArtifactFile replays a scan artifact that already exists on disk: an
// XCCDF results document or a JSON engine.ScanArtifact.
type ArtifactFile struct {
	Path string
}

// Scan loads the artifact. The format is sniffed from the first byte.
func (a ArtifactFile) Scan(ctx context.Context) (engine.ScanArtifact, error) {
	if err := ctx.Err(); err != nil {
		return engine.ScanArtifact{}, err
	}
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return engine.ScanArtifact{}, err
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return engine.ScanArtifact{}, fmt.Errorf("%w: %s is empty", engine.ErrMalformedScanArtifact, a.Path)
	}

	var artifact engine.ScanArtifact
	switch trimmed[0] {
	case '<':
		artifact, err = ParseXCCDF(bytes.NewReader(trimmed))
	case '{':
		if err = json.Unmarshal(trimmed, &artifact); err != nil {
			err = fmt.Errorf("%w: %v", engine.ErrMalformedScanArtifact, err)
		}
	default:
		err = fmt.Errorf("%w: %s is neither XML nor JSON", engine.ErrMalformedScanArtifact, a.Path)
	}
	if err != nil {
		return engine.ScanArtifact{}, err
	}
	if artifact.Source == "" {
		artifact.Source = a.Path
	}
	return artifact, nil
}
