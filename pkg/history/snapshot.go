package history

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/NeverVane/omniscient/internal/storage"
)

// SnapshotVersion is written into every export
const SnapshotVersion = "1.0"

// ErrInvalidSnapshot is returned when a snapshot cannot be decoded or has no version
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// Snapshot is the portable export of a whole store
type Snapshot struct {
	Version      string                  `json:"version" yaml:"version"`
	ExportedAt   time.Time               `json:"exported_at" yaml:"exported_at"`
	CommandCount int                     `json:"command_count" yaml:"command_count"`
	Commands     []storage.CommandRecord `json:"commands" yaml:"commands"`
}

// Format is a snapshot encoding
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatForPath picks YAML for .yaml/.yml files and JSON otherwise
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

func newSnapshot(records []storage.CommandRecord) *Snapshot {
	if records == nil {
		records = []storage.CommandRecord{}
	}
	return &Snapshot{
		Version:      SnapshotVersion,
		ExportedAt:   time.Now().UTC(),
		CommandCount: len(records),
		Commands:     records,
	}
}

func encodeSnapshot(w io.Writer, snap *Snapshot, format Format) error {
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(snap); err != nil {
			return err
		}
		return enc.Close()
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	default:
		return fmt.Errorf("unsupported snapshot format: %s", format)
	}
}

func decodeSnapshot(data []byte, format Format) (*Snapshot, error) {
	var snap Snapshot

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &snap); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "decode snapshot"), ErrInvalidSnapshot)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&snap); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "decode snapshot"), ErrInvalidSnapshot)
		}
	}

	if strings.TrimSpace(snap.Version) == "" {
		return nil, errors.Wrap(ErrInvalidSnapshot, "missing version")
	}
	return &snap, nil
}

// checkVersion reports whether version is newer than this build understands.
// Unparseable versions are treated as unknown rather than rejected.
func checkVersion(version string) (newer bool, err error) {
	incoming, err := semver.NewVersion(version)
	if err != nil {
		return false, err
	}
	current := semver.MustParse(SnapshotVersion)
	return incoming.Major() > current.Major(), nil
}
