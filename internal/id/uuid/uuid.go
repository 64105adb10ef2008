// Package uuid provides run and snapshot ID generation.
package uuid

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	runSuffixLen  = 8
	snapshotIDLen = 12
)

// Generator implements pipeline.IDGenerator on top of UUIDv4 randomness.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewRunID returns a run identifier of the form YYYYMMDD_HHMMSS_<8 hex>.
// The timestamp prefix keeps run directories sortable by start time.
func (Generator) NewRunID(now time.Time) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate run suffix: %w", err)
	}
	suffix := hex.EncodeToString(id[:])[:runSuffixLen]
	return now.UTC().Format("20060102_150405") + "_" + suffix, nil
}

// NewSnapshotID returns a 12-hex-character snapshot identifier, unique
// within a store for practical purposes.
func (Generator) NewSnapshotID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate snapshot id: %w", err)
	}
	return hex.EncodeToString(id[:])[:snapshotIDLen], nil
}
