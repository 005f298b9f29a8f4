// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/AleutianProof/services/pipeline/hashing"
)

// ManifestVersion is bumped when the manifest format changes.
const ManifestVersion = "1.0"

// Manifest is the ledger's externally visible state summary, written
// after every anchor and rollback. Supervisors watch this file to
// detect a stalled or rewound chain without opening the store.
type Manifest struct {
	Version      string    `json:"version"`
	TenantID     string    `json:"tenant_id"`
	TailSequence uint64    `json:"tail_sequence"`
	TailHash     string    `json:"tail_chain_hash"`
	AnchorSeq    uint64    `json:"last_anchor_seq"`
	AnchorRoot   string    `json:"last_anchor_root,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
	Checksum     string    `json:"checksum"`
}

// manifestChecksum computes the dual digest over every field except
// the checksum itself.
func manifestChecksum(m Manifest) (string, error) {
	m.Checksum = ""
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	return hashing.Digest(data), nil
}

// WriteManifest writes the manifest atomically using temp file +
// rename, so watchers never observe a partial file.
//
// Description:
//
//	Stamps UpdatedAt and the checksum, writes to a temp file in the
//	target directory, fsyncs, and renames into place.
//
// Inputs:
//
//	m - Manifest to write; UpdatedAt and Checksum are overwritten.
//	path - Destination file path. Parent directory must exist.
//
// Outputs:
//
//	error - Non-nil if serialization or any file operation fails.
func WriteManifest(m Manifest, path string) error {
	if path == "" {
		return fmt.Errorf("manifest path must not be empty")
	}

	m.Version = ManifestVersion
	m.UpdatedAt = time.Now().UTC()

	checksum, err := manifestChecksum(m)
	if err != nil {
		return err
	}
	m.Checksum = checksum

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	dir := filepath.Dir(path)
	tempFile, err := os.CreateTemp(dir, ".manifest-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	// Ensure cleanup on failure
	success := false
	defer func() {
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("write manifest: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("sync manifest: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close manifest: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename manifest: %w", err)
	}

	success = true
	return nil
}

// ReadManifest reads and verifies a manifest file.
//
// Description:
//
//	Loads the manifest and recomputes its checksum. A version or
//	checksum mismatch returns ErrManifestCorrupt: a supervisor must
//	treat that as a possible tamper event, not a parse bug.
//
// Inputs:
//
//	path - Manifest file path.
//
// Outputs:
//
//	Manifest - The verified manifest.
//	error - Non-nil if the file is unreadable, unparsable, or corrupt.
func ReadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrManifestCorrupt, err)
	}

	if m.Version != ManifestVersion {
		return Manifest{}, fmt.Errorf("%w: version %q, want %q", ErrManifestCorrupt, m.Version, ManifestVersion)
	}

	expected, err := manifestChecksum(m)
	if err != nil {
		return Manifest{}, err
	}
	if m.Checksum != expected {
		return Manifest{}, fmt.Errorf("%w: checksum mismatch", ErrManifestCorrupt)
	}
	return m, nil
}
