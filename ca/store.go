package ca

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotExist is returned by Store.Load when no root has been persisted
// yet; NewAuthority treats it as "generate and save a fresh root" rather
// than a fatal error.
var ErrNotExist = errors.New("forwardtap/ca: root not found")

// Store persists (and loads) the root certificate and key as PEM blocks.
type Store interface {
	// Load returns the previously-saved root cert and key PEM, or
	// ErrNotExist if none has been saved.
	Load() (certPEM, keyPEM []byte, err error)

	// Save persists the root cert and key PEM.
	Save(certPEM, keyPEM []byte) error
}

// FileStore persists the root as a single PEM file containing both the
// certificate and private key blocks, mirroring certauth's single
// ca_file_cache path convention.
type FileStore struct {
	Path string
}

func (f FileStore) Load() ([]byte, []byte, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotExist
		}
		return nil, nil, err
	}
	return data, data, nil
}

func (f FileStore) Save(certPEM, keyPEM []byte) error {
	if dir := filepath.Dir(f.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating root CA directory: %w", err)
		}
	}
	combined := append(append([]byte{}, certPEM...), keyPEM...)
	return os.WriteFile(f.Path, combined, 0o600)
}

// MemoryStore persists the root into an in-memory byte buffer supplied by
// the caller, for deployments that don't want the root key touching disk
// (spec.md §4.A: "the PEM bytes are written into it and root_ca_file
// reports absent"). It never reports ErrNotExist once Save has been
// called within the same process; a fresh MemoryStore always starts
// empty, so each new Authority generates its own root unless the caller
// persists and re-supplies the bytes across restarts itself.
type MemoryStore struct {
	data []byte
}

func (m *MemoryStore) Load() ([]byte, []byte, error) {
	if len(m.data) == 0 {
		return nil, nil, ErrNotExist
	}
	return m.data, m.data, nil
}

func (m *MemoryStore) Save(certPEM, keyPEM []byte) error {
	m.data = append(append([]byte{}, certPEM...), keyPEM...)
	return nil
}

// Bytes returns the currently-stored PEM bytes, or nil if Save has not
// been called yet.
func (m *MemoryStore) Bytes() []byte { return m.data }

var (
	_ Store = FileStore{}
	_ Store = (*MemoryStore)(nil)
)
