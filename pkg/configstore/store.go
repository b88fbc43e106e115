// Package configstore implements the Persistent Configuration Store
// (§4.3): a single versioned document on disk, updated by
// write-temp-then-rename for atomicity, with an in-memory last-known
// value and monotonically increasing opaque tag guarding conditional
// updates.
//
// Unlike the teacher's pkg/storage, which pairs BoltDB with a
// Raft-replicated log for multi-manager consensus, this store backs a
// single-process control service (no consensus — see DESIGN.md) and is
// therefore a flat JSON document rather than a replicated FSM.
package configstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/clusterhq/flocker/pkg/flockerrors"
	"github.com/clusterhq/flocker/pkg/log"
	"github.com/clusterhq/flocker/pkg/metrics"
	"github.com/clusterhq/flocker/pkg/types"
)

// documentVersion is the on-disk schema version this store reads and
// writes. An unrecognized version on disk is a fatal startup error —
// never silently migrated or discarded.
const documentVersion = 1

// document is the canonical on-disk representation, matching §6's
// schema: {version:1, datasets:[…], leases:[…]}.
type document struct {
	Version  int                    `json:"version"`
	Tag      string                 `json:"tag"`
	TagSeq   uint64                 `json:"tag_seq"`
	Nodes    map[string]types.Node  `json:"nodes"`
	Datasets []types.Dataset        `json:"datasets"`
	Leases   []types.Lease          `json:"leases"`
}

// ErrTagMismatch is returned by SetIfMatches when expectedTag does not
// equal the store's current tag.
var ErrTagMismatch = fmt.Errorf("configuration tag mismatch")

// Store is the persisted configuration store: get()/set_if_matches()
// from §4.3, nothing more. Reads and writes are both serialized behind
// mu.
type Store struct {
	path string
	mu   sync.Mutex // serializes reads and writes
	cur  *types.Configuration
	seq  uint64 // sequence number backing cur.Tag; persisted as tag_seq
}

// Open loads the configuration document at path, creating a fresh empty
// Configuration if the file does not exist (first boot). A corrupt or
// unreadable existing file is a fatal error — the spec requires fail-fast
// with no silent data loss.
func Open(path string) (*Store, error) {
	logger := log.WithComponent("configstore")

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Info().Str("path", path).Msg("no configuration document found, starting empty")
		s := &Store{path: path}
		cfg := &types.Configuration{
			Version: documentVersion,
			Nodes:   map[string]types.Node{},
			Leases:  map[string]types.Lease{},
		}
		cfg.Tag = s.newTag()
		s.cur = cfg
		if err := s.flush(cfg); err != nil {
			return nil, flockerrors.FatalLocal("configstore.Open", "failed to write initial configuration", err)
		}
		return s, nil
	}
	if err != nil {
		return nil, flockerrors.FatalLocal("configstore.Open", "cannot read configuration file", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, flockerrors.FatalLocal("configstore.Open", "configuration file is corrupt", err)
	}
	if doc.Version != documentVersion {
		return nil, flockerrors.FatalLocal("configstore.Open",
			fmt.Sprintf("unrecognized configuration version %d", doc.Version), nil)
	}

	cfg := documentToConfiguration(doc)
	logger.Info().Str("path", path).Str("tag", cfg.Tag).Int("datasets", len(doc.Datasets)).Msg("loaded configuration")
	return &Store{path: path, cur: &cfg, seq: doc.TagSeq}, nil
}

// Get returns the current configuration and its tag.
func (s *Store) Get() (types.Configuration, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.cur, s.cur.Tag
}

// SetIfMatches atomically replaces the configuration with newConfig,
// minting a fresh tag, provided expectedTag equals the store's current
// tag. On mismatch it returns ErrTagMismatch and leaves the store
// untouched.
func (s *Store) SetIfMatches(newConfig types.Configuration, expectedTag string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur.Tag != expectedTag {
		return "", ErrTagMismatch
	}

	newConfig.Version = documentVersion
	newConfig.Tag = s.newTag()

	if err := s.flush(&newConfig); err != nil {
		return "", flockerrors.FatalLocal("configstore.SetIfMatches", "failed to persist configuration", err)
	}

	s.cur = &newConfig
	metrics.RecordConfigurationWrite()
	return newConfig.Tag, nil
}

// flush writes cfg to disk via write-temp-then-rename.
func (s *Store) flush(cfg *types.Configuration) error {
	doc := configurationToDocument(*cfg)
	doc.TagSeq = s.seq
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal configuration: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create configuration directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".current_configuration-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename temp file into place: %w", err)
	}
	return nil
}

// newTag mints the next tag in the store's monotonic sequence. The
// sequence number is persisted (document.TagSeq) so ordering survives a
// process restart; the zero-padded decimal rendering keeps tags
// opaque-looking while still comparing correctly as plain strings.
func (s *Store) newTag() string {
	s.seq++
	return fmt.Sprintf("%020d", s.seq)
}

func documentToConfiguration(doc document) types.Configuration {
	cfg := types.Configuration{
		Version: doc.Version,
		Tag:     doc.Tag,
		Nodes:   doc.Nodes,
		Leases:  map[string]types.Lease{},
	}
	if cfg.Nodes == nil {
		cfg.Nodes = map[string]types.Node{}
	}
	for _, l := range doc.Leases {
		cfg.Leases[l.DatasetID] = l
	}
	return cfg
}

func configurationToDocument(cfg types.Configuration) document {
	doc := document{
		Version: documentVersion,
		Tag:     cfg.Tag,
		Nodes:   cfg.Nodes,
	}
	for _, l := range cfg.Leases {
		doc.Leases = append(doc.Leases, l)
	}
	// Datasets are derived from every manifestation across every node,
	// deduplicated by dataset_id, so the on-disk document carries the
	// full dataset catalogue independent of which node currently holds
	// a manifestation for it.
	seen := map[string]bool{}
	for _, node := range cfg.Nodes {
		for id, m := range node.Manifestations {
			if seen[id] {
				continue
			}
			seen[id] = true
			doc.Datasets = append(doc.Datasets, m.Dataset)
		}
	}
	return doc
}
