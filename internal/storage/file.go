package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.yaml.in/yaml/v3"
	"termsched/internal/job"
	logx "termsched/pkg/logx"
)

type codec interface {
	marshal(records []job.Record) ([]byte, error)
	unmarshal(b []byte) ([]job.Record, error)
}

type jsonCodec struct{}

func (jsonCodec) marshal(records []job.Record) ([]byte, error) {
	return json.MarshalIndent(records, "", "  ")
}

func (jsonCodec) unmarshal(b []byte) ([]job.Record, error) {
	var out []job.Record
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

type yamlCodec struct{}

func (yamlCodec) marshal(records []job.Record) ([]byte, error) {
	return yaml.Marshal(records)
}

func (yamlCodec) unmarshal(b []byte) ([]job.Record, error) {
	var out []job.Record
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// fileStore keeps the whole job set in one file. Every Save writes a sibling
// tmp file and renames it over the target, so a crash mid-write leaves the
// previous snapshot intact.
type fileStore struct {
	log   logx.Logger
	path  string
	codec codec

	mu     sync.Mutex
	closed bool
}

func openFile(cfg Config, c codec, log logx.Logger) (Backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path, codec: c}, nil
}

func (s *fileStore) Save(ctx context.Context, records []job.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if records == nil {
		records = []job.Record{}
	}
	b, err := s.codec.marshal(records)
	if err != nil {
		return fmt.Errorf("encode jobs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	s.log.Trace("jobs saved", logx.Int("count", len(records)))
	return nil
}

// Load returns no records when the file does not exist yet.
func (s *fileStore) Load(ctx context.Context) ([]job.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	out, err := s.codec.unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

var _ MarkerStore = (*fileStore)(nil)

// markerPath is a JSON sidecar next to the job file: {"key": unix_seconds}.
func (s *fileStore) markerPath() string { return s.path + ".markers.json" }

func (s *fileStore) readMarkersLocked() (map[string]int64, error) {
	out := map[string]int64{}
	b, err := os.ReadFile(s.markerPath())
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.markerPath(), err)
	}
	return out, nil
}

func (s *fileStore) Marked(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.readMarkersLocked()
	if err != nil {
		return false, err
	}
	_, ok := m[key]
	return ok, nil
}

func (s *fileStore) Mark(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	m, err := s.readMarkersLocked()
	if err != nil {
		return err
	}
	if _, ok := m[key]; ok {
		return nil
	}
	m[key] = time.Now().Unix()
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.markerPath() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.markerPath()); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
