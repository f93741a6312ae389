package handoff

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	relayerrors "relay/internal/errors"
)

// FileStore implements ContextStore by persisting each context as a file with
// YAML frontmatter followed by the raw payload. The payload bytes after the
// closing delimiter are stored and returned verbatim.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// frontmatter is the YAML structure written between --- delimiters.
type frontmatter struct {
	ID        string `yaml:"id"`
	Summary   string `yaml:"summary,omitempty"`
	CreatedBy string `yaml:"created_by,omitempty"`
	Created   string `yaml:"created"`
}

var frontmatterDelim = []byte("---\n")

// NewFileStore creates a file-backed context store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Put writes the context atomically: temp file first, then rename, so a
// crash mid-write never leaves a corrupt or partial context behind.
func (s *FileStore) Put(ctx context.Context, hc Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(hc.ID, "/\\") {
		return fmt.Errorf("invalid context id %q", hc.ID)
	}

	fm := frontmatter{
		ID:        hc.ID,
		Summary:   hc.Summary,
		CreatedBy: hc.CreatedByTask,
		Created:   hc.CreatedAt.Format(time.RFC3339),
	}
	head, err := yaml.Marshal(fm)
	if err != nil {
		return fmt.Errorf("encode context frontmatter: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(frontmatterDelim)
	buf.Write(head)
	buf.Write(frontmatterDelim)
	buf.Write(hc.Payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create context dir: %w", err)
	}
	path := s.path(hc.ID)
	tmpPath := fmt.Sprintf("%s.tmp-%d", path, time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write context temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("persist context %s: %w", hc.ID, err)
	}
	return nil
}

// Get reads a context back. Unknown ids return a ContextNotFoundError value.
func (s *FileStore) Get(ctx context.Context, id string) (Context, error) {
	if err := ctx.Err(); err != nil {
		return Context{}, err
	}
	if strings.ContainsAny(id, "/\\") {
		return Context{}, &relayerrors.ContextNotFoundError{ID: id}
	}

	s.mu.RLock()
	data, err := os.ReadFile(s.path(id))
	s.mu.RUnlock()
	if err != nil {
		if os.IsNotExist(err) {
			return Context{}, &relayerrors.ContextNotFoundError{ID: id}
		}
		return Context{}, fmt.Errorf("read context %s: %w", id, err)
	}

	fm, payload, err := splitFrontmatter(data)
	if err != nil {
		return Context{}, fmt.Errorf("parse context %s: %w", id, err)
	}

	hc := Context{
		ID:            fm.ID,
		Payload:       payload,
		Summary:       fm.Summary,
		CreatedByTask: fm.CreatedBy,
	}
	if created, perr := time.Parse(time.RFC3339, fm.Created); perr == nil {
		hc.CreatedAt = created
	}
	return hc, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".ctx")
}

// splitFrontmatter separates the YAML header from the payload. The closing
// delimiter must sit at the start of a line; YAML indents block scalar
// content, so a summary containing "---" cannot terminate the header early.
// Only the header region is parsed; the payload bytes are untouched, so
// arbitrary binary round-trips exactly.
func splitFrontmatter(data []byte) (frontmatter, []byte, error) {
	var fm frontmatter
	if !bytes.HasPrefix(data, frontmatterDelim) {
		return fm, nil, fmt.Errorf("missing frontmatter")
	}
	rest := data[len(frontmatterDelim):]
	closing := []byte("\n---\n")
	end := bytes.Index(rest, closing)
	if end < 0 {
		if bytes.HasPrefix(rest, frontmatterDelim) {
			// Empty header.
			return fm, rest[len(frontmatterDelim):], nil
		}
		return fm, nil, fmt.Errorf("unterminated frontmatter")
	}
	if err := yaml.Unmarshal(rest[:end+1], &fm); err != nil {
		return fm, nil, err
	}
	return fm, rest[end+len(closing):], nil
}
