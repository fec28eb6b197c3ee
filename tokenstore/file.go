package tokenstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

var _ KV = (*FileKV)(nil)

// FileKV persists values as a YAML document, optionally sealed. The file is
// re-read on every Get so that concurrent processes see each other's writes.
type FileKV struct {
	path   string
	sealer Sealer
	mu     sync.Mutex
}

type FileOption func(*FileKV)

// WithSealer encrypts the document at rest.
func WithSealer(s Sealer) FileOption {
	return func(f *FileKV) {
		f.sealer = s
	}
}

func NewFileKV(path string, options ...FileOption) *FileKV {
	f := &FileKV{path: path}
	for _, opt := range options {
		opt(f)
	}
	return f
}

func (f *FileKV) Get(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return "", false, err
	}
	v, ok := doc[key]
	return v, ok, nil
}

func (f *FileKV) Set(values map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		// An unreadable document is replaced rather than blocking new logins.
		doc = make(map[string]string)
	}
	for k, v := range values {
		doc[k] = v
	}
	return f.write(doc)
}

func (f *FileKV) Delete(keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		doc = make(map[string]string)
	}
	for _, k := range keys {
		delete(doc, k)
	}
	return f.write(doc)
}

func (f *FileKV) read() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("[FileKV read] %w", err)
	}
	if len(data) == 0 {
		return make(map[string]string), nil
	}

	if f.sealer != nil {
		if data, err = f.sealer.Open(data); err != nil {
			return nil, fmt.Errorf("[FileKV read] unseal %s: %w", f.path, err)
		}
	}

	doc := make(map[string]string)
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("[FileKV read] decode %s: %w", f.path, err)
	}
	return doc, nil
}

func (f *FileKV) write(doc map[string]string) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("[FileKV write] encode: %w", err)
	}
	if f.sealer != nil {
		if data, err = f.sealer.Seal(data); err != nil {
			return fmt.Errorf("[FileKV write] seal: %w", err)
		}
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("[FileKV write] mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return fmt.Errorf("[FileKV write] temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("[FileKV write] %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("[FileKV write] chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("[FileKV write] close: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("[FileKV write] rename: %w", err)
	}
	return nil
}
