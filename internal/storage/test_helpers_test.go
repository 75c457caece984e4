package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T, opts ...Option) *JSONRepository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewJSONStore(path, opts...)
	if err != nil {
		t.Fatalf("NewJSONStore error: %v", err)
	}
	return store
}

func jsonRepositoryFactory(t *testing.T, opts ...Option) (Repository, func(), error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewJSONRepository(path, opts...)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}

func TestMain(m *testing.M) {
	code := m.Run()
	os.Exit(code)
}
