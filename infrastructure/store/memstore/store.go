// Package memstore is an in-memory content-addressed object store for tests and local runs.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/pkg/errors"
	"github.com/swarmos/go-epoch-sealer/entities"
)

type Store struct {
	mutex   sync.RWMutex
	objects map[string][]byte
	puts    int

	// FailPuts makes the next n Put calls fail.
	FailPuts int
}

func New() *Store {
	return &Store{objects: make(map[string][]byte)}
}

func (s *Store) Put(_ context.Context, path string, data []byte) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.FailPuts > 0 {
		s.FailPuts--
		return "", errors.Errorf("writing [%s]: store unavailable", path)
	}
	s.objects[path] = append([]byte(nil), data...)
	s.puts++
	return contentID(data)
}

func (s *Store) Get(_ context.Context, path string) ([]byte, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	data, ok := s.objects[path]
	if !ok {
		return nil, errors.Wrapf(entities.ErrNotFound, "path [%s]", path)
	}
	return append([]byte(nil), data...), nil
}

func (s *Store) Exists(_ context.Context, path string) (bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	_, ok := s.objects[path]
	return ok, nil
}

// List returns the sorted paths directly below prefix.
func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	dir := strings.TrimSuffix(prefix, "/") + "/"
	var paths []string
	for path := range s.objects {
		if strings.HasPrefix(path, dir) && !strings.Contains(strings.TrimPrefix(path, dir), "/") {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// ContentID returns the content id of the object at path.
func (s *Store) ContentID(path string) (string, error) {
	data, err := s.Get(context.Background(), path)
	if err != nil {
		return "", err
	}
	return contentID(data)
}

// SetFailPuts is FailPuts for stores that are in use by other goroutines.
func (s *Store) SetFailPuts(n int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.FailPuts = n
}

// Puts is the number of successful writes.
func (s *Store) Puts() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.puts
}

func contentID(data []byte) (string, error) {
	hash, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", errors.Wrap(err, "hashing content")
	}
	return cid.NewCidV1(cid.Raw, hash).String(), nil
}
