package generic

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"chargepoint/pkg/storage"
	"k8s.io/klog/v2"
)

// Store persists a single document of type T under <resource>/<name>.
type Store[T any] struct {
	Resource string
	Name     string
	client   storage.Storage
	mu       sync.Mutex
}

func NewStore[T any](client storage.Storage, resource, name string) *Store[T] {
	return &Store[T]{
		Resource: resource,
		Name:     name,
		client:   client,
	}
}

func (s *Store[T]) key() string {
	return filepath.Join(s.Resource, s.Name)
}

// Load returns the stored document. ok is false when nothing has been saved yet.
func (s *Store[T]) Load() (obj T, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.client.Get(s.key())
	if err != nil {
		if os.IsNotExist(err) {
			return obj, false, nil
		}
		return obj, false, err
	}
	if err = json.Unmarshal(data, &obj); err != nil {
		klog.V(3).InfoS("Failed to unmarshal", "resource", s.Resource, "name", s.Name, "err", err)
		return obj, false, err
	}
	return obj, true, nil
}

func (s *Store[T]) Save(obj T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client.Put(s.key(), obj)
}

// Delete removes the stored document. Deleting a missing document is not an error.
func (s *Store[T]) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client.Delete(s.key())
}
