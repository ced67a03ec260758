package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Store. It enforces the same unique keys as the
// SQLite schema and is used for tests and throwaway runs.
type Memory struct {
	mu         sync.Mutex
	namespaces map[string]*memNamespace
}

type memNamespace struct {
	nextID int
	docs   map[Collection][]memDoc
	blobs  map[string][]byte
}

type memDoc struct {
	id   int
	body []byte
}

func NewMemory() *Memory {
	return &Memory{namespaces: make(map[string]*memNamespace)}
}

func (m *Memory) CreateNamespace(_ context.Context, namespace string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.namespaces[namespace]; ok {
		return ErrNamespaceExists
	}
	m.namespaces[namespace] = &memNamespace{
		docs:  make(map[Collection][]memDoc),
		blobs: make(map[string][]byte),
	}
	return nil
}

func (m *Memory) NamespaceExists(_ context.Context, namespace string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.namespaces[namespace]
	return ok, nil
}

func (m *Memory) ListNamespaces(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.namespaces))
	for name := range m.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) DropNamespace(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.namespaces[namespace]; !ok {
		return ErrNamespaceNotFound
	}
	delete(m.namespaces, namespace)
	return nil
}

func (m *Memory) ns(namespace string) (*memNamespace, error) {
	ns, ok := m.namespaces[namespace]
	if !ok {
		return nil, ErrNamespaceNotFound
	}
	return ns, nil
}

func (m *Memory) CreateOne(ctx context.Context, namespace string, coll Collection, doc any) error {
	return m.CreateMany(ctx, namespace, coll, []any{doc})
}

func (m *Memory) CreateMany(_ context.Context, namespace string, coll Collection, docs []any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, err := m.ns(namespace)
	if err != nil {
		return err
	}

	bodies := make([][]byte, 0, len(docs))
	for _, doc := range docs {
		body, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to encode document: %w", err)
		}
		if err := ns.checkUnique(coll, body, -1, bodies); err != nil {
			return err
		}
		bodies = append(bodies, body)
	}

	for _, body := range bodies {
		ns.nextID++
		ns.docs[coll] = append(ns.docs[coll], memDoc{id: ns.nextID, body: body})
	}
	return nil
}

func (m *Memory) ReadMany(_ context.Context, namespace string, coll Collection, filter Filter, out any) error {
	if err := validateFilter(filter); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ns, err := m.ns(namespace)
	if err != nil {
		return err
	}

	var bodies [][]byte
	for _, d := range ns.docs[coll] {
		ok, err := matches(d.body, filter)
		if err != nil {
			return err
		}
		if ok {
			bodies = append(bodies, d.body)
		}
	}
	return decodeInto(bodies, out)
}

func (m *Memory) UpdateOne(_ context.Context, namespace string, coll Collection, filter Filter, doc any) (bool, error) {
	if err := validateFilter(filter); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ns, err := m.ns(namespace)
	if err != nil {
		return false, err
	}

	idx, err := ns.find(coll, filter)
	if err != nil || idx < 0 {
		return false, err
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("failed to encode document: %w", err)
	}
	if err := ns.checkUnique(coll, body, idx, nil); err != nil {
		return false, err
	}

	ns.docs[coll][idx].body = body
	return true, nil
}

func (m *Memory) DeleteOne(_ context.Context, namespace string, coll Collection, filter Filter) (bool, error) {
	if err := validateFilter(filter); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ns, err := m.ns(namespace)
	if err != nil {
		return false, err
	}

	idx, err := ns.find(coll, filter)
	if err != nil || idx < 0 {
		return false, err
	}

	docs := ns.docs[coll]
	ns.docs[coll] = append(docs[:idx:idx], docs[idx+1:]...)
	return true, nil
}

func (m *Memory) SaveOrUpdateBlob(_ context.Context, namespace, key string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, err := m.ns(namespace)
	if err != nil {
		return "", err
	}
	ns.blobs[key] = append([]byte(nil), data...)
	return key, nil
}

func (m *Memory) GetBlob(_ context.Context, namespace, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, err := m.ns(namespace)
	if err != nil {
		return nil, err
	}
	data, ok := ns.blobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) DeleteBlob(_ context.Context, namespace, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, err := m.ns(namespace)
	if err != nil {
		return err
	}
	delete(ns.blobs, id)
	return nil
}

func (m *Memory) Close() error { return nil }

func (ns *memNamespace) find(coll Collection, filter Filter) (int, error) {
	for i, d := range ns.docs[coll] {
		ok, err := matches(d.body, filter)
		if err != nil {
			return -1, err
		}
		if ok {
			return i, nil
		}
	}
	return -1, nil
}

// checkUnique rejects body when its unique key collides with a stored
// document other than the one at skip, or with a pending insert.
func (ns *memNamespace) checkUnique(coll Collection, body []byte, skip int, pending [][]byte) error {
	key, err := keyOf(coll, body)
	if err != nil || key == "" {
		return err
	}

	for i, d := range ns.docs[coll] {
		if i == skip {
			continue
		}
		other, err := keyOf(coll, d.body)
		if err != nil {
			return err
		}
		if other == key {
			return fmt.Errorf("failed to write document: %w", ErrDuplicate)
		}
	}

	for _, p := range pending {
		other, err := keyOf(coll, p)
		if err != nil {
			return err
		}
		if other == key {
			return fmt.Errorf("failed to write document: %w", ErrDuplicate)
		}
	}
	return nil
}
