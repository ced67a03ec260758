package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const documentsFile = "documents.db"

// Options configures a SQLStore.
type Options struct {
	// Root is the directory holding one subdirectory per namespace.
	Root string

	// Driver selects the database/sql driver: "sqlite" (modernc, pure Go) or
	// "sqlite3" (mattn, cgo).
	Driver string

	// BlobKey returns the encryption key for a namespace's blob store.
	// When nil, blobs are stored unencrypted.
	BlobKey func(namespace string) ([]byte, error)

	Logger *logrus.Entry
}

// SQLStore keeps each namespace in its own directory: a SQLite database of
// JSON documents and a Badger blob store for raw messages.
type SQLStore struct {
	opts Options
	log  *logrus.Entry

	mu   sync.Mutex
	open map[string]*namespaceDB
}

type namespaceDB struct {
	db    *sql.DB
	blobs *blobStore
}

// NewSQLStore creates the root directory and returns a store over it.
func NewSQLStore(opts Options) (*SQLStore, error) {
	if opts.Driver == "" {
		opts.Driver = "sqlite"
	}
	if opts.Driver != "sqlite" && opts.Driver != "sqlite3" {
		return nil, fmt.Errorf("unsupported sqlite driver %q", opts.Driver)
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data root: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = logrus.WithField("pkg", "store")
	}

	return &SQLStore{
		opts: opts,
		log:  log,
		open: make(map[string]*namespaceDB),
	}, nil
}

func (s *SQLStore) dsn(path string) string {
	if s.opts.Driver == "sqlite3" {
		return path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}
	return path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
}

// CreateNamespace creates the isolated storage area for a tenant.
func (s *SQLStore) CreateNamespace(ctx context.Context, namespace string) error {
	exists, err := s.NamespaceExists(ctx, namespace)
	if err != nil {
		return err
	}
	if exists {
		return ErrNamespaceExists
	}

	_, err = s.namespace(namespace, true)
	return err
}

// NamespaceExists reports whether a namespace has been created.
func (s *SQLStore) NamespaceExists(_ context.Context, namespace string) (bool, error) {
	if err := validateNamespace(namespace); err != nil {
		return false, err
	}

	_, err := os.Stat(filepath.Join(s.opts.Root, namespace, documentsFile))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat namespace: %w", err)
}

// ListNamespaces returns every namespace under the root, sorted.
func (s *SQLStore) ListNamespaces(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to read data root: %w", err)
	}

	var namespaces []string
	for _, e := range entries {
		if !e.IsDir() || validateNamespace(e.Name()) != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.opts.Root, e.Name(), documentsFile)); err == nil {
			namespaces = append(namespaces, e.Name())
		}
	}
	sort.Strings(namespaces)

	return namespaces, nil
}

// DropNamespace closes and removes a namespace with all of its data.
func (s *SQLStore) DropNamespace(ctx context.Context, namespace string) error {
	exists, err := s.NamespaceExists(ctx, namespace)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNamespaceNotFound
	}

	s.mu.Lock()
	if ns, ok := s.open[namespace]; ok {
		ns.close()
		delete(s.open, namespace)
	}
	s.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(s.opts.Root, namespace)); err != nil {
		return fmt.Errorf("failed to remove namespace: %w", err)
	}

	s.log.WithField("namespace", namespace).Info("Dropped namespace")
	return nil
}

// namespace returns the open handles for a namespace, opening them on first
// use. Unless create is set, a namespace that does not exist is an error.
func (s *SQLStore) namespace(namespace string, create bool) (*namespaceDB, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ns, ok := s.open[namespace]; ok {
		return ns, nil
	}

	dir := filepath.Join(s.opts.Root, namespace)
	dbPath := filepath.Join(dir, documentsFile)

	if !create {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return nil, ErrNamespaceNotFound
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open(s.opts.Driver, s.dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	var key []byte
	if s.opts.BlobKey != nil {
		if key, err = s.opts.BlobKey(namespace); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to get blob key: %w", err)
		}
	}

	blobs, err := openBlobStore(filepath.Join(dir, "blobs"), key, s.log)
	if err != nil {
		db.Close()
		return nil, err
	}

	ns := &namespaceDB{db: db, blobs: blobs}
	s.open[namespace] = ns

	return ns, nil
}

// Close closes every open namespace.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for name, ns := range s.open {
		if err := ns.close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		delete(s.open, name)
	}
	return errors.Join(errs...)
}

func (ns *namespaceDB) close() error {
	return errors.Join(ns.blobs.close(), ns.db.Close())
}

// CreateOne inserts a single document.
func (s *SQLStore) CreateOne(ctx context.Context, namespace string, coll Collection, doc any) error {
	return s.CreateMany(ctx, namespace, coll, []any{doc})
}

// CreateMany inserts documents in one transaction.
func (s *SQLStore) CreateMany(ctx context.Context, namespace string, coll Collection, docs []any) error {
	ns, err := s.namespace(namespace, false)
	if err != nil {
		return err
	}

	tx, err := ns.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	now := time.Now().Unix()
	for _, doc := range docs {
		body, err := json.Marshal(doc)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to encode document: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (collection, body, created_at, updated_at)
			VALUES (?, ?, ?, ?)
		`, string(coll), string(body), now, now); err != nil {
			_ = tx.Rollback()
			return wrapWriteErr("insert document", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ReadMany decodes every matching document into out, a pointer to a slice.
func (s *SQLStore) ReadMany(ctx context.Context, namespace string, coll Collection, filter Filter, out any) error {
	ns, err := s.namespace(namespace, false)
	if err != nil {
		return err
	}

	where, args, err := whereClause(coll, filter)
	if err != nil {
		return err
	}

	rows, err := ns.db.QueryContext(ctx, "SELECT body FROM documents WHERE "+where+" ORDER BY id", args...)
	if err != nil {
		return fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var bodies [][]byte
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return fmt.Errorf("failed to scan document: %w", err)
		}
		bodies = append(bodies, []byte(body))
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read documents: %w", err)
	}

	return decodeInto(bodies, out)
}

// UpdateOne replaces the first document matching filter. It reports whether a
// document matched.
func (s *SQLStore) UpdateOne(ctx context.Context, namespace string, coll Collection, filter Filter, doc any) (bool, error) {
	ns, err := s.namespace(namespace, false)
	if err != nil {
		return false, err
	}

	where, args, err := whereClause(coll, filter)
	if err != nil {
		return false, err
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("failed to encode document: %w", err)
	}

	res, err := ns.db.ExecContext(ctx, `
		UPDATE documents SET body = ?, updated_at = ?
		WHERE id = (SELECT id FROM documents WHERE `+where+` ORDER BY id LIMIT 1)
	`, append([]any{string(body), time.Now().Unix()}, args...)...)
	if err != nil {
		return false, wrapWriteErr("update document", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n > 0, nil
}

// DeleteOne removes the first document matching filter. It reports whether a
// document was removed.
func (s *SQLStore) DeleteOne(ctx context.Context, namespace string, coll Collection, filter Filter) (bool, error) {
	ns, err := s.namespace(namespace, false)
	if err != nil {
		return false, err
	}

	where, args, err := whereClause(coll, filter)
	if err != nil {
		return false, err
	}

	res, err := ns.db.ExecContext(ctx, `
		DELETE FROM documents
		WHERE id = (SELECT id FROM documents WHERE `+where+` ORDER BY id LIMIT 1)
	`, args...)
	if err != nil {
		return false, wrapWriteErr("delete document", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n > 0, nil
}

// SaveOrUpdateBlob stores data under key and returns the blob id.
func (s *SQLStore) SaveOrUpdateBlob(_ context.Context, namespace, key string, data []byte) (string, error) {
	ns, err := s.namespace(namespace, false)
	if err != nil {
		return "", err
	}
	if err := ns.blobs.put(key, data); err != nil {
		return "", err
	}
	return key, nil
}

// GetBlob returns the blob stored under id, or ErrNotFound.
func (s *SQLStore) GetBlob(_ context.Context, namespace, id string) ([]byte, error) {
	ns, err := s.namespace(namespace, false)
	if err != nil {
		return nil, err
	}
	return ns.blobs.get(id)
}

// DeleteBlob removes the blob stored under id. Missing blobs are not an error.
func (s *SQLStore) DeleteBlob(_ context.Context, namespace, id string) error {
	ns, err := s.namespace(namespace, false)
	if err != nil {
		return err
	}
	return ns.blobs.delete(id)
}

func whereClause(coll Collection, filter Filter) (string, []any, error) {
	if err := validateFilter(filter); err != nil {
		return "", nil, err
	}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := []string{"collection = ?"}
	args := []any{string(coll)}
	for _, k := range keys {
		clauses = append(clauses, "json_extract(body, ?) = ?")
		args = append(args, "$."+k, sqlValue(filter[k]))
	}

	return strings.Join(clauses, " AND "), args, nil
}

func wrapWriteErr(op string, err error) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("failed to %s: %w", op, ErrDuplicate)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
