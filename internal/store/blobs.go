package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/sirupsen/logrus"
)

// blobStore holds raw message bodies for one namespace.
type blobStore struct {
	db       *badger.DB
	gcExitCh chan struct{}
	wg       sync.WaitGroup
}

func openBlobStore(dir string, key []byte, log *logrus.Entry) (*blobStore, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(log).
		WithLoggingLevel(badger.ERROR).
		WithMemTableSize(8 << 20)

	if len(key) > 0 {
		opts = opts.WithEncryptionKey(key).WithIndexCacheSize(16 << 20)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}

	b := &blobStore{
		db:       db,
		gcExitCh: make(chan struct{}),
	}

	b.wg.Add(1)
	go b.collectGarbage()

	return b, nil
}

// collectGarbage runs value log GC periodically; Badger never runs it on its own.
func (b *blobStore) collectGarbage() {
	defer b.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for b.db.RunValueLogGC(0.5) == nil {
			}

		case <-b.gcExitCh:
			return
		}
	}
}

func (b *blobStore) put(key string, data []byte) error {
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	}); err != nil {
		return fmt.Errorf("failed to save blob: %w", err)
	}
	return nil
}

func (b *blobStore) get(key string) ([]byte, error) {
	var data []byte

	if err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}

		data, err = item.ValueCopy(nil)
		return err
	}); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}

	return data, nil
}

func (b *blobStore) delete(key string) error {
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	}); err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

func (b *blobStore) close() error {
	close(b.gcExitCh)
	b.wg.Wait()

	return b.db.Close()
}
