// Package crypto derives per-tenant key material from a master secret and
// encrypts tenant credentials at rest.
package crypto

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// MinMasterKeyLen is the shortest accepted master secret.
const MinMasterKeyLen = 32

// NamespacePrefix starts every tenant namespace.
const NamespacePrefix = "tenant_"

var ErrShortMasterKey = fmt.Errorf("master key must be at least %d bytes", MinMasterKeyLen)

// SecretProvider supplies the master secret. Implementations may read it
// from a vault or KMS.
type SecretProvider interface {
	MasterKey(ctx context.Context) ([]byte, error)
}

// StaticSecret is a master secret held in memory.
type StaticSecret []byte

func (s StaticSecret) MasterKey(context.Context) ([]byte, error) {
	return []byte(s), nil
}

// FileSecret reads the master secret from a file, such as a mounted secret.
type FileSecret string

func (f FileSecret) MasterKey(context.Context) ([]byte, error) {
	b, err := os.ReadFile(string(f))
	if err != nil {
		return nil, fmt.Errorf("failed to read master key file: %w", err)
	}
	return []byte(strings.TrimSpace(string(b))), nil
}

// Keyring derives purpose-bound keys with HKDF-SHA256.
type Keyring struct {
	master []byte
}

func NewKeyring(ctx context.Context, secrets SecretProvider) (*Keyring, error) {
	master, err := secrets.MasterKey(ctx)
	if err != nil {
		return nil, err
	}
	if len(master) < MinMasterKeyLen {
		return nil, ErrShortMasterKey
	}

	return &Keyring{master: append([]byte(nil), master...)}, nil
}

func (k *Keyring) derive(purpose, subject string) ([]byte, error) {
	key := make([]byte, KeySize)

	r := hkdf.New(sha256.New, k.master, nil, []byte("inbox-connector/"+purpose+"/"+subject))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", purpose, err)
	}
	return key, nil
}

// TenantCipher returns the cipher for a tenant's credentials.
func (k *Keyring) TenantCipher(tenantID string) (*Cipher, error) {
	key, err := k.derive("tenant", tenantID)
	if err != nil {
		return nil, err
	}
	return NewCipher(key)
}

// RegistryCipher returns the cipher for tenant ids stored inside their own
// namespace, which must be readable before the tenant id is known.
func (k *Keyring) RegistryCipher() (*Cipher, error) {
	key, err := k.derive("registry", "")
	if err != nil {
		return nil, err
	}
	return NewCipher(key)
}

// BlobKey returns the blob store encryption key of a namespace.
func (k *Keyring) BlobKey(namespace string) ([]byte, error) {
	return k.derive("blob", namespace)
}

// Namespace maps a tenant id to its namespace with a keyed one-way hash.
func (k *Keyring) Namespace(tenantID string) string {
	key, err := k.derive("namespace", "")
	if err != nil {
		// HKDF only fails past 255 blocks of output.
		panic(err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(tenantID))

	return NamespacePrefix + hex.EncodeToString(mac.Sum(nil))[:32]
}

// IsNamespace reports whether name has the shape of a tenant namespace.
func IsNamespace(name string) bool {
	rest, ok := strings.CutPrefix(name, NamespacePrefix)
	if !ok || len(rest) != 32 {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}
