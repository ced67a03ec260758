package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// Collection names a typed document collection inside a tenant namespace.
type Collection string

const (
	CollectionInfo        Collection = "info"
	CollectionUsers       Collection = "users"
	CollectionMails       Collection = "mails"
	CollectionAttachments Collection = "attachments"
)

// Filter matches documents whose top-level fields equal the given values.
// Values must be strings or bools.
type Filter map[string]any

var (
	ErrNotFound          = errors.New("document not found")
	ErrDuplicate         = errors.New("duplicate document")
	ErrNamespaceNotFound = errors.New("namespace not found")
	ErrNamespaceExists   = errors.New("namespace already exists")
)

var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// uniqueKeys mirrors the unique indexes in schema.sql.
var uniqueKeys = map[Collection][]string{
	CollectionInfo:        {"_id"},
	CollectionUsers:       {"user_id"},
	CollectionMails:       {"user_id", "message_id"},
	CollectionAttachments: {"user_id", "message_id", "attachment_id"},
}

func validateFilter(filter Filter) error {
	for k, v := range filter {
		if !fieldName.MatchString(k) {
			return fmt.Errorf("invalid filter field %q", k)
		}
		switch v.(type) {
		case string, bool:
		default:
			return fmt.Errorf("unsupported filter value for %q: %T", k, v)
		}
	}
	return nil
}

func validateNamespace(namespace string) error {
	if !fieldName.MatchString(namespace) {
		return fmt.Errorf("invalid namespace %q", namespace)
	}
	return nil
}

// decodeInto unmarshals a list of JSON documents into out, which must be a
// pointer to a slice.
func decodeInto(bodies [][]byte, out any) error {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, b := range bodies {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(b)
	}
	buf.WriteByte(']')

	if err := json.Unmarshal(buf.Bytes(), out); err != nil {
		return fmt.Errorf("failed to decode documents: %w", err)
	}
	return nil
}

// matches reports whether the JSON document satisfies every filter field.
func matches(body []byte, filter Filter) (bool, error) {
	if len(filter) == 0 {
		return true, nil
	}

	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return false, fmt.Errorf("failed to decode document: %w", err)
	}

	for k, want := range filter {
		if fields[k] != want {
			return false, nil
		}
	}
	return true, nil
}

// keyOf returns the unique key of a document for its collection, or "" when
// the collection has no unique key.
func keyOf(coll Collection, body []byte) (string, error) {
	keys, ok := uniqueKeys[coll]
	if !ok {
		return "", nil
	}

	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", fmt.Errorf("failed to decode document: %w", err)
	}

	parts := make([]any, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fields[k])
	}

	key, err := json.Marshal(parts)
	if err != nil {
		return "", err
	}
	return string(key), nil
}

// sqlValue converts a filter value to what json_extract yields for it.
func sqlValue(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}
