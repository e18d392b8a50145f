// Package boltdb provides a file-backed DataSource on top of bbolt.
//
// When a passphrase is configured, values are sealed with AES-256-GCM under
// an argon2id-derived key before they touch disk; the derivation salt lives
// alongside the data so the same file can be reopened with the same
// passphrase. Without a passphrase values are stored as-is and the file
// permissions are the only protection.
package boltdb

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"golang.org/x/crypto/argon2"

	bolt "go.etcd.io/bbolt"

	"github.com/gatewise/mag/pkg/storage"
)

const backendName = "boltdb"

const (
	filePerm    = fs.FileMode(0o600)
	openTimeout = 5 * time.Second

	saltSize = 16

	// argon2id parameters for the sealing key derivation.
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	keySize      = 32
)

var (
	dataBucket = []byte("kv")
	metaBucket = []byte("meta")
	saltKey    = []byte("seal_salt")
)

// Options configures Open.
type Options struct {
	// Passphrase enables value sealing when non-empty. The caller keeps
	// ownership of the slice and may wipe it after Open returns.
	Passphrase []byte
}

// Store is a bbolt-backed DataSource.
type Store struct {
	db   *bolt.DB
	aead cipher.AEAD
}

// Open opens (creating if needed) the database at path.
func Open(path string, opts Options) (*Store, error) {
	db, err := bolt.Open(path, filePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, storage.NewError(backendName, "open", err)
	}

	s := &Store{db: db}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(dataBucket); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}

		if len(opts.Passphrase) == 0 {
			return nil
		}

		salt := meta.Get(saltKey)
		if salt == nil {
			fresh := make([]byte, saltSize)
			if _, err := rand.Read(fresh); err != nil {
				return err
			}
			if err := meta.Put(saltKey, fresh); err != nil {
				return err
			}
			salt = fresh
		}

		aead, err := newAEAD(opts.Passphrase, salt)
		if err != nil {
			return err
		}
		s.aead = aead
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, storage.NewError(backendName, "init", err)
	}

	return s, nil
}

func newAEAD(passphrase, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, keySize)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// seal encrypts value as [nonce][ciphertext+tag]. Pass-through when sealing
// is disabled.
func (s *Store) seal(value []byte) ([]byte, error) {
	if s.aead == nil {
		return value, nil
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, value, nil), nil
}

// unseal reverses seal. A wrong passphrase surfaces as an authentication
// failure here, not as garbage data.
func (s *Store) unseal(stored []byte) ([]byte, error) {
	if s.aead == nil {
		return stored, nil
	}

	if len(stored) < s.aead.NonceSize() {
		return nil, errors.New("sealed value too short")
	}
	nonce, ciphertext := stored[:s.aead.NonceSize()], stored[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("unseal failed (wrong passphrase?): %w", err)
	}
	return plain, nil
}

func (s *Store) Get(key string) ([]byte, error) {
	if s.db == nil {
		return nil, storage.ErrNotReady
	}

	var stored []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(dataBucket).Get([]byte(key))
		if v == nil {
			return storage.ErrNotFound
		}
		stored = bytes.Clone(v)
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, storage.NewError(backendName, "get", err)
	}

	plain, err := s.unseal(stored)
	if err != nil {
		return nil, storage.NewError(backendName, "get", err)
	}
	return plain, nil
}

func (s *Store) Put(key string, value []byte) error {
	if s.db == nil {
		return storage.ErrNotReady
	}

	sealed, err := s.seal(value)
	if err != nil {
		return storage.NewError(backendName, "put", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dataBucket).Put([]byte(key), sealed)
	})
	if err != nil {
		return storage.NewError(backendName, "put", err)
	}
	return nil
}

func (s *Store) Delete(key string) error {
	if s.db == nil {
		return storage.ErrNotReady
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dataBucket).Delete([]byte(key))
	})
	if err != nil {
		return storage.NewError(backendName, "delete", err)
	}
	return nil
}

func (s *Store) Keys(prefix string) ([]string, error) {
	if s.db == nil {
		return nil, storage.ErrNotReady
	}

	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(dataBucket).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, storage.NewError(backendName, "keys", err)
	}

	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Ready() bool {
	return s != nil && s.db != nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
