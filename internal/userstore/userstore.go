// Package userstore implements the server-side user repository: register,
// validate, and list operations backed by an embedded transactional KV
// store so each change is rewritten atomically.
package userstore

import (
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"gopkg.in/yaml.v3"

	"github.com/chatfabric/eventbus/internal/security"
)

// ErrUserExists is returned by Register when the username is already
// taken.
var ErrUserExists = errors.New("userstore: user already exists")

// ErrUserNotFound is returned by Validate/Get for an unknown username, and
// by Validate for a wrong password.
var ErrUserNotFound = errors.New("userstore: user not found")

// User is the persisted record for one account. Each value is stored as
// YAML inside the badger transaction — the embedded store gives atomic
// rewrite-on-change, the YAML encoding gives each record its on-disk shape.
type User struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Color        string `yaml:"color"`
	PublicKey    []byte `yaml:"public_key"`
}

const keyPrefix = "user:"

// Store is the badger-backed user repository. A single Store is safe for
// concurrent use; badger serializes transactions internally.
type Store struct {
	db *badger.DB
}

// Open opens (creating if necessary) a badger database rooted at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("userstore: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Register creates a new account with password hashed via
// security.HashPassword. It fails with ErrUserExists if the username is
// already taken — the repository never overwrites an existing account.
func (s *Store) Register(username, password, host string, port int, color string, publicKey []byte) error {
	key := []byte(keyPrefix + username)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return ErrUserExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("userstore: lookup %s: %w", username, err)
		}

		user := User{
			Username:     username,
			PasswordHash: security.HashPassword(password),
			Host:         host,
			Port:         port,
			Color:        color,
			PublicKey:    publicKey,
		}
		data, err := yaml.Marshal(user)
		if err != nil {
			return fmt.Errorf("userstore: marshal %s: %w", username, err)
		}
		return txn.Set(key, data)
	})
}

// Validate checks username/password against the stored hash.
func (s *Store) Validate(username, password string) (*User, error) {
	user, err := s.Get(username)
	if err != nil {
		return nil, err
	}
	if user.PasswordHash != security.HashPassword(password) {
		return nil, fmt.Errorf("userstore: %w: bad password for %s", ErrUserNotFound, username)
	}
	return user, nil
}

// Get retrieves a single user record by username.
func (s *Store) Get(username string) (*User, error) {
	var user User
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + username))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("userstore: get %s: %w", username, err)
		}
		return item.Value(func(val []byte) error {
			return yaml.Unmarshal(val, &user)
		})
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateEndpoint records a user's current host/port/public key after a
// successful login, so the bus has a fresh record to register.
func (s *Store) UpdateEndpoint(username, host string, port int, publicKey []byte) error {
	key := []byte(keyPrefix + username)
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return fmt.Errorf("userstore: get %s: %w", username, err)
		}
		var user User
		if err := item.Value(func(val []byte) error { return yaml.Unmarshal(val, &user) }); err != nil {
			return fmt.Errorf("userstore: unmarshal %s: %w", username, err)
		}
		user.Host, user.Port, user.PublicKey = host, port, publicKey
		data, err := yaml.Marshal(user)
		if err != nil {
			return fmt.Errorf("userstore: marshal %s: %w", username, err)
		}
		return txn.Set(key, data)
	})
}

// List returns every registered username.
func (s *Store) List() ([]string, error) {
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			names = append(names, string(it.Item().Key()[len(keyPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("userstore: list: %w", err)
	}
	return names, nil
}
