package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUserExists is returned when registering an already-taken username.
	ErrUserExists = errors.New("store: username already taken")
	// ErrUserNotFound is returned when no user has the given username.
	ErrUserNotFound = errors.New("store: user not found")
	// ErrBadCredentials is returned when the password does not match.
	ErrBadCredentials = errors.New("store: wrong credentials")
)

// User is a registered account, without credential material.
type User struct {
	ID        string
	Username  string
	CreatedAt time.Time
}

// userRecord is the on-disk shape, including the bcrypt hash.
type userRecord struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
}

const userKeyPrefix = "user:name:"

// UserStore persists accounts in BadgerDB, keyed by username.
type UserStore struct {
	db *badger.DB
}

// NewUserStore creates a UserStore on top of an open Badger instance.
func NewUserStore(db *badger.DB) *UserStore {
	return &UserStore{db: db}
}

// Create hashes the password and persists a new user. The username must not
// already exist.
func (s *UserStore) Create(username, password string) (User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("store: hash password: %w", err)
	}

	rec := userRecord{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return User{}, fmt.Errorf("store: marshal user: %w", err)
	}

	key := []byte(userKeyPrefix + username)
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return ErrUserExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		if errors.Is(err, ErrUserExists) {
			return User{}, ErrUserExists
		}
		return User{}, fmt.Errorf("store: create user: %w", err)
	}
	return rec.user(), nil
}

// Authenticate checks the username/password pair and returns the account.
func (s *UserStore) Authenticate(username, password string) (User, error) {
	rec, err := s.get(username)
	if err != nil {
		return User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrBadCredentials
	}
	return rec.user(), nil
}

// List returns every registered user.
func (s *UserStore) List() ([]User, error) {
	prefix := []byte(userKeyPrefix)
	var users []User

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec userRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				users = append(users, rec.user())
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	return users, nil
}

func (s *UserStore) get(username string) (userRecord, error) {
	var rec userRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(userKeyPrefix + username))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return userRecord{}, ErrUserNotFound
	}
	if err != nil {
		return userRecord{}, fmt.Errorf("store: get user: %w", err)
	}
	return rec, nil
}

func (r userRecord) user() User {
	return User{ID: r.ID, Username: r.Username, CreatedAt: r.CreatedAt}
}
