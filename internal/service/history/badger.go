package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/zhouzirui/voice-relay/backend/internal/model/conversation"
)

const (
	keySeparator  = ":"
	maxTxnRetries = 8
)

// BadgerOptions configures the BadgerDB-backed store.
type BadgerOptions struct {
	// Dir holds the data files. Required unless InMemory is set.
	Dir string
	// InMemory runs badger without disk persistence (tests).
	InMemory bool
	// Logger overrides badger's logger; nil routes badger output through the
	// standard logger at warning level and above.
	Logger badger.Logger
}

// BadgerStore persists conversations in BadgerDB.
//
// Layout:
//
//	conv:<session>:meta          -> JSON conversationMeta
//	conv:<session>:msg:<seq%020d> -> JSON conversation.Exchange
//
// The zero padded sequence keeps exchanges in append order under
// lexicographic iteration.
type BadgerStore struct {
	db *badger.DB
	// appendMu serializes sequence allocation within this process.
	appendMu sync.Mutex
}

type conversationMeta struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Count     uint64    `json:"count"`
}

// NewBadgerStore opens (or creates) the badger database.
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("history: BadgerOptions.Dir is required for on-disk mode")
	}

	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	if opts.Logger != nil {
		dbOpts = dbOpts.WithLogger(opts.Logger)
	} else {
		dbOpts = dbOpts.WithLogger(badgerLogger{})
	}

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Create writes an empty conversation record.
func (s *BadgerStore) Create(_ context.Context, sessionID string) (conversation.Conversation, error) {
	sessionID, err := validateSessionID(sessionID)
	if err != nil {
		return conversation.Conversation{}, err
	}

	now := time.Now().UTC()
	meta := conversationMeta{SessionID: sessionID, CreatedAt: now, UpdatedAt: now}

	err = s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(metaKey(sessionID)); err == nil {
			return ErrConversationExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return putJSON(txn, metaKey(sessionID), meta)
	})
	if err != nil {
		return conversation.Conversation{}, err
	}

	return conversation.Conversation{
		SessionID: sessionID,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []conversation.Exchange{},
	}, nil
}

// Append stores the exchange under the next sequence number.
func (s *BadgerStore) Append(_ context.Context, sessionID string, exchange conversation.Exchange) error {
	sessionID, err := validateSessionID(sessionID)
	if err != nil {
		return err
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	now := time.Now().UTC()
	if exchange.Timestamp.IsZero() {
		exchange.Timestamp = now
	}

	return s.update(func(txn *badger.Txn) error {
		meta, err := readMeta(txn, sessionID)
		if errors.Is(err, badger.ErrKeyNotFound) {
			meta = conversationMeta{SessionID: sessionID, CreatedAt: now}
		} else if err != nil {
			return err
		}

		if err := putJSON(txn, messageKey(sessionID, meta.Count), exchange); err != nil {
			return err
		}
		meta.Count++
		meta.UpdatedAt = now
		return putJSON(txn, metaKey(sessionID), meta)
	})
}

// Recent returns the trailing limit exchanges, oldest first.
func (s *BadgerStore) Recent(_ context.Context, sessionID string, limit int) ([]conversation.Exchange, error) {
	if limit <= 0 {
		return []conversation.Exchange{}, nil
	}
	sessionID, err := validateSessionID(sessionID)
	if err != nil {
		return nil, err
	}

	var out []conversation.Exchange
	err = s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = readTail(txn, sessionID, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get loads the conversation with at most limit trailing exchanges
// (limit <= 0 loads all of them).
func (s *BadgerStore) Get(_ context.Context, sessionID string, limit int) (conversation.Conversation, error) {
	sessionID, err := validateSessionID(sessionID)
	if err != nil {
		return conversation.Conversation{}, err
	}

	var conv conversation.Conversation
	err = s.db.View(func(txn *badger.Txn) error {
		meta, err := readMeta(txn, sessionID)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrConversationMissing
		}
		if err != nil {
			return err
		}

		n := limit
		if n <= 0 || uint64(n) > meta.Count {
			n = int(meta.Count)
		}
		messages, err := readTail(txn, sessionID, n)
		if err != nil {
			return err
		}

		conv = conversation.Conversation{
			SessionID: meta.SessionID,
			CreatedAt: meta.CreatedAt,
			UpdatedAt: meta.UpdatedAt,
			Messages:  messages,
		}
		return nil
	})
	return conv, err
}

// Delete removes every key of the conversation.
func (s *BadgerStore) Delete(_ context.Context, sessionID string) (bool, error) {
	sessionID, err := validateSessionID(sessionID)
	if err != nil {
		return false, err
	}

	prefix := sessionPrefix(sessionID)
	var keys [][]byte
	err = s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if len(keys) == 0 {
		return false, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return false, err
		}
	}
	if err := wb.Flush(); err != nil {
		return false, err
	}
	return true, nil
}

// Close releases the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxTxnRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func readMeta(txn *badger.Txn, sessionID string) (conversationMeta, error) {
	var meta conversationMeta
	item, err := txn.Get(metaKey(sessionID))
	if err != nil {
		return meta, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &meta)
	})
	return meta, err
}

// readTail walks the message keys backwards and returns up to n exchanges
// in append order.
func readTail(txn *badger.Txn, sessionID string, n int) ([]conversation.Exchange, error) {
	out := make([]conversation.Exchange, 0, n)
	if n <= 0 {
		return out, nil
	}

	prefix := messagePrefix(sessionID)
	iterOpts := badger.DefaultIteratorOptions
	iterOpts.Reverse = true
	iterOpts.Prefix = prefix
	it := txn.NewIterator(iterOpts)
	defer it.Close()

	seek := append(append([]byte{}, prefix...), 0xFF)
	for it.Seek(seek); it.ValidForPrefix(prefix) && len(out) < n; it.Next() {
		var ex conversation.Exchange
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &ex)
		}); err != nil {
			return nil, err
		}
		out = append(out, ex)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func putJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func validateSessionID(sessionID string) (string, error) {
	sessionID, err := normalizeSessionID(sessionID)
	if err != nil {
		return "", err
	}
	if strings.Contains(sessionID, keySeparator) {
		return "", fmt.Errorf("invalid session id %q: must not contain %q", sessionID, keySeparator)
	}
	return sessionID, nil
}

func sessionPrefix(sessionID string) []byte {
	return []byte("conv" + keySeparator + sessionID + keySeparator)
}

func metaKey(sessionID string) []byte {
	return append(sessionPrefix(sessionID), "meta"...)
}

func messagePrefix(sessionID string) []byte {
	return append(sessionPrefix(sessionID), "msg"+keySeparator...)
}

func messageKey(sessionID string, seq uint64) []byte {
	return append(messagePrefix(sessionID), fmt.Sprintf("%020d", seq)...)
}

// badgerLogger forwards badger's warnings and errors to the standard logger.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any)   { log.Printf("[history] badger error: "+format, args...) }
func (badgerLogger) Warningf(format string, args ...any) { log.Printf("[history] badger warning: "+format, args...) }
func (badgerLogger) Infof(string, ...any)                {}
func (badgerLogger) Debugf(string, ...any)               {}
