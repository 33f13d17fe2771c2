package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

// WindowCache persists the confirmed tail of conversation windows so that a
// cold start can render messages before the network answers.
type WindowCache interface {
	// Load returns up to limit of the newest cached messages of
	// conversationID, oldest first.
	Load(conversationID string, limit int) ([]Message, error)
	// Save upserts confirmed messages.
	Save(conversationID string, msgs []Message) error
	Close() error
}

// ErrCacheClosed is returned by PebbleCache after Close.
var ErrCacheClosed = errors.New("cache closed")

// PebbleCache is a WindowCache backed by a Pebble database.
type PebbleCache struct {
	mu     sync.RWMutex
	db     *pebble.DB
	keep   int
	closed bool
}

// DefaultCacheKeep is the number of messages kept per conversation.
const DefaultCacheKeep = 200

// OpenPebbleCache opens or creates the cache at path. opts may be nil.
func OpenPebbleCache(path string, opts *pebble.Options) (*PebbleCache, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble cache: %w", err)
	}
	return &PebbleCache{db: db, keep: DefaultCacheKeep}, nil
}

// SetKeep changes the per-conversation retention.
func (c *PebbleCache) SetKeep(n int) {
	c.mu.Lock()
	if n > 0 {
		c.keep = n
	}
	c.mu.Unlock()
}

// conv:<conversation>:msg:<created unix nanos>:<message id>
func convPrefix(conversationID string) []byte {
	return []byte(fmt.Sprintf("conv:%s:msg:", conversationID))
}

func msgKey(m *Message) []byte {
	return []byte(fmt.Sprintf("conv:%s:msg:%020d:%s", m.ConversationID, m.CreatedAt.UnixNano(), m.ID))
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (c *PebbleCache) bounds(conversationID string) *pebble.IterOptions {
	prefix := convPrefix(conversationID)
	return &pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)}
}

// Load implements WindowCache.
func (c *PebbleCache) Load(conversationID string, limit int) ([]Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrCacheClosed
	}

	iter, err := c.db.NewIter(c.bounds(conversationID))
	if err != nil {
		return nil, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	var out []Message
	for valid := iter.Last(); valid && (limit <= 0 || len(out) < limit); valid = iter.Prev() {
		var m Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("decode cached message %q: %w", iter.Key(), err)
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate cache: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Save implements WindowCache. Provisional messages are skipped.
func (c *PebbleCache) Save(conversationID string, msgs []Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}

	batch := c.db.NewBatch()
	defer batch.Close()
	for i := range msgs {
		m := msgs[i]
		if m.IsProvisional() || m.ConversationID != conversationID {
			continue
		}
		m.Progress = nil
		m.Failure = nil
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", m.ID, err)
		}
		if err := batch.Set(msgKey(&m), data, nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit cache batch: %w", err)
	}
	return c.trimLocked(conversationID)
}

// trimLocked deletes all but the newest keep messages.
func (c *PebbleCache) trimLocked(conversationID string) error {
	iter, err := c.db.NewIter(c.bounds(conversationID))
	if err != nil {
		return fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	batch := c.db.NewBatch()
	defer batch.Close()
	n := 0
	for valid := iter.Last(); valid; valid = iter.Prev() {
		n++
		if n > c.keep {
			if err := batch.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
				return err
			}
		}
	}
	if n <= c.keep {
		return nil
	}
	return batch.Commit(pebble.Sync)
}

// Close closes the database.
func (c *PebbleCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}
	c.closed = true
	return c.db.Close()
}
