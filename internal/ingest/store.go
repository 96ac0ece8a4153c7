package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"slotcal/internal/ics"
	"slotcal/internal/model"
)

// SourceState is everything remembered about one feed between polls.
type SourceState struct {
	Source model.ExternalCalendarSource `json:"source"`
	Name   string                       `json:"name,omitempty"`

	RawBodyHash string                    `json:"raw_body_hash,omitempty"`
	Events      []ics.Event               `json:"events,omitempty"`
	Entries     []model.ExternalBusyEntry `json:"entries,omitempty"`
	Truncated   []string                  `json:"truncated_uids,omitempty"`

	LastPolled  time.Time      `json:"last_polled,omitempty"`
	LastUpdated time.Time      `json:"last_updated,omitempty"`
	LastError   *ics.PollError `json:"last_error,omitempty"`
	Failures    int            `json:"failures,omitempty"`
	NextAttempt time.Time      `json:"next_attempt,omitempty"`
}

// CursorStore persists SourceState by source id.
type CursorStore interface {
	Load(ctx context.Context, sourceID string) (SourceState, bool, error)
	Save(ctx context.Context, st SourceState) error
	List(ctx context.Context) ([]SourceState, error)
	Close() error
}

type StoreOptions struct {
	Kind      string
	Dir       string
	RedisAddr string
	RedisDB   int
	KeyPrefix string
}

// OpenStore builds the store named by opts.Kind.
func OpenStore(ctx context.Context, opts StoreOptions) (CursorStore, error) {
	switch opts.Kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(opts.Dir)
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: opts.RedisAddr, DB: opts.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis %s: %w", opts.RedisAddr, err)
		}
		return NewRedisStore(client, opts.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown cursor store %q", opts.Kind)
	}
}

func sortStates(states []SourceState) []SourceState {
	slices.SortFunc(states, func(a, b SourceState) int {
		return strings.Compare(a.Source.SourceID, b.Source.SourceID)
	})
	return states
}

// MemoryStore keeps state for the life of the process.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]SourceState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]SourceState)}
}

func (m *MemoryStore) Load(_ context.Context, id string) (SourceState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[id]
	return st, ok, nil
}

func (m *MemoryStore) Save(_ context.Context, st SourceState) error {
	if st.Source.SourceID == "" {
		return errors.New("state without source id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.Source.SourceID] = st
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]SourceState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SourceState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st)
	}
	return sortStates(out), nil
}

func (m *MemoryStore) Close() error { return nil }

// FileStore writes one JSON document per source under dir, named by a
// hash of the source id so ids never need escaping.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = "./var/feeds"
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) pathFor(id string) string {
	sum := sha256.Sum256([]byte(id))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:8])+".json")
}

func (f *FileStore) Load(_ context.Context, id string) (SourceState, bool, error) {
	data, err := os.ReadFile(f.pathFor(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return SourceState{}, false, nil
		}
		return SourceState{}, false, err
	}
	var st SourceState
	if err := json.Unmarshal(data, &st); err != nil {
		return SourceState{}, false, fmt.Errorf("decode state %s: %w", id, err)
	}
	return st, true, nil
}

// Save writes via temp file + rename so a crash never leaves half a file.
func (f *FileStore) Save(_ context.Context, st SourceState) error {
	if st.Source.SourceID == "" {
		return errors.New("state without source id")
	}
	data, err := json.MarshalIndent(&st, "", "  ")
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tmp, err := os.CreateTemp(f.dir, ".state-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, f.pathFor(st.Source.SourceID))
}

func (f *FileStore) List(_ context.Context) ([]SourceState, error) {
	matches, err := filepath.Glob(filepath.Join(f.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	out := make([]SourceState, 0, len(matches))
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			return nil, err
		}
		var st SourceState
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("decode %s: %w", filepath.Base(m), err)
		}
		out = append(out, st)
	}
	return sortStates(out), nil
}

func (f *FileStore) Close() error { return nil }

// RedisStore keeps each state as a JSON string under prefix+sourceID.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "slotcal:feed:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(id string) string {
	return r.prefix + id
}

func (r *RedisStore) Load(ctx context.Context, id string) (SourceState, bool, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return SourceState{}, false, nil
	}
	if err != nil {
		return SourceState{}, false, err
	}
	var st SourceState
	if err := json.Unmarshal(data, &st); err != nil {
		return SourceState{}, false, fmt.Errorf("decode state %s: %w", id, err)
	}
	return st, true, nil
}

func (r *RedisStore) Save(ctx context.Context, st SourceState) error {
	if st.Source.SourceID == "" {
		return errors.New("state without source id")
	}
	data, err := json.Marshal(&st)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(st.Source.SourceID), data, 0).Err()
}

func (r *RedisStore) List(ctx context.Context) ([]SourceState, error) {
	var out []SourceState
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var st SourceState
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("decode %s: %w", iter.Val(), err)
		}
		out = append(out, st)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return sortStates(out), nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
