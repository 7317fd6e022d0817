package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	entryPrefix   = "e/"
	requestPrefix = "r/"
	seqKey        = "!seq"
	seqBandwidth  = 128
)

// BadgerConfig configures a BadgerRecorder.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	Logger   *slog.Logger
}

// BadgerRecorder persists the log in BadgerDB. Every append is a single
// transaction with synchronous writes holding the entry and its request index.
type BadgerRecorder struct {
	mu  sync.Mutex
	db  *badger.DB
	seq *badger.Sequence
	now func() time.Time
}

// OpenBadger opens or creates a durable recorder.
func OpenBadger(cfg BadgerConfig) (*BadgerRecorder, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("audit: path is required for a persistent log")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create audit directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	seq, err := db.GetSequence([]byte(seqKey), seqBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open audit sequence: %w", err)
	}
	return &BadgerRecorder{
		db:  db,
		seq: seq,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func entryKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", entryPrefix, seq))
}

// requestKeyPrefix hex-encodes the request ID so that no ID's range contains
// another's, whatever characters callers put in it.
func requestKeyPrefix(requestID string) []byte {
	return []byte(requestPrefix + hex.EncodeToString([]byte(requestID)) + "/")
}

func indexKey(requestID string, seq uint64) []byte {
	return fmt.Appendf(requestKeyPrefix(requestID), "%020d", seq)
}

// Append implements Recorder.
func (r *BadgerRecorder) Append(ctx context.Context, e Entry) (Entry, error) {
	if err := checkEntry(e); err != nil {
		return Entry{}, err
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	// The lock keeps sequence order and commit order identical.
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.seq.Next()
	if err != nil {
		return Entry{}, fmt.Errorf("failed to allocate audit sequence: %w", err)
	}
	// Badger sequences start at zero; entries start at one.
	e.Seq = n + 1
	e.Timestamp = r.now()
	e.Detail = cloneDetail(e.Detail)

	data, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to encode audit entry: %w", err)
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(entryKey(e.Seq), data); err != nil {
			return err
		}
		return txn.Set(indexKey(e.RequestID, e.Seq), entryKey(e.Seq))
	})
	if err != nil {
		return Entry{}, fmt.Errorf("failed to write audit entry %d: %w", e.Seq, err)
	}
	return e, nil
}

// ByRequest implements Recorder.
func (r *BadgerRecorder) ByRequest(ctx context.Context, requestID string) ([]Entry, error) {
	var out []Entry
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := requestKeyPrefix(requestID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			primary, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			item, err := txn.Get(primary)
			if err != nil {
				return fmt.Errorf("index points at missing entry %s: %w", primary, err)
			}
			var e Entry
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read audit trail of %s: %w", requestID, err)
	}
	return out, nil
}

// Requests implements Recorder.
func (r *BadgerRecorder) Requests(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := []byte(requestPrefix)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := string(it.Item().Key())
			// r/<hex request>/<20-digit seq>
			idx := strings.LastIndexByte(key, '/')
			if idx <= len(requestPrefix) {
				continue
			}
			id, err := hex.DecodeString(key[len(requestPrefix):idx])
			if err != nil {
				return fmt.Errorf("malformed audit index key %q: %w", key, err)
			}
			seen[string(id)] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list audited requests: %w", err)
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close releases the sequence lease and closes the database.
func (r *BadgerRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.seq.Release(), r.db.Close())
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
