package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/rendis/deriva/pkg/schema"
)

const (
	kvStatePrefix  = "state."
	kvObjectPrefix = "object."
	kvWatchBuffer  = 256
)

// KVStore implements Store on a NATS JetStream key-value bucket. State and
// object records carry their own id, so key encoding only has to be
// deterministic.
type KVStore struct {
	kv     jetstream.KeyValue
	logger *slog.Logger
}

// OpenKVStore binds to bucket, creating it when it does not exist yet.
func OpenKVStore(ctx context.Context, js jetstream.JetStream, bucket string, logger *slog.Logger) (*KVStore, error) {
	kv, err := js.KeyValue(ctx, bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "deriva states and objects",
			History:     1,
		})
		if errors.Is(err, jetstream.ErrBucketExists) {
			kv, err = js.KeyValue(ctx, bucket)
		}
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "open kv bucket %s", bucket).WithCause(err)
		}
	}
	return NewKVStore(kv, logger), nil
}

// NewKVStore wraps an existing bucket.
func NewKVStore(kv jetstream.KeyValue, logger *slog.Logger) *KVStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &KVStore{kv: kv, logger: logger}
}

func (s *KVStore) GetState(ctx context.Context, id string) (*schema.State, error) {
	entry, err := s.kv.Get(ctx, kvStatePrefix+kvKey(id))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read state %q", id).WithCause(err)
	}
	_, st, err := decodeState(entry.Value())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode state %q", id).WithCause(err)
	}
	return &st, nil
}

// SetState writes the record; subscribers learn about it through the bucket watch.
func (s *KVStore) SetState(ctx context.Context, id string, st schema.State) error {
	data, err := encodeState(id, st)
	if err != nil {
		return err
	}
	if _, err := s.kv.Put(ctx, kvStatePrefix+kvKey(id), data); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "write state %q", id).WithCause(err)
	}
	return nil
}

// Subscribe watches every state key and forwards updates of ids. The
// returned channel closes after cancel or when ctx ends.
func (s *KVStore) Subscribe(ctx context.Context, ids []string) (<-chan schema.StateChange, func(), error) {
	watchCtx, stop := context.WithCancel(ctx)
	watcher, err := s.kv.Watch(watchCtx, kvStatePrefix+">", jetstream.UpdatesOnly())
	if err != nil {
		stop()
		return nil, nil, schema.NewError(schema.ErrCodeStore, "watch states").WithCause(err)
	}

	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	out := make(chan schema.StateChange, kvWatchBuffer)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(out)
		for {
			select {
			case <-watchCtx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil || entry.Operation() != jetstream.KeyValuePut {
					continue
				}
				id, st, err := decodeState(entry.Value())
				if err != nil {
					s.logger.Warn("skipping undecodable state", "key", entry.Key(), "error", err)
					continue
				}
				if _, ok := wanted[id]; len(wanted) > 0 && !ok {
					continue
				}
				select {
				case out <- schema.StateChange{ID: id, State: st}:
				case <-watchCtx.Done():
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			stop()
			_ = watcher.Stop()
			wg.Wait()
		})
	}
	return out, cancel, nil
}

func (s *KVStore) GetObject(ctx context.Context, id string) (*schema.ObjectSpec, error) {
	entry, err := s.kv.Get(ctx, kvObjectPrefix+kvKey(id))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, storeNotFound("object", id)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read object %q", id).WithCause(err)
	}
	var obj schema.ObjectSpec
	if err := unmarshalObject(entry.Value(), &obj); err != nil {
		return nil, err
	}
	return &obj, nil
}

func (s *KVStore) EnsureObject(ctx context.Context, spec schema.ObjectSpec) error {
	if err := validObject(spec); err != nil {
		return err
	}
	data, err := marshalObject(spec)
	if err != nil {
		return err
	}
	key := kvObjectPrefix + kvKey(spec.ID)
	if spec.Type == schema.ObjectChannel {
		_, err = s.kv.Create(ctx, key, data)
		if errors.Is(err, jetstream.ErrKeyExists) {
			return nil
		}
	} else {
		_, err = s.kv.Put(ctx, key, data)
	}
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "ensure object %q", spec.ID).WithCause(err)
	}
	return nil
}

// Close is a no-op; the NATS connection belongs to the caller.
func (s *KVStore) Close() error { return nil }

// kvKey maps an id onto the NATS key alphabet [-/_=.A-Za-z0-9]. Bytes outside
// [-_.A-Za-z0-9] are written as =XX, which keeps the mapping injective. Empty
// tokens are not valid in NATS keys, so stray dots are escaped too.
func kvKey(id string) string {
	var b strings.Builder
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteByte(c)
		case c == '.' && i > 0 && i < len(id)-1 && id[i+1] != '.':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "=%02X", c)
		}
	}
	return b.String()
}
