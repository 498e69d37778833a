package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	apperrors "github.com/Anupamvm/mCube-ai-sub004/internal/errors"
	"github.com/Anupamvm/mCube-ai-sub004/internal/models"
)

// AccountKey identifies one broker account. The registry keeps exactly
// one adapter per key.
type AccountKey struct {
	AccountID string
	Broker    models.BrokerID
}

func (k AccountKey) String() string {
	return k.AccountID + "/" + string(k.Broker)
}

// Factory constructs an adapter for an account. Factories run lazily on
// first acquisition of a key and may perform network calls (login).
type Factory func(ctx context.Context, key AccountKey) (Adapter, error)

// entry guards one adapter. The cap-1 semaphore doubles as the per-key
// lock: whoever holds the slot has exclusive use of the adapter.
type entry struct {
	sem         chan struct{}
	adapter     Adapter
	initialized bool
	removed     bool
}

// Registry owns the set of live adapters, one per account key. It
// guarantees each key's adapter is constructed once and that calls to
// it never overlap: acquiring a key blocks until the previous holder
// releases it or the caller's context expires.
type Registry struct {
	mu        sync.Mutex
	entries   map[AccountKey]*entry
	factories map[models.BrokerID]Factory
	logger    zerolog.Logger
	closed    bool
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		entries:   make(map[AccountKey]*entry),
		factories: make(map[models.BrokerID]Factory),
		logger:    logger.With().Str("component", "registry").Logger(),
	}
}

// RegisterFactory installs the constructor used for a broker's
// adapters. Factories must be registered before the first Acquire for
// that broker.
func (r *Registry) RegisterFactory(broker models.BrokerID, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[broker] = f
}

// Lease is exclusive access to one account's adapter. Callers must
// Release it when done; Release is idempotent.
type Lease struct {
	key  AccountKey
	e    *entry
	once sync.Once
}

// Adapter returns the leased adapter.
func (l *Lease) Adapter() Adapter {
	return l.e.adapter
}

// Key returns the account key the lease is for.
func (l *Lease) Key() AccountKey {
	return l.key
}

// Release returns the adapter to the registry.
func (l *Lease) Release() {
	l.once.Do(func() {
		<-l.e.sem
	})
}

// Acquire returns an exclusive lease on the adapter for key,
// constructing it on first use. It blocks while another caller holds
// the key, honoring ctx. A failed construction is not cached; the next
// Acquire retries the factory.
func (r *Registry) Acquire(ctx context.Context, key AccountKey) (*Lease, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, apperrors.ErrRegistryClosed
		}
		factory, ok := r.factories[key.Broker]
		if !ok {
			r.mu.Unlock()
			return nil, fmt.Errorf("no adapter factory registered for broker %q", key.Broker)
		}
		e, ok := r.entries[key]
		if !ok {
			e = &entry{sem: make(chan struct{}, 1)}
			r.entries[key] = e
		}
		r.mu.Unlock()

		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if e.removed {
			// Lost a race with Remove; the key has a fresh entry now.
			<-e.sem
			continue
		}

		if !e.initialized {
			adapter, err := factory(ctx, key)
			if err != nil {
				<-e.sem
				return nil, fmt.Errorf("failed to construct adapter for %s: %w", key, err)
			}
			e.adapter = adapter
			e.initialized = true
			r.logger.Info().
				Str("account", key.AccountID).
				Str("broker", string(key.Broker)).
				Msg("Adapter constructed")
		}

		return &Lease{key: key, e: e}, nil
	}
}

// Do runs fn with exclusive access to the key's adapter. The per-key
// lock is held for the full duration of fn, so calls for the same
// account never interleave. fn must not acquire the same key again.
func (r *Registry) Do(ctx context.Context, key AccountKey, fn func(Adapter) error) error {
	lease, err := r.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease.Adapter())
}

// Remove logs the adapter out and discards it. It waits for any
// in-flight call on the key to finish first. Removing an absent key is
// a no-op.
func (r *Registry) Remove(ctx context.Context, key AccountKey) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	if e.removed {
		<-e.sem
		return nil
	}
	e.removed = true

	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()

	var err error
	if e.initialized {
		err = e.adapter.Logout(ctx)
	}
	<-e.sem

	r.logger.Info().
		Str("account", key.AccountID).
		Str("broker", string(key.Broker)).
		Msg("Adapter removed")
	return err
}

// Keys returns the registered account keys in stable order.
func (r *Registry) Keys() []AccountKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]AccountKey, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Close removes every adapter and rejects further acquisitions.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	keys := make([]AccountKey, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	var firstErr error
	for _, key := range keys {
		if err := r.Remove(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
