package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lendbridge/native/pooladapter"
)

var (
	ErrInvalidKey        = errors.New("registry: invalid position key")
	ErrAlreadyRegistered = errors.New("registry: position already registered")
	ErrNotFound          = errors.New("registry: position not found")
	ErrUnknownConverter  = errors.New("registry: unknown converter")
)

// Converter binds a converter address to the market its positions use.
type Converter struct {
	Market        pooladapter.Market
	MarketAddress common.Address
	Rewards       pooladapter.Rewards
}

// Registry is the borrow manager: it creates, persists and serialises access
// to positions, keeping at most one position per Key.
type Registry struct {
	mu         sync.Mutex
	store      *Store
	controller pooladapter.Controller
	deps       pooladapter.Deps
	converters map[common.Address]Converter
	handles    map[[32]byte]*Handle
	now        func() time.Time

	// exec serialises operations across positions when they share a
	// journal, since a journal revision covers the whole ledger and market.
	exec sync.Mutex
}

// New builds a registry over store.
func New(store *Store, controller pooladapter.Controller, deps pooladapter.Deps) (*Registry, error) {
	if store == nil || controller == nil {
		return nil, errors.New("registry: store and controller required")
	}
	return &Registry{
		store:      store,
		controller: controller,
		deps:       deps,
		converters: make(map[common.Address]Converter),
		handles:    make(map[[32]byte]*Handle),
		now:        time.Now,
	}, nil
}

// RegisterConverter makes converter available to new positions.
func (r *Registry) RegisterConverter(addr common.Address, conv Converter) error {
	if addr == (common.Address{}) || conv.Market == nil {
		return fmt.Errorf("%w: converter and market required", ErrInvalidKey)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.converters[addr] = conv
	return nil
}

// Converters lists the registered converter addresses.
func (r *Registry) Converters() []common.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]common.Address, 0, len(r.converters))
	for addr := range r.converters {
		out = append(out, addr)
	}
	return out
}

// Exclusive runs fn while no position operation is in flight. Out of band
// mutations of the shared ledger or markets must go through it so a failing
// position operation cannot revert them.
func (r *Registry) Exclusive(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.exec.Lock()
	defer r.exec.Unlock()
	return fn()
}

// Loaded reports how many positions are held in memory.
func (r *Registry) Loaded() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Root returns the commitment over all persisted positions. It changes
// whenever a position is registered or its bookkeeping changes.
func (r *Registry) Root() (common.Hash, error) {
	return r.store.Root()
}

// GetOrCreate returns the position for key, creating and initialising it on
// first use. The boolean reports whether the position was created.
func (r *Registry) GetOrCreate(ctx context.Context, key Key) (*Handle, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, err := r.load(key.Hash())
	if err != nil {
		return nil, false, err
	}
	if handle != nil {
		return handle, false, nil
	}
	handle, err = r.create(key)
	if err != nil {
		return nil, false, err
	}
	return handle, true, nil
}

// Register creates the position for key and fails if it already exists.
func (r *Registry) Register(ctx context.Context, key Key) (*Handle, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, err := r.load(key.Hash())
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAlreadyRegistered
	}
	return r.create(key)
}

// Lookup returns the position registered for key.
func (r *Registry) Lookup(key Key) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, err := r.load(key.Hash())
	if err != nil {
		return nil, err
	}
	if handle == nil {
		return nil, ErrNotFound
	}
	return handle, nil
}

// LookupAddress returns the position with custody address addr.
func (r *Registry) LookupAddress(addr common.Address) (*Handle, error) {
	hash, ok, err := r.store.HashByAddress(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, err := r.load(hash)
	if err != nil {
		return nil, err
	}
	if handle == nil {
		return nil, ErrNotFound
	}
	return handle, nil
}

// ListByUser returns the keys of every position opened for user.
func (r *Registry) ListByUser(user common.Address) ([]Key, error) {
	records, err := r.store.ListByUser(user)
	if err != nil {
		return nil, err
	}
	keys := make([]Key, 0, len(records))
	for _, rec := range records {
		keys = append(keys, rec.Key)
	}
	return keys, nil
}

// load returns the cached handle for hash, restoring it from the store when
// needed. It returns nil when the position does not exist.
func (r *Registry) load(hash [32]byte) (*Handle, error) {
	if handle, ok := r.handles[hash]; ok {
		return handle, nil
	}
	record, ok, err := r.store.Get(hash)
	if err != nil || !ok {
		return nil, err
	}
	conv, ok := r.converters[record.Key.Converter]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConverter, record.Key.Converter.Hex())
	}
	position, err := pooladapter.Restore(record.Position, r.deps, r.initParams(record.Key, conv), record.State())
	if err != nil {
		return nil, err
	}
	handle := &Handle{key: record.Key, position: position, registry: r, createdAt: record.CreatedAt}
	r.handles[hash] = handle
	return handle, nil
}

func (r *Registry) create(key Key) (*Handle, error) {
	conv, ok := r.converters[key.Converter]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConverter, key.Converter.Hex())
	}
	position := pooladapter.New(key.PositionAddress(), r.deps)
	if err := position.Initialize(r.initParams(key, conv)); err != nil {
		return nil, err
	}
	handle := &Handle{key: key, position: position, registry: r, createdAt: uint64(r.now().Unix())}
	if err := r.store.Put(handle.record()); err != nil {
		return nil, err
	}
	r.handles[key.Hash()] = handle
	r.logger().Info("pool adapter position registered",
		slog.String("position", position.Address().Hex()),
		slog.String("user", key.User.Hex()),
		slog.String("converter", key.Converter.Hex()))
	return handle, nil
}

func (r *Registry) initParams(key Key, conv Converter) pooladapter.InitParams {
	return pooladapter.InitParams{
		Controller:      r.controller,
		Market:          conv.Market,
		MarketAddress:   conv.MarketAddress,
		Rewards:         conv.Rewards,
		Converter:       key.Converter,
		User:            key.User,
		CollateralAsset: key.CollateralAsset,
		BorrowAsset:     key.BorrowAsset,
	}
}

func (r *Registry) logger() *slog.Logger {
	if r.deps.Logger != nil {
		return r.deps.Logger
	}
	return slog.Default()
}

// Handle gives serialised access to one position.
type Handle struct {
	mu        sync.Mutex
	key       Key
	position  *pooladapter.Position
	registry  *Registry
	createdAt uint64
}

func (h *Handle) Key() Key                { return h.key }
func (h *Handle) Address() common.Address { return h.position.Address() }
func (h *Handle) CreatedAt() time.Time    { return time.Unix(int64(h.createdAt), 0).UTC() }

// Do runs fn with exclusive access to the position and persists the
// position's bookkeeping afterwards. The bookkeeping is persisted even when
// fn fails so the store never lags behind the in-memory position.
func (h *Handle) Do(ctx context.Context, fn func(*pooladapter.Position) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if h.registry.deps.Journal != nil {
		h.registry.exec.Lock()
		defer h.registry.exec.Unlock()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	before := h.position.State()
	runErr := fn(h.position)
	if after := h.position.State(); !sameState(before, after) {
		if err := h.registry.store.Put(h.record()); err != nil {
			return errors.Join(runErr, fmt.Errorf("registry: persist position: %w", err))
		}
	}
	return runErr
}

// View runs fn with exclusive access without persisting anything.
func (h *Handle) View(ctx context.Context, fn func(*pooladapter.Position) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if h.registry.deps.Journal != nil {
		h.registry.exec.Lock()
		defer h.registry.exec.Unlock()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return fn(h.position)
}

func (h *Handle) record() *Record {
	state := h.position.State()
	return &Record{
		Key:                h.key,
		Position:           h.position.Address(),
		CollateralSnapshot: state.CollateralSnapshot,
		Liquidated:         state.Liquidated,
		Borrowed:           state.Borrowed,
		CreatedAt:          h.createdAt,
	}
}

func sameState(a, b pooladapter.PositionState) bool {
	return a.Borrowed == b.Borrowed &&
		a.CollateralSnapshot.Cmp(b.CollateralSnapshot) == 0 &&
		a.Liquidated.Cmp(b.Liquidated) == 0
}
