package registry

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"lendbridge/native/pooladapter"
	"lendbridge/storage"
	"lendbridge/storage/trie"
)

var (
	recordPrefix  = []byte("pooladapter/registry/record/")
	userPrefix    = []byte("pooladapter/registry/user/")
	addressPrefix = []byte("pooladapter/registry/address/")
)

// Record is the persisted form of a registered position.
type Record struct {
	Key                Key
	Position           common.Address
	CollateralSnapshot *big.Int
	Liquidated         *big.Int
	Borrowed           bool
	CreatedAt          uint64
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.CollateralSnapshot = cloneBig(r.CollateralSnapshot)
	out.Liquidated = cloneBig(r.Liquidated)
	return &out
}

// State converts the record to position bookkeeping.
func (r *Record) State() pooladapter.PositionState {
	return pooladapter.PositionState{
		CollateralSnapshot: cloneBig(r.CollateralSnapshot),
		Liquidated:         cloneBig(r.Liquidated),
		Borrowed:           r.Borrowed,
	}
}

// Store persists position records in a key-value database using RLP.
type Store struct {
	db storage.Database
	mu sync.RWMutex
}

// NewStore wraps db.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

// Put writes record, indexing it by user and position address on first
// insert.
func (s *Store) Put(record *Record) error {
	if s == nil || s.db == nil {
		return errors.New("registry store not initialised")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	hash := record.Key.Hash()
	_, existed, err := s.get(hash)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(record)
	if err != nil {
		return fmt.Errorf("registry: encode record: %w", err)
	}
	if err := s.db.Put(buildKey(recordPrefix, hash[:]), encoded); err != nil {
		return err
	}
	if existed {
		return nil
	}
	if err := s.db.Put(buildKey(addressPrefix, record.Position.Bytes()), hash[:]); err != nil {
		return err
	}
	return s.appendUserIndex(record.Key.User, hash)
}

// Get loads the record for hash.
func (s *Store) Get(hash [32]byte) (*Record, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("registry store not initialised")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(hash)
}

// HashByAddress resolves a position address to its key hash.
func (s *Store) HashByAddress(addr common.Address) ([32]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var hash [32]byte
	data, err := s.db.Get(buildKey(addressPrefix, addr.Bytes()))
	if errors.Is(err, storage.ErrNotFound) {
		return hash, false, nil
	}
	if err != nil {
		return hash, false, err
	}
	if len(data) != len(hash) {
		return hash, false, fmt.Errorf("registry: corrupt address index for %s", addr.Hex())
	}
	copy(hash[:], data)
	return hash, true, nil
}

// ListByUser returns the records registered for user in creation order.
func (s *Store) ListByUser(user common.Address) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hashes, err := s.loadUserIndex(user)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(hashes))
	for _, entry := range hashes {
		var hash [32]byte
		copy(hash[:], entry)
		record, ok, err := s.get(hash)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, record)
		}
	}
	return out, nil
}

// Root commits to every stored record: the root of a Merkle Patricia trie
// mapping each key hash to its RLP encoded record.
func (s *Store) Root() (common.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := trie.Build(s.db, recordPrefix)
	if err != nil {
		return common.Hash{}, fmt.Errorf("registry: build commitment: %w", err)
	}
	return t.Hash(), nil
}

func (s *Store) get(hash [32]byte) (*Record, bool, error) {
	data, err := s.db.Get(buildKey(recordPrefix, hash[:]))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var record Record
	if err := rlp.DecodeBytes(data, &record); err != nil {
		return nil, false, fmt.Errorf("registry: decode record: %w", err)
	}
	return &record, true, nil
}

func (s *Store) appendUserIndex(user common.Address, hash [32]byte) error {
	hashes, err := s.loadUserIndex(user)
	if err != nil {
		return err
	}
	entry := make([]byte, len(hash))
	copy(entry, hash[:])
	encoded, err := rlp.EncodeToBytes(append(hashes, entry))
	if err != nil {
		return err
	}
	return s.db.Put(buildKey(userPrefix, user.Bytes()), encoded)
}

func (s *Store) loadUserIndex(user common.Address) ([][]byte, error) {
	data, err := s.db.Get(buildKey(userPrefix, user.Bytes()))
	if errors.Is(err, storage.ErrNotFound) {
		return [][]byte{}, nil
	}
	if err != nil {
		return nil, err
	}
	var hashes [][]byte
	if err := rlp.DecodeBytes(data, &hashes); err != nil {
		return nil, err
	}
	return hashes, nil
}

func buildKey(prefix, suffix []byte) []byte {
	key := make([]byte, len(prefix)+len(suffix))
	copy(key, prefix)
	copy(key[len(prefix):], suffix)
	return key
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
