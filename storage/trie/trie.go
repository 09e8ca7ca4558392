package trie

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethtrie "github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/triedb"

	"lendbridge/storage"
)

// Trie wraps go-ethereum's Merkle Patricia trie over an in-memory node
// database. It is used to commit to a set of records; the records themselves
// live in the backing storage.Database and the trie is rebuilt from there.
//
// Keys are expected to be fully hashed before insertion.
//
// Trie is not safe for concurrent use.
type Trie struct {
	trieDB *triedb.Database
	trie   *gethtrie.Trie
}

// NewTrie returns an empty trie.
func NewTrie() (*Trie, error) {
	trieDB := triedb.NewDatabase(rawdb.NewMemoryDatabase(), nil)
	underlying, err := gethtrie.New(gethtrie.TrieID(gethtypes.EmptyRootHash), trieDB)
	if err != nil {
		return nil, err
	}
	return &Trie{trieDB: trieDB, trie: underlying}, nil
}

// Build loads every entry under prefix from store into a new trie, keyed by
// the entry key with the prefix stripped.
func Build(store storage.Database, prefix []byte) (*Trie, error) {
	t, err := NewTrie()
	if err != nil {
		return nil, err
	}
	err = store.Iterate(prefix, func(key, value []byte) error {
		return t.Update(key[len(prefix):], value)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Get retrieves a value from the trie for the provided key.
func (t *Trie) Get(key []byte) ([]byte, error) {
	return t.trie.Get(key)
}

// Update inserts or updates a value in the trie for the provided key.
func (t *Trie) Update(key, value []byte) error {
	return t.trie.Update(key, value)
}

// Delete removes key from the trie.
func (t *Trie) Delete(key []byte) error {
	return t.trie.Delete(key)
}

// Hash returns the root hash of the trie reflecting all in-memory mutations.
func (t *Trie) Hash() common.Hash {
	return t.trie.Hash()
}
