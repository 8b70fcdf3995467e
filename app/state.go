package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ahmadzakiakmal/supplychain-provenance/contract"
	"github.com/dgraph-io/badger/v4"
)

// Key layout of the contract state in badger.
const (
	itemPrefix     = "item:"
	rolePrefix     = "role:"
	balancePrefix  = "balance:"
	accountPrefix  = "account:"
	contractKey    = "meta:contract"
	chainIDKey     = "meta:chain_id"
	lastHeightKey  = "last_block_height"
	lastAppHashKey = "last_block_app_hash"
)

func itemKey(sku uint64) []byte {
	return []byte(itemPrefix + strconv.FormatUint(sku, 10))
}

func roleKey(role contract.Role, account contract.Address) []byte {
	return []byte(rolePrefix + role.String() + ":" + account.String())
}

func balanceKey(account contract.Address) []byte {
	return []byte(balancePrefix + account.String())
}

func accountKey(account contract.Address) []byte {
	return []byte(accountPrefix + account.String())
}

// reader is the read half shared by badger transactions and the per-call
// overlay.
type reader interface {
	get(key []byte) ([]byte, bool, error)
}

type txnReader struct {
	txn *badger.Txn
}

func (r txnReader) get(key []byte) ([]byte, bool, error) {
	item, err := r.txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// callStore buffers the writes of a single contract call on top of the
// block transaction. Writes reach the block only through flush, so a
// reverted call leaves no trace.
type callStore struct {
	base   reader
	writes map[string][]byte
	order  []string
}

var _ contract.Store = (*callStore)(nil)

func newCallStore(base reader) *callStore {
	return &callStore{base: base, writes: make(map[string][]byte)}
}

func (s *callStore) get(key []byte) ([]byte, bool, error) {
	if v, ok := s.writes[string(key)]; ok {
		return v, true, nil
	}
	return s.base.get(key)
}

func (s *callStore) set(key []byte, val []byte) {
	k := string(key)
	if _, ok := s.writes[k]; !ok {
		s.order = append(s.order, k)
	}
	s.writes[k] = val
}

func (s *callStore) flush(txn *badger.Txn) error {
	for _, k := range s.order {
		if err := txn.Set([]byte(k), s.writes[k]); err != nil {
			return fmt.Errorf("write %s: %w", k, err)
		}
	}
	return nil
}

func (s *callStore) GetItem(sku uint64) (*contract.Item, error) {
	return loadItem(s, sku)
}

func (s *callStore) PutItem(it *contract.Item) error {
	raw, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("encode item %d: %w", it.SKU, err)
	}
	s.set(itemKey(it.SKU), raw)
	return nil
}

func (s *callStore) HasRole(role contract.Role, account contract.Address) (bool, error) {
	return loadRole(s, role, account)
}

func (s *callStore) SetRole(role contract.Role, account contract.Address, member bool) error {
	val := []byte{0}
	if member {
		val = []byte{1}
	}
	s.set(roleKey(role, account), val)
	s.set(accountKey(account), []byte{1})
	return nil
}

func (s *callStore) Balance(account contract.Address) (*big.Int, error) {
	return loadBalance(s, account)
}

func (s *callStore) SetBalance(account contract.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("negative balance for %s", account)
	}
	s.set(balanceKey(account), amount.Bytes())
	s.set(accountKey(account), []byte{1})
	return nil
}

func loadItem(r reader, sku uint64) (*contract.Item, error) {
	raw, ok, err := r.get(itemKey(sku))
	if err != nil || !ok {
		return nil, err
	}
	var it contract.Item
	if err := json.Unmarshal(raw, &it); err != nil {
		return nil, fmt.Errorf("decode item %d: %w", sku, err)
	}
	return &it, nil
}

func loadRole(r reader, role contract.Role, account contract.Address) (bool, error) {
	raw, ok, err := r.get(roleKey(role, account))
	if err != nil || !ok {
		return false, err
	}
	return len(raw) == 1 && raw[0] == 1, nil
}

func loadBalance(r reader, account contract.Address) (*big.Int, error) {
	raw, _, err := r.get(balanceKey(account))
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

func listAccounts(txn *badger.Txn) ([]contract.Address, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	prefix := []byte(accountPrefix)
	var accounts []contract.Address
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		key := string(it.Item().Key())
		addr, err := contract.ParseAddress(key[len(accountPrefix):])
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, addr)
	}
	return accounts, nil
}
