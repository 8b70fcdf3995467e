package contract

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// Op names a contract entry point.
type Op string

const (
	OpGrantRole    Op = "grant_role"
	OpRenounceRole Op = "renounce_role"
	OpManufacture  Op = "manufacture"
	OpPack         Op = "pack"
	OpMarkForSale  Op = "mark_for_sale"
	OpBuy          Op = "buy"
	OpShip         Op = "ship"
	OpReceive      Op = "receive"
	OpPurchase     Op = "purchase"
)

// Tx is the JSON wire format of a contract call.
type Tx struct {
	Op          Op       `json:"op"`
	From        Address  `json:"from"`
	Target      Address  `json:"target"`
	Role        Role     `json:"role,omitempty"`
	SKU         uint64   `json:"sku,omitempty"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Price       *big.Int `json:"price,omitempty"`
	Payment     *big.Int `json:"payment,omitempty"`
	// Nonce keeps otherwise identical calls distinct in the mempool.
	Nonce string `json:"nonce"`
}

// NewTx returns a call of op from the given account with a fresh nonce.
func NewTx(op Op, from Address) *Tx {
	return &Tx{Op: op, From: from, Nonce: uuid.NewString()}
}

// Encode serialises the transaction for broadcasting.
func (tx *Tx) Encode() ([]byte, error) {
	return json.Marshal(tx)
}

// DecodeTx parses raw transaction bytes.
func DecodeTx(raw []byte) (*Tx, error) {
	var tx Tx
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("malformed transaction: %w", err)
	}
	return &tx, nil
}

// ValidateBasic performs the stateless checks a ledger runs before a call
// is accepted into the mempool.
func (tx *Tx) ValidateBasic() error {
	if tx.From.IsEmpty() {
		return fmt.Errorf("missing sender")
	}
	if tx.Nonce == "" {
		return fmt.Errorf("missing nonce")
	}
	switch tx.Op {
	case OpGrantRole:
		if tx.Target.IsEmpty() {
			return fmt.Errorf("missing target account")
		}
		if !tx.Role.Valid() {
			return &UnknownRoleError{Value: tx.Role.String()}
		}
	case OpRenounceRole:
		if !tx.Role.Valid() {
			return &UnknownRoleError{Value: tx.Role.String()}
		}
	case OpManufacture:
		if tx.SKU == 0 {
			return fmt.Errorf("sku must be positive")
		}
		if tx.Name == "" {
			return fmt.Errorf("missing item name")
		}
		if tx.Price == nil || tx.Price.Sign() < 0 {
			return fmt.Errorf("price must be a non-negative integer")
		}
	case OpMarkForSale:
		if tx.SKU == 0 {
			return fmt.Errorf("sku must be positive")
		}
		if tx.Price == nil || tx.Price.Sign() < 0 {
			return fmt.Errorf("price must be a non-negative integer")
		}
	case OpBuy, OpPurchase:
		if tx.SKU == 0 {
			return fmt.Errorf("sku must be positive")
		}
		if tx.Payment == nil || tx.Payment.Sign() < 0 {
			return fmt.Errorf("payment must be a non-negative integer")
		}
	case OpPack, OpShip, OpReceive:
		if tx.SKU == 0 {
			return fmt.Errorf("sku must be positive")
		}
	default:
		return fmt.Errorf("unknown operation %q", tx.Op)
	}
	return nil
}
