package contract

import (
	"fmt"
	"math/big"
)

// State is an item's position in the custody chain.
type State uint8

const (
	Manufactured State = iota
	Packed
	ForSale
	Sold
	Shipped
	Received
	Purchased
)

var stateNames = [...]string{"Manufactured", "Packed", "ForSale", "Sold", "Shipped", "Received", "Purchased"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == Purchased
}

// Item is the ledger record of one tracked good.
type Item struct {
	SKU            uint64   `json:"sku"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Price          *big.Int `json:"price"`
	Owner          Address  `json:"owner"`
	ManufacturerID Address  `json:"manufacturer_id"`
	DistributorID  Address  `json:"distributor_id"`
	RetailerID     Address  `json:"retailer_id"`
	ConsumerID     Address  `json:"consumer_id"`
	State          State    `json:"state"`
}

// Exists reports whether the item has been manufactured.
func (it *Item) Exists() bool {
	return it != nil && !it.Owner.IsEmpty()
}

// Clone returns a deep copy so callers never share the price pointer.
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	c := *it
	if it.Price != nil {
		c.Price = new(big.Int).Set(it.Price)
	}
	return &c
}
