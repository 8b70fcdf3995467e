package models

import "time"

// Transaction is a ledger transaction of the contract seen by the
// synchronizer.
type Transaction struct {
	TxHash     string    `gorm:"column:tx_hash;primaryKey;type:varchar(64)"`
	Height     int64     `gorm:"column:height;index;not null"`
	Session    uint64    `gorm:"column:session;not null"`
	ObservedAt time.Time `gorm:"column:observed_at;autoCreateTime"`

	// Relationships
	Events []Event `gorm:"foreignKey:TxHash;references:TxHash"`
}

// Event mirrors one entry of the synchronized transaction history. A
// transaction carries at most one event of a given name.
type Event struct {
	ID         uint64       `gorm:"column:id;primaryKey;autoIncrement"`
	TxHash     string       `gorm:"column:tx_hash;type:varchar(64);not null;uniqueIndex:idx_event_tx_name"`
	Name       string       `gorm:"column:name;type:varchar(32);not null;uniqueIndex:idx_event_tx_name"`
	SKU        *uint64      `gorm:"column:sku;index"`
	Actor      string       `gorm:"column:actor;type:varchar(42);index"`
	Height     int64        `gorm:"column:height;not null"`
	Session    uint64       `gorm:"column:session;not null"`
	Payload    string       `gorm:"column:payload;type:jsonb"`
	ObservedAt time.Time    `gorm:"column:observed_at;autoCreateTime"`
	Tx         *Transaction `gorm:"foreignKey:TxHash;references:TxHash"`
}
