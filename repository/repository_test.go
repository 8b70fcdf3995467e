package repository

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ahmadzakiakmal/supplychain-provenance/contract"
	"github.com/ahmadzakiakmal/supplychain-provenance/eventsync"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToModel(t *testing.T) {
	ev := eventsync.Event{
		Name:   contract.EventSold,
		TxHash: "ab12",
		Height: 7,
		Payload: map[string]string{
			contract.AttrSKU:   "100",
			contract.AttrActor: "0x00000000000000000000000000000000000000d1",
		},
		Session: 3,
	}

	record, err := toModel(ev)
	require.NoError(t, err)
	require.NotNil(t, record.SKU)
	assert.Equal(t, uint64(100), *record.SKU)
	assert.Equal(t, "0x00000000000000000000000000000000000000d1", record.Actor)
	assert.Equal(t, int64(7), record.Height)
	assert.Equal(t, uint64(3), record.Session)
	assert.JSONEq(t, `{"sku":"100","actor":"0x00000000000000000000000000000000000000d1"}`, record.Payload)
}

func TestToModelWithoutSKU(t *testing.T) {
	record, err := toModel(eventsync.Event{Name: contract.EventRoleGranted, Payload: map[string]string{contract.AttrRole: "Retailer"}})
	require.NoError(t, err)
	assert.Nil(t, record.SKU)

	_, err = toModel(eventsync.Event{Name: contract.EventPacked, Payload: map[string]string{contract.AttrSKU: "x"}})
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	ev := eventsync.Event{Name: contract.EventPacked, TxHash: "ff"}

	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: PgErrUniqueViolation})
	repoErr := classify(unique, "Failed to record event", ev)
	assert.Equal(t, CodeEventExists, repoErr.Code)

	fk := &pgconn.PgError{Code: PgErrForeignKeyViolation, Message: "violates foreign key"}
	repoErr = classify(fk, "Failed to record event", ev)
	assert.Equal(t, CodeDatabase, repoErr.Code)
	assert.Contains(t, repoErr.Detail, "ff")

	repoErr = classify(errors.New("conn reset"), "Failed to record event", ev)
	assert.Equal(t, CodeDatabase, repoErr.Code)
	assert.Equal(t, "Failed to record event", repoErr.Message)
	assert.EqualError(t, repoErr, "DATABASE_ERROR: Failed to record event: conn reset")
}
