package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/flareemissary/emissary/internal/model"
)

// EnsureMonitoredAddress returns the id of the (address, chain) row,
// creating it lazily on first reference. A standalone upsert is enough:
// address creation has no other data to commit alongside it.
func (db *DB) EnsureMonitoredAddress(ctx context.Context, address, chain string, addrType model.AddressType) (uuid.UUID, error) {
	var id uuid.UUID
	err := db.pool.QueryRow(ctx,
		`INSERT INTO monitored_addresses (address, chain, address_type)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (address, chain) DO UPDATE SET address = EXCLUDED.address
		 RETURNING id`,
		address, chain, string(addrType),
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: ensure monitored address: %w", err)
	}
	return id, nil
}

// MonitoredAddressByID loads a monitored address by id.
func (db *DB) MonitoredAddressByID(ctx context.Context, id uuid.UUID) (model.MonitoredAddress, error) {
	var a model.MonitoredAddress
	var addrType string
	err := db.pool.QueryRow(ctx,
		`SELECT id, address, chain, address_type, detected_events FROM monitored_addresses WHERE id = $1`,
		id,
	).Scan(&a.ID, &a.Address, &a.Chain, &addrType, &a.DetectedEvents)
	if err != nil {
		return model.MonitoredAddress{}, fmt.Errorf("storage: monitored address by id: %w", err)
	}
	a.AddressType = model.AddressType(addrType)
	return a, nil
}
