// Package model holds the persisted entities shared across the ingestion
// pipeline and the alert engine.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType identifies a decoded protocol event kind. Values are stable
// strings so they round-trip through JSON and Postgres text columns.
type EventType string

const (
	EventFtsoPriceEpochFinalized EventType = "ftso.PriceEpochFinalized"
	EventFtsoVotePowerChanged    EventType = "ftso.VotePowerChanged"
	EventFtsoRewardEpochStarted  EventType = "ftso.RewardEpochStarted"

	EventFdcAttestationRequested EventType = "fdc.AttestationRequested"
	EventFdcAttestationProved    EventType = "fdc.AttestationProved"
	EventFdcRoundFinalized       EventType = "fdc.RoundFinalized"

	EventFAssetCollateralDeposited EventType = "fasset.CollateralDeposited"
	EventFAssetCollateralWithdrawn EventType = "fasset.CollateralWithdrawn"
	EventFAssetMintingExecuted     EventType = "fasset.MintingExecuted"
	EventFAssetRedemptionRequested EventType = "fasset.RedemptionRequested"
	EventFAssetLiquidationStarted  EventType = "fasset.LiquidationStarted"

	EventGeneric EventType = "generic.Log"

	// EventAny matches any event type in a subscription filter.
	EventAny EventType = "*"
)

// IndexerCursor is the per-chain checkpoint of the ingestion pipeline.
type IndexerCursor struct {
	Chain     string    `json:"chain"`
	LastBlock int64     `json:"last_block"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IndexedEvent is a decoded, persisted log. Unique by (TxHash, LogIndex).
type IndexedEvent struct {
	ID              int64          `json:"id"`
	TxHash          string         `json:"tx_hash"`
	LogIndex        int            `json:"log_index"`
	BlockNumber     int64          `json:"block_number"`
	BlockTimestamp  time.Time      `json:"block_timestamp"`
	Chain           string         `json:"chain"`
	Address         string         `json:"address"`
	EventType       EventType      `json:"event_type"`
	DecodedData     map[string]any `json:"decoded_data"`
	IsReorged       bool           `json:"is_reorged"`
}

// FtsoPriceTick is one recorded (feed, price, timestamp) observation.
type FtsoPriceTick struct {
	ID             int64           `json:"id"`
	FeedID         string          `json:"feed_id"`
	Price          decimal.Decimal `json:"price"`
	Decimals       int             `json:"decimals"`
	BlockNumber    int64           `json:"block_number"`
	BlockTimestamp time.Time       `json:"block_timestamp"`
	EpochID        *int64          `json:"epoch_id,omitempty"`
	TxHash         string          `json:"tx_hash"`
}

// AddressType classifies a MonitoredAddress for display/UX purposes only;
// matching is always by raw address string.
type AddressType string

const (
	AddressTypeWallet   AddressType = "wallet"
	AddressTypeContract AddressType = "contract"
	AddressTypeAgent    AddressType = "fasset_agent"
)

// MonitoredAddress is lazily created on first subscription referencing it.
type MonitoredAddress struct {
	ID             uuid.UUID   `json:"id"`
	Address        string      `json:"address"`
	Chain          string      `json:"chain"`
	AddressType    AddressType `json:"address_type"`
	DetectedEvents []string    `json:"detected_events"`
}

// ChannelType is the notification transport a channel delivers over.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelEmail    ChannelType = "email"
)

// NotificationChannel is an external delivery target owned by a user.
// Must be Verified before any subscription may target it.
type NotificationChannel struct {
	ID          uuid.UUID      `json:"id"`
	UserID      uuid.UUID      `json:"user_id"`
	ChannelType ChannelType    `json:"channel_type"`
	Config      map[string]any `json:"config"`
	Verified    bool           `json:"verified"`
}

// Subscription is an (address, event_type) filter plus optional threshold
// predicate and a delivery channel.
type Subscription struct {
	ID              uuid.UUID       `json:"id"`
	UserID          uuid.UUID       `json:"user_id"`
	AddressID       uuid.UUID       `json:"address_id"`
	ChannelID       uuid.UUID       `json:"channel_id"`
	EventType       EventType       `json:"event_type"`
	ThresholdConfig map[string]any  `json:"threshold_config"`
	Active          bool            `json:"active"`

	// Address is populated by storage lookups that join monitored_addresses;
	// empty on bare Subscription rows.
	Address string `json:"-"`
}

// HysteresisState is the flap-suppression bucket for one
// (subscription_id, state_key) pair.
type HysteresisState struct {
	SubscriptionID uuid.UUID        `json:"subscription_id"`
	StateKey       string           `json:"state_key"`
	InAlert        bool             `json:"in_alert"`
	LastFireAt     *time.Time       `json:"last_fire_at,omitempty"`
	LastValue      *decimal.Decimal `json:"last_value,omitempty"`
}

// Severity classifies an Alert for downstream display/routing.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is created when the hysteresis engine fires. Immutable once written.
type Alert struct {
	ID             uuid.UUID `json:"id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	EventID        int64     `json:"event_id"`
	Severity       Severity  `json:"severity"`
	Message        string    `json:"message"`
	TriggeredAt    time.Time `json:"triggered_at"`
}

// NotificationStatus is the lifecycle state of a queued delivery job.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// Notification is created pending when an Alert is queued for delivery.
// External workers transition it to sent/failed; the core never reads back.
type Notification struct {
	ID          uuid.UUID          `json:"id"`
	AlertID     uuid.UUID          `json:"alert_id"`
	ChannelID   uuid.UUID          `json:"channel_id"`
	Status      NotificationStatus `json:"status"`
	SentAt      *time.Time         `json:"sent_at,omitempty"`
	ErrorDetail *string            `json:"error_detail,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// ChainBlock is a ring-buffer entry recording a canonical block's identity,
// used by the reorg detector to compare parent hashes across polls and to
// reseed its window from the database on startup.
type ChainBlock struct {
	Chain      string
	Height     int64
	BlockHash  string
	ParentHash string
}
