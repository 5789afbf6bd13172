package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	BotClientStatusActive  = "ACTIVE"
	BotClientStatusRevoked = "REVOKED"
)

// BotClient is a tenant: an external worker identity authorized to ingest PR
// events and execute bot actions for the installations bound to it.
type BotClient struct {
	Id        string    `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name" gorm:"not null"`
	Status    string    `json:"status" gorm:"size:16;not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *BotClient) TableName() string { return "bot_clients" }

func (c *BotClient) BeforeCreate(tx *gorm.DB) (err error) {
	if c.Id == "" {
		c.Id = uuid.NewString()
	}
	return
}

// BotClientKey holds the HKDF-derived HMAC secret for one key id. The raw
// secret is never stored; both signer and verifier derive the same key via
// services.DeriveBotKeySecret.
type BotClientKey struct {
	KeyId        string     `json:"key_id" gorm:"primaryKey"`
	BotClientId  string     `json:"bot_client_id" gorm:"not null;index"`
	SecretHashed string     `json:"-" gorm:"size:64;not null"`
	Active       bool       `json:"active" gorm:"not null;default:true"`
	RevokedAt    *time.Time `json:"revoked_at"`
	LastUsedAt   *time.Time `json:"last_used_at"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (k *BotClientKey) TableName() string { return "bot_client_keys" }

// InstallationBinding authorizes a bot client to act on behalf of one GitHub
// App installation. Unique per (client, installation).
type InstallationBinding struct {
	Id             string    `json:"id" gorm:"primaryKey"`
	BotClientId    string    `json:"bot_client_id" gorm:"not null;index:idx_bindings_client_installation,unique"`
	InstallationId int64     `json:"installation_id" gorm:"not null;index:idx_bindings_client_installation,unique"`
	CreatedAt      time.Time `json:"created_at"`
}

func (b *InstallationBinding) TableName() string { return "bot_installation_bindings" }

func (b *InstallationBinding) BeforeCreate(tx *gorm.DB) (err error) {
	if b.Id == "" {
		b.Id = uuid.NewString()
	}
	return
}

// ReplayRecord marks an internal-auth signature as spent. The row's existence
// is the whole mechanism: the first insert wins, a conflicting insert means
// the request is a replay. Rows are never updated.
type ReplayRecord struct {
	Id          string    `json:"id" gorm:"primaryKey"`
	Signature   string    `json:"-" gorm:"size:128;uniqueIndex;not null"`
	BotClientId string    `json:"bot_client_id" gorm:"not null"`
	SeenAt      time.Time `json:"seen_at"`
}

func (r *ReplayRecord) TableName() string { return "internal_request_replays" }

func (r *ReplayRecord) BeforeCreate(tx *gorm.DB) (err error) {
	if r.Id == "" {
		r.Id = uuid.NewString()
	}
	return
}
