package models

import (
	"fmt"
	"time"
)

type PenaltyKind string

const (
	PenaltySuspension = PenaltyKind("suspension")
	PenaltySilence    = PenaltyKind("silence")
)

// Penalty is a suspension or silence placed on an account by an operator.
//
// ActiveKey is non-NULL only while the penalty is in force. It carries a
// unique index, so the database rejects a second active penalty of the
// same kind for one account.
type Penalty struct {
	ID        uint64      `gorm:"column:id;primarykey"`
	AccountID uint64      `gorm:"column:account_id;index;not null"`
	Kind      PenaltyKind `gorm:"column:kind;not null"`
	ActorID   uint64      `gorm:"column:actor_id;not null"`
	Reason    string      `gorm:"column:reason;not null"`
	Message   string      `gorm:"column:message"`
	CreatedAt time.Time
	ExpiresAt *time.Time `gorm:"column:expires_at"`
	LiftedAt  *time.Time `gorm:"column:lifted_at"`
	ActiveKey *string    `gorm:"column:active_key;uniqueIndex"`
}

func (Penalty) TableName() string {
	return "penalty"
}

func PenaltyActiveKey(kind PenaltyKind, accountID uint64) string {
	return fmt.Sprintf("%s/%d", kind, accountID)
}

// AuditRecord is an append-only history entry. Only Kind is ever updated, when
// penalty history is re-tagged.
type AuditRecord struct {
	ID              uint64 `gorm:"column:id;primarykey"`
	Kind            string `gorm:"column:kind;index;not null"`
	ActorID         uint64 `gorm:"column:actor_id;index"`
	TargetAccountID uint64 `gorm:"column:target_account_id;index"`
	CreatedAt       time.Time

	// human readable reason, shown to operators
	Details string         `gorm:"column:details"`
	Context map[string]any `gorm:"column:context;serializer:json"`
}

func (AuditRecord) TableName() string {
	return "audit_record"
}

type AdminConfirmation struct {
	ID            uint64 `gorm:"column:id;primarykey"`
	RequestID     string `gorm:"column:request_id;uniqueIndex;not null"`
	AccountID     uint64 `gorm:"column:account_id;index;not null"`
	RequestedByID uint64 `gorm:"column:requested_by_id;not null"`
	TokenHash     string `gorm:"column:token_hash;not null"`
	CreatedAt     time.Time
	ExpiresAt     time.Time  `gorm:"column:expires_at;not null"`
	ConfirmedAt   *time.Time `gorm:"column:confirmed_at"`
	RevokedAt     *time.Time `gorm:"column:revoked_at"`
}

func (AdminConfirmation) TableName() string {
	return "admin_confirmation"
}

type ScreeningKind string

const (
	ScreenEmail = ScreeningKind("email")
	ScreenIP    = ScreeningKind("ip")
	ScreenURL   = ScreeningKind("url")
)

// Screening blocks an email address, IP address, or URL from being used in
// new registrations.
type Screening struct {
	ID        uint64        `gorm:"column:id;primarykey"`
	Kind      ScreeningKind `gorm:"column:kind;uniqueIndex:idx_screening_kind_value;not null"`
	Value     string        `gorm:"column:value;uniqueIndex:idx_screening_kind_value;not null"`
	ActorID   uint64        `gorm:"column:actor_id"`
	CreatedAt time.Time
}

func (Screening) TableName() string {
	return "screening"
}

type ReviewableStatus string

const (
	ReviewablePending  = ReviewableStatus("pending")
	ReviewableApproved = ReviewableStatus("approved")
)

type Reviewable struct {
	ID              uint64           `gorm:"column:id;primarykey"`
	TargetAccountID uint64           `gorm:"column:target_account_id;uniqueIndex;not null"`
	Status          ReviewableStatus `gorm:"column:status;default:pending"`
	CreatedByID     uint64           `gorm:"column:created_by_id"`
	ResolvedByID    *uint64          `gorm:"column:resolved_by_id"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (Reviewable) TableName() string {
	return "reviewable"
}

// All returns every model owned by the moderation database, in migration order.
func All() []any {
	return []any{
		&Account{},
		&Group{},
		&GroupMembership{},
		&SessionToken{},
		&SecondFactor{},
		&SecurityKey{},
		&EmailToken{},
		&AccountStat{},
		&Post{},
		&SSORecord{},
		&Penalty{},
		&AuditRecord{},
		&AdminConfirmation{},
		&Screening{},
		&Reviewable{},
	}
}
