package models

import (
	"time"

	"gorm.io/gorm"
)

type Account struct {
	ID uint64 `gorm:"column:id;primarykey"`

	// these fields are automatically managed by gorm (by convention)
	CreatedAt time.Time
	UpdatedAt time.Time

	Username string `gorm:"column:username;uniqueIndex;not null"`
	Email    string `gorm:"column:email;index"`
	Name     string `gorm:"column:name"`
	Bio      string `gorm:"column:bio"`
	Website  string `gorm:"column:website"`

	// last address the account was seen from
	IPAddress             string `gorm:"column:ip_address;index"`
	RegistrationIPAddress string `gorm:"column:registration_ip_address;index"`
	LastSeenAt            *time.Time

	Admin     bool `gorm:"column:admin;default:false"`
	Moderator bool `gorm:"column:moderator;default:false"`

	TrustLevel int `gorm:"column:trust_level;default:0"`

	// when set, automatic promotion and demotion are pinned to this level
	ManualLockedTrustLevel *int `gorm:"column:manual_locked_trust_level"`

	SuspendedAt   *time.Time `gorm:"column:suspended_at"`
	SuspendedTill *time.Time `gorm:"column:suspended_till"`
	SilencedAt    *time.Time `gorm:"column:silenced_at"`
	// nil with SilencedAt set means silenced indefinitely
	SilencedTill *time.Time `gorm:"column:silenced_till"`

	Active       bool `gorm:"column:active;default:false"`
	Approved     bool `gorm:"column:approved;default:false"`
	ApprovedByID *uint64
	ApprovedAt   *time.Time
	Anonymized   bool `gorm:"column:anonymized;default:false"`
	Merged       bool `gorm:"column:merged;default:false"`

	PrimaryGroupID *uint64 `gorm:"column:primary_group_id"`
}

func (Account) TableName() string {
	return "account"
}

func (a *Account) IsSuspended(now time.Time) bool {
	return a.SuspendedTill != nil && a.SuspendedTill.After(now)
}

func (a *Account) IsSilenced(now time.Time) bool {
	if a.SilencedAt == nil {
		return false
	}
	return a.SilencedTill == nil || a.SilencedTill.After(now)
}

func (a *Account) IsStaff() bool {
	return a.Admin || a.Moderator
}

// Rank orders accounts by privilege: admins above moderators above everybody else.
func (a *Account) Rank() int {
	switch {
	case a.Admin:
		return 3
	case a.Moderator:
		return 2
	default:
		return 1
	}
}

type Group struct {
	ID        uint64 `gorm:"column:id;primarykey"`
	CreatedAt time.Time
	Name      string `gorm:"column:name;uniqueIndex;not null"`

	// automatic (system-managed) groups have their membership computed elsewhere
	Automatic bool `gorm:"column:automatic;default:false"`

	// membership grants staff capabilities; edits require an admin
	StaffOnly bool `gorm:"column:staff_only;default:false"`
}

func (Group) TableName() string {
	return "account_group"
}

type GroupMembership struct {
	GroupID   uint64 `gorm:"column:group_id;primarykey"`
	AccountID uint64 `gorm:"column:account_id;primarykey;index"`
	CreatedAt time.Time
}

func (GroupMembership) TableName() string {
	return "group_membership"
}

type SessionToken struct {
	ID         uint64 `gorm:"column:id;primarykey"`
	AccountID  uint64 `gorm:"column:account_id;index;not null"`
	TokenHash  string `gorm:"column:token_hash;uniqueIndex"`
	CreatedAt  time.Time
	LastSeenAt *time.Time
}

func (SessionToken) TableName() string {
	return "session_token"
}

type SecondFactor struct {
	ID        uint64 `gorm:"column:id;primarykey"`
	AccountID uint64 `gorm:"column:account_id;index;not null"`
	Method    string `gorm:"column:method"`
	Name      string `gorm:"column:name"`
	CreatedAt time.Time
}

func (SecondFactor) TableName() string {
	return "second_factor"
}

type SecurityKey struct {
	ID           uint64 `gorm:"column:id;primarykey"`
	AccountID    uint64 `gorm:"column:account_id;index;not null"`
	Name         string `gorm:"column:name"`
	CredentialID string `gorm:"column:credential_id"`
	CreatedAt    time.Time
}

func (SecurityKey) TableName() string {
	return "security_key"
}

// EmailToken verifies ownership of an email address during activation.
type EmailToken struct {
	ID        uint64 `gorm:"column:id;primarykey"`
	AccountID uint64 `gorm:"column:account_id;index;not null"`
	Email     string `gorm:"column:email"`
	Token     string `gorm:"column:token;uniqueIndex"`
	Confirmed bool   `gorm:"column:confirmed;default:false"`
	Expired   bool   `gorm:"column:expired;default:false"`
	CreatedAt time.Time
}

func (EmailToken) TableName() string {
	return "email_token"
}

func (t *EmailToken) IsActive(now time.Time, validity time.Duration) bool {
	return !t.Confirmed && !t.Expired && t.CreatedAt.Add(validity).After(now)
}

type AccountStat struct {
	AccountID             uint64  `gorm:"column:account_id;primarykey"`
	BounceScore           float64 `gorm:"column:bounce_score;default:0"`
	ResetBounceScoreAfter *time.Time
}

func (AccountStat) TableName() string {
	return "account_stat"
}

type Post struct {
	ID            uint64  `gorm:"column:id;primarykey"`
	AccountID     uint64  `gorm:"column:account_id;index;not null"`
	TopicID       uint64  `gorm:"column:topic_id;index"`
	ReplyToPostID *uint64 `gorm:"column:reply_to_post_id;index"`
	Raw           string  `gorm:"column:raw"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     gorm.DeletedAt `gorm:"index"`
	DeletedByID   *uint64
}

func (Post) TableName() string {
	return "post"
}

type SSORecord struct {
	ID            uint64 `gorm:"column:id;primarykey"`
	AccountID     uint64 `gorm:"column:account_id;uniqueIndex;not null"`
	ExternalID    string `gorm:"column:external_id;index"`
	ExternalEmail string `gorm:"column:external_email"`
	CreatedAt     time.Time
}

func (SSORecord) TableName() string {
	return "sso_record"
}
