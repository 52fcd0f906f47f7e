package models

import "time"

// Role is the backend-assigned role of the signed-in user.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleStaff   Role = "staff"
	RoleGuest   Role = "guest"
)

// User is the identity returned by the backend on sign-in.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

// Channel is a named communication group. Channels are owned by the
// backend; this is the locally cached copy used for display and call
// targeting while offline.
type Channel struct {
	ID        string    `json:"channel_id" gorm:"primaryKey"`
	Name      string    `json:"name"`
	Emergency bool      `json:"emergency"`
	AllowPTT  bool      `json:"allow_ptt"`
	AllowVoIP bool      `json:"allow_voip"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CallRecord is the immutable-after-write summary of a finished or
// failed call. It is created exactly once, when the call reaches its
// terminal state.
type CallRecord struct {
	ID            uint      `json:"-" gorm:"primaryKey;autoIncrement"`
	CallID        string    `json:"call_id" gorm:"uniqueIndex"`
	ChannelID     string    `json:"channel_id" gorm:"index"`
	Direction     string    `json:"direction"`
	Emergency     bool      `json:"emergency"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	Participants  int       `json:"participants"`
	Success       bool      `json:"success"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

// AuthState persists the current token pair so the daemon can resume a
// backend session across restarts. A single row (ID=1) is kept.
type AuthState struct {
	ID           uint      `json:"-" gorm:"primaryKey"`
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	Role         Role      `json:"role"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// PushSubscription is a web push endpoint of a companion UI that wants
// incoming-call notifications from this daemon.
type PushSubscription struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Endpoint  string    `json:"endpoint" gorm:"uniqueIndex"`
	P256DH    string    `json:"-"`
	Auth      string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}
