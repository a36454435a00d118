package database

import "time"

// User is a registered account. Email is stored lower-cased so lookups are
// case-insensitive. Preferences is an opaque JSON blob the gateway persists
// verbatim for the client.
type User struct {
	ID           string     `gorm:"primaryKey;size:36" json:"id"`
	Email        string     `gorm:"uniqueIndex;not null;size:255" json:"email"`
	Name         string     `gorm:"not null;size:128" json:"name"`
	PasswordHash string     `gorm:"not null" json:"-"`
	Preferences  string     `gorm:"type:text;not null;default:'{}'" json:"-"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	LastLogin    *time.Time `json:"last_login"`
}

// SSHProfile is the durable record of how to dial an SSH target. Credentials
// are stored as one opaque encrypted blob and never serialized to clients.
// Deletion is soft: Active is cleared and the row retained.
type SSHProfile struct {
	ID                   string     `gorm:"primaryKey;size:36" json:"id"`
	UserID               string     `gorm:"index;not null;size:36" json:"user_id"`
	Name                 string     `gorm:"not null;size:128" json:"name"`
	Host                 string     `gorm:"not null;size:255" json:"host"`
	Port                 int        `gorm:"not null;default:22" json:"port"`
	Username             string     `gorm:"not null;size:128" json:"username"`
	AuthMethod           string     `gorm:"not null;size:16" json:"auth_method"`
	EncryptedCredentials string     `gorm:"type:text;not null" json:"-"`
	Active               bool       `gorm:"not null;default:true" json:"-"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	LastUsed             *time.Time `json:"last_used"`

	User User `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}

// TerminalSession is the durable record of a client-visible terminal tab.
// The ID is supplied by the client when the session is opened. Rows are
// retained after disconnect for history listing.
type TerminalSession struct {
	ID           string    `gorm:"primaryKey;size:64" json:"id"`
	UserID       string    `gorm:"index;not null;size:36" json:"user_id"`
	ProfileID    string    `gorm:"index;not null;size:36" json:"profile_id"`
	Status       string    `gorm:"not null;default:disconnected;size:16" json:"status"`
	Title        string    `gorm:"size:128" json:"title"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	LastActivity time.Time `json:"last_activity"`

	User    User       `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	Profile SSHProfile `gorm:"foreignKey:ProfileID;constraint:OnDelete:CASCADE" json:"-"`
}

// AIQuery records one assistant exchange for auditing. SessionID is nulled
// when the referenced session row is deleted.
type AIQuery struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	UserID      string    `gorm:"index;not null;size:36" json:"user_id"`
	SessionID   *string   `gorm:"index;size:64" json:"session_id"`
	Prompt      string    `gorm:"type:text;not null" json:"prompt"`
	RawResponse string    `gorm:"type:text" json:"-"`
	Commands    string    `gorm:"type:text;not null;default:'[]'" json:"commands"`
	Explanation string    `gorm:"type:text" json:"explanation"`
	Warnings    string    `gorm:"type:text;not null;default:'[]'" json:"warnings"`
	Confidence  float64   `gorm:"not null;default:0" json:"confidence"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`

	User    User             `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	Session *TerminalSession `gorm:"foreignKey:SessionID;constraint:OnDelete:SET NULL" json:"-"`
}
