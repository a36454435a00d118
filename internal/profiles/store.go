// Package profiles implements durable per-user SSH connection profiles.
// Secrets are encrypted through the vault before they touch the database;
// reads never return them except through ResolveForConnect, which is the
// internal path the connection manager uses.
package profiles

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shellgate/shellgate/internal/database"
	"github.com/shellgate/shellgate/internal/vault"
	"gorm.io/gorm"
)

const (
	AuthMethodPassword  = "password"
	AuthMethodPublicKey = "publicKey"
)

var (
	ErrNotFound     = errors.New("profile not found")
	ErrNameConflict = errors.New("a profile with this name already exists")
)

// Credentials carries the plaintext secrets for one profile, either supplied
// by the client on create or decrypted for a connect. Keep values scoped as
// tightly as possible.
type Credentials struct {
	AuthMethod string `json:"authMethod"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

// encryptedBlob is the self-describing stored form. Each present secret is
// individually encrypted; the auth method tag stays in the clear.
type encryptedBlob struct {
	AuthMethod string `json:"authMethod"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

// CreateInput is the payload for Create.
type CreateInput struct {
	ID          string
	Name        string
	Host        string
	Port        int
	Username    string
	Credentials Credentials
}

// UpdateInput is a partial update; nil fields are left untouched.
// Credentials are never updated through this path.
type UpdateInput struct {
	Name     *string
	Host     *string
	Port     *int
	Username *string
}

// ConnectTarget is the fully resolved dial target for the connection
// manager: address fields plus decrypted credentials.
type ConnectTarget struct {
	ProfileID   string
	Host        string
	Port        int
	Username    string
	Credentials Credentials
}

// Store provides user-scoped profile CRUD on top of gorm and the vault.
type Store struct {
	db    *gorm.DB
	vault *vault.Vault
}

func NewStore(db *gorm.DB, v *vault.Vault) *Store {
	return &Store{db: db, vault: v}
}

// List returns the caller's active profiles ordered by last-used descending,
// then created-at descending. The encrypted credentials column is cleared
// before the rows leave the store.
func (s *Store) List(userID string) ([]database.SSHProfile, error) {
	var rows []database.SSHProfile
	err := s.db.Where("user_id = ? AND active = ?", userID, true).
		Order("last_used DESC").Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	for i := range rows {
		rows[i].EncryptedCredentials = ""
	}
	return rows, nil
}

// Create validates the input, encrypts the secrets, and stores the profile.
// The returned row has the credentials column cleared.
func (s *Store) Create(userID string, in CreateInput) (*database.SSHProfile, error) {
	if err := validateName(in.Name); err != nil {
		return nil, err
	}
	if err := validateHost(in.Host); err != nil {
		return nil, err
	}
	if err := validatePort(in.Port); err != nil {
		return nil, err
	}
	if err := validateUsername(in.Username); err != nil {
		return nil, err
	}
	if err := validateCredentials(in.Credentials); err != nil {
		return nil, err
	}

	blob, err := s.sealCredentials(in.Credentials)
	if err != nil {
		return nil, err
	}

	if in.ID == "" {
		in.ID = uuid.NewString()
	}

	row := &database.SSHProfile{
		ID:                   in.ID,
		UserID:               userID,
		Name:                 in.Name,
		Host:                 in.Host,
		Port:                 in.Port,
		Username:             in.Username,
		AuthMethod:           in.Credentials.AuthMethod,
		EncryptedCredentials: blob,
		Active:               true,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&database.SSHProfile{}).
			Where("user_id = ? AND name = ? AND active = ?", userID, in.Name, true).
			Count(&count).Error; err != nil {
			return fmt.Errorf("check name: %w", err)
		}
		if count > 0 {
			return ErrNameConflict
		}
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("insert profile: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	row.EncryptedCredentials = ""
	return row, nil
}

// Update applies a partial update to {name, host, port, username}. At least
// one field must be supplied. Credentials are preserved untouched.
func (s *Store) Update(userID, profileID string, in UpdateInput) (*database.SSHProfile, error) {
	if in.Name == nil && in.Host == nil && in.Port == nil && in.Username == nil {
		return nil, &ValidationError{Field: "body", Message: "no updatable field supplied"}
	}

	updates := map[string]interface{}{}
	if in.Name != nil {
		if err := validateName(*in.Name); err != nil {
			return nil, err
		}
		updates["name"] = *in.Name
	}
	if in.Host != nil {
		if err := validateHost(*in.Host); err != nil {
			return nil, err
		}
		updates["host"] = *in.Host
	}
	if in.Port != nil {
		if err := validatePort(*in.Port); err != nil {
			return nil, err
		}
		updates["port"] = *in.Port
	}
	if in.Username != nil {
		if err := validateUsername(*in.Username); err != nil {
			return nil, err
		}
		updates["username"] = *in.Username
	}

	var row database.SSHProfile
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND user_id = ? AND active = ?", profileID, userID, true).
			First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("load profile: %w", err)
		}

		if in.Name != nil && *in.Name != row.Name {
			var count int64
			if err := tx.Model(&database.SSHProfile{}).
				Where("user_id = ? AND name = ? AND active = ? AND id != ?", userID, *in.Name, true, profileID).
				Count(&count).Error; err != nil {
				return fmt.Errorf("check name: %w", err)
			}
			if count > 0 {
				return ErrNameConflict
			}
		}

		if err := tx.Model(&row).Updates(updates).Error; err != nil {
			return fmt.Errorf("update profile: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	row.EncryptedCredentials = ""
	return &row, nil
}

// Delete soft-deletes a profile by clearing its active flag. The row and its
// encrypted credentials are retained.
func (s *Store) Delete(userID, profileID string) error {
	res := s.db.Model(&database.SSHProfile{}).
		Where("id = ? AND user_id = ? AND active = ?", profileID, userID, true).
		Update("active", false)
	if res.Error != nil {
		return fmt.Errorf("delete profile: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveForConnect returns the dial target with decrypted credentials and
// stamps last-used. Internal: only the connection path on behalf of the same
// user may call this.
func (s *Store) ResolveForConnect(userID, profileID string) (*ConnectTarget, error) {
	var row database.SSHProfile
	err := s.db.Where("id = ? AND user_id = ? AND active = ?", profileID, userID, true).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load profile: %w", err)
	}

	creds, err := s.openCredentials(row.EncryptedCredentials)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := s.db.Model(&row).Update("last_used", &now).Error; err != nil {
		return nil, fmt.Errorf("stamp last_used: %w", err)
	}

	return &ConnectTarget{
		ProfileID:   row.ID,
		Host:        row.Host,
		Port:        row.Port,
		Username:    row.Username,
		Credentials: creds,
	}, nil
}

func (s *Store) sealCredentials(c Credentials) (string, error) {
	blob := encryptedBlob{AuthMethod: c.AuthMethod}
	var err error
	if c.Password != "" {
		if blob.Password, err = s.vault.Encrypt(c.Password); err != nil {
			return "", err
		}
	}
	if c.PrivateKey != "" {
		if blob.PrivateKey, err = s.vault.Encrypt(c.PrivateKey); err != nil {
			return "", err
		}
	}
	if c.Passphrase != "" {
		if blob.Passphrase, err = s.vault.Encrypt(c.Passphrase); err != nil {
			return "", err
		}
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return "", fmt.Errorf("marshal credentials: %w", err)
	}
	return string(data), nil
}

func (s *Store) openCredentials(stored string) (Credentials, error) {
	var blob encryptedBlob
	if err := json.Unmarshal([]byte(stored), &blob); err != nil {
		return Credentials{}, fmt.Errorf("parse credentials blob: %w", err)
	}
	creds := Credentials{AuthMethod: blob.AuthMethod}
	var err error
	if blob.Password != "" {
		if creds.Password, err = s.vault.Decrypt(blob.Password); err != nil {
			return Credentials{}, err
		}
	}
	if blob.PrivateKey != "" {
		if creds.PrivateKey, err = s.vault.Decrypt(blob.PrivateKey); err != nil {
			return Credentials{}, err
		}
	}
	if blob.Passphrase != "" {
		if creds.Passphrase, err = s.vault.Decrypt(blob.Passphrase); err != nil {
			return Credentials{}, err
		}
	}
	return creds, nil
}
