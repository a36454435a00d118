package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shellgate/shellgate/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabaseURL
	if dir := filepath.Dir(strings.TrimPrefix(dbPath, "file:")); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := Migrate(DB); err != nil {
		return err
	}

	return nil
}

// Migrate applies the schema to the given connection. Split out from Init so
// tests can migrate an in-memory database.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&User{}, &SSHProfile{}, &TerminalSession{}, &AIQuery{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// User helpers

func CreateUser(user *User) error {
	user.Email = strings.ToLower(user.Email)
	return DB.Create(user).Error
}

func GetUserByEmail(email string) (*User, error) {
	var u User
	if err := DB.Where("email = ?", strings.ToLower(email)).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func GetUserByID(id string) (*User, error) {
	var u User
	if err := DB.Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func UserEmailTaken(email string) (bool, error) {
	var count int64
	err := DB.Model(&User{}).Where("email = ?", strings.ToLower(email)).Count(&count).Error
	return count > 0, err
}

func TouchLastLogin(id string) error {
	now := time.Now()
	return DB.Model(&User{}).Where("id = ?", id).Update("last_login", &now).Error
}

func UpdateUserPreferences(id string, preferences string) error {
	return DB.Model(&User{}).Where("id = ?", id).Update("preferences", preferences).Error
}

// Terminal session helpers

func UpsertTerminalSession(s *TerminalSession) error {
	return DB.Save(s).Error
}

func GetTerminalSession(id string) (*TerminalSession, error) {
	var s TerminalSession
	if err := DB.Where("id = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func UpdateSessionStatus(id, status string) error {
	return DB.Model(&TerminalSession{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":        status,
		"last_activity": time.Now(),
	}).Error
}

// ListLiveSessions returns this user's sessions whose status is not
// "disconnected", newest first.
func ListLiveSessions(userID string) ([]TerminalSession, error) {
	var sessions []TerminalSession
	err := DB.Where("user_id = ? AND status != ?", userID, "disconnected").
		Order("created_at DESC").Find(&sessions).Error
	return sessions, err
}

// ListSessions returns all of this user's session rows, newest first,
// including disconnected history.
func ListSessions(userID string) ([]TerminalSession, error) {
	var sessions []TerminalSession
	err := DB.Where("user_id = ?", userID).Order("created_at DESC").Find(&sessions).Error
	return sessions, err
}

// OrphanLiveSessions marks sessions stuck in a live status as errored.
// Sessions are pinned to the process that opened them, so any live row whose
// last activity predates the given cutoff was orphaned by a crash or restart.
func OrphanLiveSessions(cutoff time.Time) (int64, error) {
	res := DB.Model(&TerminalSession{}).
		Where("status IN ? AND last_activity < ?", []string{"connecting", "connected", "reconnecting"}, cutoff).
		Updates(map[string]interface{}{"status": "error", "last_activity": time.Now()})
	return res.RowsAffected, res.Error
}

// AI query helpers

func CreateAIQuery(q *AIQuery) error {
	return DB.Create(q).Error
}
