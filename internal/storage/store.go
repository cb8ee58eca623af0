package storage

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000

	// DefaultHistoryLimit bounds a room history reply when the caller does not
	// supply its own limit.
	DefaultHistoryLimit = 50
)

// ErrUserExists is returned when a user with the same email or phone already exists.
var ErrUserExists = errors.New("user already exists")

// ErrEmptyMessage is returned when a message carries neither text nor a file.
var ErrEmptyMessage = errors.New("message needs text or a file")

// ErrInvalidPermission is returned for permission fields outside the known set.
var ErrInvalidPermission = errors.New("invalid permission field")

// Store wraps the SQLite handle and exposes helper methods used by the server.
type Store struct {
	db *sql.DB

	// Serializes append timestamp assignment with the insert so that history
	// order always matches the order appends completed.
	appendMu sync.Mutex
}

// FileAttachment describes an uploaded artifact referenced by a message.
type FileAttachment struct {
	FileName string `json:"fileName"`
	FilePath string `json:"filePath"`
	MimeType string `json:"mimeType"`
}

// Message is one chat record in a room. Timestamps are UTC.
type Message struct {
	ID        string          `json:"id"`
	RoomID    string          `json:"roomId"`
	Sender    string          `json:"sender"`
	Text      string          `json:"text"`
	File      *FileAttachment `json:"file,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Seen      bool            `json:"seen"`
	TTL       int             `json:"ttl"`
}

// User represents a row in the users table.
type User struct {
	UserID        string    `json:"userId"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	Phone         string    `json:"phone"`
	Online        bool      `json:"online"`
	IsExports     bool      `json:"isExports"`
	IsScreenshots bool      `json:"isScreenshots"`
	CreatedAt     time.Time `json:"-"`
}

// Person is the caller-supplied identity used to find or create a user.
type Person struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "chatrelay.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			sender TEXT NOT NULL DEFAULT 'Anonymous',
			text TEXT NOT NULL DEFAULT '',
			file_name TEXT,
			file_path TEXT,
			mime_type TEXT,
			ts_nanos INTEGER NOT NULL,
			seen INTEGER NOT NULL DEFAULT 0,
			ttl INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room_ts ON messages(room_id, ts_nanos);`,
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT 'Anonymous',
			email TEXT NOT NULL UNIQUE,
			phone TEXT NOT NULL DEFAULT '',
			online INTEGER NOT NULL DEFAULT 0,
			is_exports INTEGER NOT NULL DEFAULT 0,
			is_screenshots INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS room_users (
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			PRIMARY KEY (room_id, user_id),
			FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AppendMessage persists a new message under the room, creating the room on
// first reference. The returned record carries a fresh unique identifier and
// the seen flag cleared. Messages must carry text, a file, or both.
func (s *Store) AppendMessage(ctx context.Context, roomID, sender, text string, file *FileAttachment, ttl int) (*Message, error) {
	if roomID == "" {
		return nil, errors.New("room id is required")
	}
	if text == "" && file == nil {
		return nil, ErrEmptyMessage
	}
	if sender == "" {
		sender = "Anonymous"
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	if err := s.ensureRoom(ctx, roomID); err != nil {
		return nil, err
	}

	msg := &Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Sender:    sender,
		Text:      text,
		File:      file,
		Timestamp: time.Now().UTC(),
		TTL:       ttl,
	}
	var fileName, filePath, mimeType sql.NullString
	if file != nil {
		fileName = sql.NullString{String: file.FileName, Valid: true}
		filePath = sql.NullString{String: file.FilePath, Valid: true}
		mimeType = sql.NullString{String: file.MimeType, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages(id, room_id, sender, text, file_name, file_path, mime_type, ts_nanos, seen, ttl)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		msg.ID, msg.RoomID, msg.Sender, msg.Text, fileName, filePath, mimeType, msg.Timestamp.UnixNano(), msg.TTL)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// MarkSeen sets seen=true on every message in the room whose id is in ids.
// Ids that match nothing are ignored; seen never reverts to false here.
func (s *Store) MarkSeen(ctx context.Context, roomID string, ids []string) error {
	if roomID == "" || len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(ids)+1)
	args = append(args, roomID)
	for _, id := range ids {
		args = append(args, id)
	}
	query := fmt.Sprintf(`UPDATE messages SET seen=1 WHERE room_id=? AND id IN (%s)`, placeholders)
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// DeleteMessage removes one message by id. It reports whether a row was
// actually removed so callers can treat an absent id as a benign no-op.
func (s *Store) DeleteMessage(ctx context.Context, roomID, messageID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE room_id=? AND id=?`, roomID, messageID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// History returns up to limit messages for the room, oldest first.
func (s *Store) History(ctx context.Context, roomID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, sender, text, file_name, file_path, mime_type, ts_nanos, seen, ttl
		FROM messages
		WHERE room_id = ?
		ORDER BY ts_nanos ASC, rowid ASC
		LIMIT ?`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		var (
			msg                          Message
			fileName, filePath, mimeType sql.NullString
			tsNanos                      int64
		)
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.Sender, &msg.Text, &fileName, &filePath, &mimeType, &tsNanos, &msg.Seen, &msg.TTL); err != nil {
			return nil, err
		}
		msg.Timestamp = time.Unix(0, tsNanos).UTC()
		if fileName.Valid || filePath.Valid {
			msg.File = &FileAttachment{
				FileName: fileName.String,
				FilePath: filePath.String,
				MimeType: mimeType.String,
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// RoomExists reports whether the room has ever been referenced.
func (s *Store) RoomExists(ctx context.Context, roomID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM rooms WHERE id=?`, roomID)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) ensureRoom(ctx context.Context, roomID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO rooms(id) VALUES(?)`, roomID)
	return err
}

// CreateUser inserts a new user with a server-generated short id.
// ErrUserExists is returned when the email or phone is already registered.
func (s *Store) CreateUser(ctx context.Context, name, email, phone string) (*User, error) {
	if phone != "" {
		row := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE phone=?`, phone)
		var count int
		if err := row.Scan(&count); err != nil {
			return nil, err
		}
		if count > 0 {
			return nil, ErrUserExists
		}
	}
	id, err := newShortID()
	if err != nil {
		return nil, err
	}
	user := &User{UserID: id, Name: name, Email: email, Phone: phone, CreatedAt: time.Now().UTC()}
	if user.Name == "" {
		user.Name = "Anonymous"
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO users(user_id, name, email, phone) VALUES(?, ?, ?, ?)`,
		user.UserID, user.Name, user.Email, user.Phone)
	if err != nil {
		if isConstraintError(err) {
			return nil, ErrUserExists
		}
		return nil, err
	}
	return user, nil
}

// GetUser fetches a user by id, returning nil when absent.
func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, userSelect+` WHERE user_id = ?`, userID))
}

// GetUserByEmail fetches a user by email, returning nil when absent.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, userSelect+` WHERE email = ?`, email))
}

const userSelect = `SELECT user_id, name, email, phone, online, is_exports, is_screenshots, created_at FROM users`

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var user User
	if err := row.Scan(&user.UserID, &user.Name, &user.Email, &user.Phone, &user.Online, &user.IsExports, &user.IsScreenshots, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// ListUsers returns all users ordered by creation time.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, userSelect+` ORDER BY created_at ASC, user_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.UserID, &user.Name, &user.Email, &user.Phone, &user.Online, &user.IsExports, &user.IsScreenshots, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// SetOnline flips the persisted online flag for a user. Unknown users are a no-op.
func (s *Store) SetOnline(ctx context.Context, userID string, online bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET online=? WHERE user_id=?`, online, userID)
	return err
}

// Permission field names accepted by SetPermission.
const (
	PermExports     = "isExports"
	PermScreenshots = "isScreenshots"
)

var permissionColumns = map[string]string{
	PermExports:     "is_exports",
	PermScreenshots: "is_screenshots",
}

// SetPermission toggles one of the two boolean permission flags.
func (s *Store) SetPermission(ctx context.Context, userID, field string, status bool) error {
	column, ok := permissionColumns[field]
	if !ok {
		return ErrInvalidPermission
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE users SET %s=? WHERE user_id=?`, column), status, userID)
	return err
}

// FindOrCreatePairRoom resolves both people to users (creating them on first
// sight, keyed by email) and returns a room containing exactly them, creating
// one when none exists yet. A person paired with themselves gets a
// single-member room.
func (s *Store) FindOrCreatePairRoom(ctx context.Context, person1, person2 Person) (string, []string, error) {
	user1, err := s.findOrCreateUser(ctx, person1)
	if err != nil {
		return "", nil, err
	}
	user2, err := s.findOrCreateUser(ctx, person2)
	if err != nil {
		return "", nil, err
	}
	members := []string{user1.UserID, user2.UserID}
	if user1.UserID == user2.UserID {
		members = members[:1]
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT room_id FROM room_users
		WHERE user_id IN (?, ?)
		GROUP BY room_id
		HAVING COUNT(DISTINCT user_id) = ?
		   AND (SELECT COUNT(*) FROM room_users ru WHERE ru.room_id = room_users.room_id) = ?
		LIMIT 1`, user1.UserID, user2.UserID, len(members), len(members))
	var roomID string
	err = row.Scan(&roomID)
	if err == nil {
		return roomID, members, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", nil, err
	}

	roomID = uuid.NewString()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `INSERT INTO rooms(id) VALUES(?)`, roomID); err != nil {
		return "", nil, err
	}
	for _, userID := range members {
		if _, err = tx.ExecContext(ctx, `INSERT INTO room_users(room_id, user_id) VALUES(?, ?)`, roomID, userID); err != nil {
			return "", nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		return "", nil, err
	}
	return roomID, members, nil
}

func (s *Store) findOrCreateUser(ctx context.Context, person Person) (*User, error) {
	if person.Email == "" {
		return nil, errors.New("email is required")
	}
	user, err := s.GetUserByEmail(ctx, person.Email)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}
	name := person.Name
	if name == "" {
		name = strings.SplitN(person.Email, "@", 2)[0]
	}
	return s.CreateUser(ctx, name, person.Email, person.Phone)
}

// newShortID produces a compact random user id, in the spirit of the
// short ids clients already pass around for rooms.
func newShortID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		// The driver reports extended result codes (e.g. 2067 for a UNIQUE
		// violation); the low byte carries the primary constraint code.
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
