package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vovakirdan/chatsync/internal/store"
)

// Schema creates the tables used by the store.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS rooms (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS room_members (
	room_id TEXT NOT NULL,
	user_id INTEGER NOT NULL,
	PRIMARY KEY (room_id, user_id),
	FOREIGN KEY (room_id) REFERENCES rooms(id),
	FOREIGN KEY (user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS messages (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id TEXT NOT NULL,
	sender  TEXT NOT NULL,
	body    TEXT NOT NULL,
	date    REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, date DESC);
`

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New opens the database at dbPath (":memory:" works) and applies Schema.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single connection keeps an in-memory database alive and shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== UserStore implementation ====

// CreateUser creates a new user with hashed password.
func (s *SQLiteStore) CreateUser(ctx context.Context, username, passwordHash string) (*store.User, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash) VALUES (?, ?)`, username, passwordHash)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}
	return s.GetUserByID(ctx, id)
}

// GetUserByID retrieves a user by ID.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByUsername retrieves a user by username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`, username)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*store.User, error) {
	var u store.User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// ==== RoomStore implementation ====

// EnsureRoom creates the room if it does not exist and returns it.
func (s *SQLiteStore) EnsureRoom(ctx context.Context, id, name string) (*store.Room, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO rooms (id, name) VALUES (?, ?)`, id, name); err != nil {
		return nil, fmt.Errorf("insert room: %w", err)
	}
	return s.GetRoom(ctx, id)
}

// GetRoom retrieves a room by id.
func (s *SQLiteStore) GetRoom(ctx context.Context, id string) (*store.Room, error) {
	var r store.Room
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM rooms WHERE id = ?`, id).Scan(&r.ID, &r.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan room: %w", err)
	}
	return &r, nil
}

// AddMember adds a user to a room.
func (s *SQLiteStore) AddMember(ctx context.Context, userID int64, roomID string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO room_members (room_id, user_id) VALUES (?, ?)`, roomID, userID); err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// ListRooms lists the rooms a user belongs to.
func (s *SQLiteStore) ListRooms(ctx context.Context, userID int64) ([]*store.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.name
		FROM rooms r
		JOIN room_members m ON m.room_id = r.id
		WHERE m.user_id = ?
		ORDER BY r.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var rooms []*store.Room
	for rows.Next() {
		var r store.Room
		if err := rows.Scan(&r.ID, &r.Name); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, &r)
	}
	return rooms, rows.Err()
}

// ==== MessageStore implementation ====

// SaveMessage persists a message and sets its ID.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *store.Message) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (room_id, sender, body, date) VALUES (?, ?, ?, ?)`,
		msg.RoomID, msg.From, msg.Body, msg.Date)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	msg.ID = id
	return nil
}

// ListMessages returns a page of messages, newest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, roomID string, offset, size int) ([]*store.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, sender, body, date
		FROM messages
		WHERE room_id = ?
		ORDER BY date DESC, id DESC
		LIMIT ? OFFSET ?
	`, roomID, size, offset)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*store.Message
	for rows.Next() {
		var msg store.Message
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.From, &msg.Body, &msg.Date); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// HasMessages reports whether the room has any message.
func (s *SQLiteStore) HasMessages(ctx context.Context, roomID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM messages WHERE room_id = ?)`, roomID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check messages: %w", err)
	}
	return exists, nil
}
