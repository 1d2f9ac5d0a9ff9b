package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrConnectionNotFound indicates the ledger row does not exist
var ErrConnectionNotFound = errors.New("connection not found")

// DB wraps the SQLite connection ledger
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
	snowflake *Snowflake
}

// Connection is one ledger row
type Connection struct {
	ID               int64
	SessionID        uint64
	RemoteAddr       string
	Identity         *string
	ConnectedAt      int64 // Unix timestamp in milliseconds
	LoggedInAt       *int64
	DisconnectedAt   *int64
	DisconnectReason *string
}

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000", // wait and retry instead of failing with SQLITE_BUSY
	"PRAGMA synchronous = NORMAL",
}

// Open opens the ledger database at path and applies pending migrations.
// ":memory:" shares a single connection between readers and the writer.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	writeConn := conn
	if path == ":memory:" {
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(10)
		conn.SetMaxIdleConns(2)
		conn.SetConnMaxLifetime(5 * time.Minute)

		writeConn, err = sql.Open("sqlite", path)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to open write connection: %w", err)
		}
		writeConn.SetMaxOpenConns(1)
		writeConn.SetMaxIdleConns(1)
		writeConn.SetConnMaxLifetime(0)
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
		snowflake: NewSnowflake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(), 0),
	}

	for _, c := range db.handles() {
		if err := applyPragmas(c); err != nil {
			db.Close()
			return nil, err
		}
	}

	if err := runMigrations(db.writeConn, path); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

func (db *DB) handles() []*sql.DB {
	if db.writeConn == db.conn {
		return []*sql.DB{db.conn}
	}
	return []*sql.DB{db.conn, db.writeConn}
}

func applyPragmas(c *sql.DB) error {
	for _, p := range pragmas {
		if _, err := c.Exec(p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return nil
}

// Close closes the database connections
func (db *DB) Close() error {
	var err error
	for _, c := range db.handles() {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// InsertConnection records a newly accepted connection and returns its row ID
func (db *DB) InsertConnection(sessionID uint64, remoteAddr string, at int64) (int64, error) {
	return db.insertConnection(db.writeConn, sessionID, remoteAddr, at)
}

func (db *DB) insertConnection(e execer, sessionID uint64, remoteAddr string, at int64) (int64, error) {
	id := db.snowflake.NextID()
	_, err := e.Exec(
		"INSERT INTO Connection (id, session_id, remote_addr, connected_at) VALUES (?, ?, ?, ?)",
		id, int64(sessionID), remoteAddr, at,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert connection: %w", err)
	}
	return id, nil
}

// SetIdentity records a login on a connection row
func (db *DB) SetIdentity(id int64, identity string, at int64) error {
	return setIdentity(db.writeConn, id, identity, at)
}

func setIdentity(e execer, id int64, identity string, at int64) error {
	_, err := e.Exec("UPDATE Connection SET identity = ?, logged_in_at = ? WHERE id = ?", identity, at, id)
	return err
}

// MarkDisconnected records the end of a connection
func (db *DB) MarkDisconnected(id int64, reason string, at int64) error {
	return markDisconnected(db.writeConn, id, reason, at)
}

func markDisconnected(e execer, id int64, reason string, at int64) error {
	_, err := e.Exec(
		"UPDATE Connection SET disconnected_at = ?, disconnect_reason = ? WHERE id = ? AND disconnected_at IS NULL",
		at, reason, id,
	)
	return err
}

// CloseDanglingConnections marks rows left open by a previous process as disconnected
func (db *DB) CloseDanglingConnections(reason string) (int64, error) {
	res, err := db.writeConn.Exec(
		"UPDATE Connection SET disconnected_at = ?, disconnect_reason = ? WHERE disconnected_at IS NULL",
		nowMillis(), reason,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const connectionColumns = "id, session_id, remote_addr, identity, connected_at, logged_in_at, disconnected_at, disconnect_reason"

type scanner interface {
	Scan(dest ...any) error
}

func scanConnection(row scanner) (*Connection, error) {
	c := &Connection{}
	var sessionID int64
	if err := row.Scan(&c.ID, &sessionID, &c.RemoteAddr, &c.Identity, &c.ConnectedAt, &c.LoggedInAt, &c.DisconnectedAt, &c.DisconnectReason); err != nil {
		return nil, err
	}
	c.SessionID = uint64(sessionID)
	return c, nil
}

// GetConnection returns one ledger row
func (db *DB) GetConnection(id int64) (*Connection, error) {
	row := db.conn.QueryRow("SELECT "+connectionColumns+" FROM Connection WHERE id = ?", id)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConnectionNotFound
	}
	return c, err
}

// ListConnectionsByIdentity returns the most recent connections that logged in as identity
func (db *DB) ListConnectionsByIdentity(identity string, limit int) ([]*Connection, error) {
	rows, err := db.conn.Query(
		"SELECT "+connectionColumns+" FROM Connection WHERE identity = ? ORDER BY connected_at DESC, id DESC LIMIT ?",
		identity, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// CountOpenConnections returns the number of rows without a disconnect time
func (db *DB) CountOpenConnections() (int, error) {
	var n int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM Connection WHERE disconnected_at IS NULL").Scan(&n)
	return n, err
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
