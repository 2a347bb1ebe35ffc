package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/pattadon/promochat/internal/domain"
	"github.com/pattadon/promochat/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeRetries   = 3
	writeBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // Serializes writes so concurrent session pipelines cannot lose updates.
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		thread_id TEXT NOT NULL,
		status TEXT NOT NULL,
		context TEXT NOT NULL,
		messages_json TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		run_ids_json TEXT NOT NULL,
		last_context_json TEXT,
		last_promotions_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		segment TEXT NOT NULL DEFAULT '',
		npl_status INTEGER NOT NULL DEFAULT 0,
		credit_cards_json TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS credit_cards (
		name TEXT PRIMARY KEY,
		default_promotion TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withWriteRetry serializes a write and retries it with exponential backoff
// when SQLite reports a lock conflict.
func (s *SQLiteStore) withWriteRetry(op string, fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var err error
	for i := 0; i < writeRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) {
			return err
		}
		delay := writeBaseDelay * time.Duration(1<<i) // exponential backoff: 50ms, 100ms, 200ms
		slog.Debug("SQLite write conflict, retrying", "op", op, "attempt", i+1, "delay", delay)
		time.Sleep(delay)
	}
	return fmt.Errorf("%s after %d retries: %w", op, writeRetries, err)
}

type sessionRow struct {
	messagesJSON   string
	activityJSON   string
	runIDsJSON     string
	lastContext    sql.NullString
	lastPromotions sql.NullString
}

func marshalSession(session *domain.ChatSession) (*sessionRow, error) {
	messages, err := json.Marshal(session.Messages)
	if err != nil {
		return nil, fmt.Errorf("marshal messages: %w", err)
	}
	activity, err := json.Marshal(session.ActivityLog)
	if err != nil {
		return nil, fmt.Errorf("marshal activity log: %w", err)
	}
	runIDs, err := json.Marshal(session.RunIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal run ids: %w", err)
	}

	row := &sessionRow{
		messagesJSON: string(messages),
		activityJSON: string(activity),
		runIDsJSON:   string(runIDs),
	}
	if session.LastContext != nil {
		data, err := json.Marshal(session.LastContext)
		if err != nil {
			return nil, fmt.Errorf("marshal last context: %w", err)
		}
		row.lastContext = sql.NullString{String: string(data), Valid: true}
	}
	if session.LastPromotions != nil {
		data, err := json.Marshal(session.LastPromotions)
		if err != nil {
			return nil, fmt.Errorf("marshal last promotions: %w", err)
		}
		row.lastPromotions = sql.NullString{String: string(data), Valid: true}
	}
	return row, nil
}

func (r *sessionRow) unmarshalInto(session *domain.ChatSession) error {
	if err := json.Unmarshal([]byte(r.messagesJSON), &session.Messages); err != nil {
		return fmt.Errorf("unmarshal messages: %w", err)
	}
	if err := json.Unmarshal([]byte(r.activityJSON), &session.ActivityLog); err != nil {
		return fmt.Errorf("unmarshal activity log: %w", err)
	}
	if err := json.Unmarshal([]byte(r.runIDsJSON), &session.RunIDs); err != nil {
		return fmt.Errorf("unmarshal run ids: %w", err)
	}
	if r.lastContext.Valid {
		session.LastContext = &domain.ContextPayload{}
		if err := json.Unmarshal([]byte(r.lastContext.String), session.LastContext); err != nil {
			return fmt.Errorf("unmarshal last context: %w", err)
		}
	}
	if r.lastPromotions.Valid {
		if err := json.Unmarshal([]byte(r.lastPromotions.String), &session.LastPromotions); err != nil {
			return fmt.Errorf("unmarshal last promotions: %w", err)
		}
	}
	return nil
}

// CreateSession inserts a new session and assigns the next sequential ID.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.ChatSession) error {
	row, err := marshalSession(session)
	if err != nil {
		return err
	}

	return s.withWriteRetry("create session", func() error {
		query := `
		INSERT INTO sessions (
			user_id, thread_id, status, context,
			messages_json, activity_json, run_ids_json,
			last_context_json, last_promotions_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

		result, err := s.db.ExecContext(ctx, query,
			session.UserID, session.ThreadID, string(session.Status), session.Context.String(),
			row.messagesJSON, row.activityJSON, row.runIDsJSON,
			row.lastContext, row.lastPromotions,
			session.CreatedAt.UnixNano(), session.UpdatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}

		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("get session id: %w", err)
		}
		session.ID = id
		return nil
	})
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id int64) (*domain.ChatSession, error) {
	query := `
		SELECT id, user_id, thread_id, status, context,
		       messages_json, activity_json, run_ids_json,
		       last_context_json, last_promotions_json, created_at, updated_at
		FROM sessions WHERE id = ?`

	return s.scanSession(s.db.QueryRowContext(ctx, query, id), id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanSession(scanner rowScanner, id int64) (*domain.ChatSession, error) {
	var session domain.ChatSession
	var row sessionRow
	var status, kindName string
	var createdAt, updatedAt int64

	err := scanner.Scan(
		&session.ID, &session.UserID, &session.ThreadID, &status, &kindName,
		&row.messagesJSON, &row.activityJSON, &row.runIDsJSON,
		&row.lastContext, &row.lastPromotions, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %d: %w", id, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	session.Status = domain.SessionStatus(status)
	kind, ok := domain.ParseContextKind(kindName)
	if !ok {
		return nil, fmt.Errorf("stored context %q for session %d is not a known kind", kindName, session.ID)
	}
	session.Context = kind

	if err := row.unmarshalInto(&session); err != nil {
		return nil, err
	}

	session.CreatedAt = time.Unix(0, createdAt).UTC()
	session.UpdatedAt = time.Unix(0, updatedAt).UTC()

	return &session, nil
}

// UpdateSession persists the full current state of a session.
func (s *SQLiteStore) UpdateSession(ctx context.Context, session *domain.ChatSession) error {
	session.UpdatedAt = time.Now().UTC()
	row, err := marshalSession(session)
	if err != nil {
		return err
	}

	return s.withWriteRetry("update session", func() error {
		query := `
		UPDATE sessions SET
			user_id = ?, thread_id = ?, status = ?, context = ?,
			messages_json = ?, activity_json = ?, run_ids_json = ?,
			last_context_json = ?, last_promotions_json = ?, updated_at = ?
		WHERE id = ?`

		result, err := s.db.ExecContext(ctx, query,
			session.UserID, session.ThreadID, string(session.Status), session.Context.String(),
			row.messagesJSON, row.activityJSON, row.runIDsJSON,
			row.lastContext, row.lastPromotions,
			session.UpdatedAt.UnixNano(), session.ID,
		)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("session %d: %w", session.ID, errdefs.ErrNotFound)
		}
		return nil
	})
}

// DeleteSession removes a session.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id int64) error {
	return s.withWriteRetry("delete session", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("session %d: %w", id, errdefs.ErrNotFound)
		}
		return nil
	})
}

// ListSessionsByUser retrieves all sessions for a user, oldest first.
func (s *SQLiteStore) ListSessionsByUser(ctx context.Context, userID int64) ([]*domain.ChatSession, error) {
	query := `
		SELECT id, user_id, thread_id, status, context,
		       messages_json, activity_json, run_ids_json,
		       last_context_json, last_promotions_json, created_at, updated_at
		FROM sessions WHERE user_id = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.ChatSession
	for rows.Next() {
		session, err := s.scanSession(rows, 0)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	query := `SELECT id, name, description, segment, npl_status, credit_cards_json FROM users WHERE id = ?`
	user, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %d: %w", id, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	return user, nil
}

func scanUser(scanner rowScanner) (*domain.User, error) {
	var user domain.User
	var cardsJSON string
	if err := scanner.Scan(&user.ID, &user.Name, &user.Description, &user.Segment, &user.Delinquent, &cardsJSON); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cardsJSON), &user.CreditCards); err != nil {
		return nil, fmt.Errorf("unmarshal credit cards: %w", err)
	}
	return &user, nil
}

// ListUsers retrieves all users ordered by ID.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*domain.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, segment, npl_status, credit_cards_json FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close user rows", "error", closeErr)
		}
	}()

	var users []*domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	cards, err := json.Marshal(user.CreditCards)
	if err != nil {
		return fmt.Errorf("marshal credit cards: %w", err)
	}

	return s.withWriteRetry("upsert user", func() error {
		query := `
		INSERT INTO users (id, name, description, segment, npl_status, credit_cards_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			segment = excluded.segment,
			npl_status = excluded.npl_status,
			credit_cards_json = excluded.credit_cards_json`

		_, err := s.db.ExecContext(ctx, query,
			user.ID, user.Name, user.Description, user.Segment, user.Delinquent, string(cards))
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}

// GetCreditCard retrieves a credit-card reference record by card name.
func (s *SQLiteStore) GetCreditCard(ctx context.Context, name string) (*domain.CreditCard, error) {
	var card domain.CreditCard
	err := s.db.QueryRowContext(ctx,
		`SELECT name, default_promotion FROM credit_cards WHERE name = ?`, name,
	).Scan(&card.Name, &card.DefaultPromotion)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("credit card %q: %w", name, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan credit card row: %w", err)
	}
	return &card, nil
}

// UpsertCreditCard creates or updates a credit-card reference record.
func (s *SQLiteStore) UpsertCreditCard(ctx context.Context, card *domain.CreditCard) error {
	return s.withWriteRetry("upsert credit card", func() error {
		query := `
		INSERT INTO credit_cards (name, default_promotion) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET default_promotion = excluded.default_promotion`

		if _, err := s.db.ExecContext(ctx, query, card.Name, card.DefaultPromotion); err != nil {
			return fmt.Errorf("upsert credit card: %w", err)
		}
		return nil
	})
}
