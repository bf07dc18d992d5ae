package account

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/trustgate/internal/retry"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

const (
	commitAttempts  = 4
	commitBaseDelay = 15 * time.Millisecond
)

// PostgresStore implements Store backed by PostgreSQL. Tables are created by
// the goose migrations in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

const accountColumns = `id, username, trust_score, state, created_at, updated_at`

const eventColumns = `seq, event_id, account_id, session_id, event_type, severity, source,
	occurred_at, payload, recorded_at`

func scanAccount(row rowScanner) (*Account, error) {
	a := &Account{}
	var state string
	if err := row.Scan(&a.ID, &a.Username, &a.TrustScore, &state, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.State = State(state)
	return a, nil
}

func scanEvent(row rowScanner) (*Event, error) {
	ev := &Event{}
	var session sql.NullString
	var typ, severity, source string
	var payload []byte
	if err := row.Scan(&ev.Seq, &ev.ID, &ev.AccountID, &session, &typ, &severity, &source,
		&ev.OccurredAt, &payload, &ev.RecordedAt); err != nil {
		return nil, err
	}
	ev.SessionID = session.String
	ev.Type = EventType(typ)
	ev.Severity = Severity(severity)
	ev.Source = Source(source)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", ev.ID, err)
		}
	}
	return ev, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// isSerializationFailure reports serialization and deadlock aborts that are
// safe to retry as a whole transaction.
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && (pqErr.Code == "40001" || pqErr.Code == "40P01")
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	a, err := scanAccount(p.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, storageErr("get account", err)
	}
	return a, nil
}

func (p *PostgresStore) EnsureAccount(ctx context.Context, acct *Account) (*Account, error) {
	if _, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (id, username, trust_score, state)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, acct.ID, acct.Username, ClampTrust(acct.TrustScore), string(acct.State)); err != nil {
		return nil, storageErr("ensure account", err)
	}
	return p.GetAccount(ctx, acct.ID)
}

func (p *PostgresStore) UpdateAccount(ctx context.Context, id string, upd Update) (*Account, error) {
	var score sql.NullInt64
	var state sql.NullString
	if upd.TrustScore != nil {
		score = sql.NullInt64{Int64: int64(ClampTrust(*upd.TrustScore)), Valid: true}
	}
	if upd.State != nil {
		state = sql.NullString{String: string(*upd.State), Valid: true}
	}
	a, err := scanAccount(p.db.QueryRowContext(ctx, `
		UPDATE accounts
		SET trust_score = COALESCE($2, trust_score),
		    state       = COALESCE($3, state),
		    updated_at  = NOW()
		WHERE id = $1
		RETURNING `+accountColumns, id, score, state))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, storageErr("update account", err)
	}
	return a, nil
}

func (p *PostgresStore) ListAccounts(ctx context.Context, q AccountQuery) ([]*Account, error) {
	var (
		where []string
		args  []any
	)
	if q.State != "" {
		args = append(args, string(q.State))
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}
	if c := q.Cursor; c != nil {
		args = append(args, c.CreatedAt, c.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	query := `SELECT ` + accountColumns + ` FROM accounts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list accounts", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, storageErr("scan account", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list accounts", err)
	}
	return out, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// insertEvent appends ev and fills in its store-assigned Seq and RecordedAt.
func insertEvent(ctx context.Context, db queryRower, ev *Event) error {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	var session sql.NullString
	if ev.SessionID != "" {
		session = sql.NullString{String: ev.SessionID, Valid: true}
	}
	err = db.QueryRowContext(ctx, `
		INSERT INTO account_events (
			event_id, account_id, session_id, event_type, severity, source, occurred_at, payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq, recorded_at
	`, ev.ID, ev.AccountID, session, string(ev.Type), string(ev.Severity), string(ev.Source),
		ev.OccurredAt, raw).Scan(&ev.Seq, &ev.RecordedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateEvent
	}
	return err
}

func (p *PostgresStore) AppendEvent(ctx context.Context, ev *Event) error {
	if err := insertEvent(ctx, p.db, ev); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			return err
		}
		return storageErr("append event", err)
	}
	return nil
}

// filterClause renders f as SQL predicates appended to args.
func filterClause(f EventFilter, args []any) (string, []any) {
	var b strings.Builder
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		args = append(args, pq.Array(types))
		fmt.Fprintf(&b, " AND event_type = ANY($%d)", len(args))
	}
	for k, v := range f.Payload {
		args = append(args, k, v)
		fmt.Fprintf(&b, " AND payload->>($%d::text) = $%d", len(args)-1, len(args))
	}
	return b.String(), args
}

func (p *PostgresStore) FindLatestEvent(ctx context.Context, accountID string, f EventFilter) (*Event, error) {
	clause, args := filterClause(f, []any{accountID})
	ev, err := scanEvent(p.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM account_events
		WHERE account_id = $1`+clause+`
		ORDER BY occurred_at DESC, seq DESC
		LIMIT 1`, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("find latest event", err)
	}
	return ev, nil
}

func countEvents(ctx context.Context, db queryRower, accountID string, f EventFilter, since time.Time) (int, error) {
	clause, args := filterClause(f, []any{accountID, since})
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM account_events
		WHERE account_id = $1 AND occurred_at >= $2`+clause, args...).Scan(&n)
	return n, err
}

func (p *PostgresStore) CountEvents(ctx context.Context, accountID string, f EventFilter, since time.Time) (int, error) {
	n, err := countEvents(ctx, p.db, accountID, f, since)
	if err != nil {
		return 0, storageErr("count events", err)
	}
	return n, nil
}

func (p *PostgresStore) ListEvents(ctx context.Context, q EventQuery) ([]*Event, error) {
	var args []any
	query := `SELECT ` + eventColumns + ` FROM account_events`
	if q.AccountID != "" {
		args = append(args, q.AccountID)
		query += ` WHERE account_id = $1`
	}
	query += ` ORDER BY occurred_at DESC, seq DESC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list events", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, storageErr("scan event", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list events", err)
	}
	return out, nil
}

// Commit locks the account row for the length of the transaction, so
// concurrent commits for one account apply in turn and each mutation sees the
// previous one's result. Deadlock and serialization aborts retry the whole
// transaction, mutate included.
func (p *PostgresStore) Commit(ctx context.Context, ev *Event, provision *Account, mutate Mutation) (*Account, error) {
	return p.withRetry(ctx, func() (*Account, error) {
		return p.commitOnce(ctx, ev, provision, mutate)
	})
}

// Mutate applies the update produced by mutate to an existing account under
// a row lock. No event is appended.
func (p *PostgresStore) Mutate(ctx context.Context, id string, mutate Mutation) (*Account, error) {
	return p.withRetry(ctx, func() (*Account, error) {
		return p.mutateOnce(ctx, id, mutate)
	})
}

// withRetry reruns fn on serialization failures; any other error is final.
func (p *PostgresStore) withRetry(ctx context.Context, fn func() (*Account, error)) (*Account, error) {
	var out *Account
	err := retry.Do(ctx, commitAttempts, commitBaseDelay, func() error {
		a, err := fn()
		if err != nil {
			if isSerializationFailure(err) {
				return err
			}
			return retry.Permanent(err)
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// commitOnce wraps every database failure in ErrStorage; sentinel and
// mutation errors pass through unchanged.
func (p *PostgresStore) commitOnce(ctx context.Context, ev *Event, provision *Account, mutate Mutation) (*Account, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, storageErr("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if provision != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (id, username, trust_score, state)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO NOTHING
		`, ev.AccountID, provision.Username, ClampTrust(provision.TrustScore), string(provision.State)); err != nil {
			return nil, storageErr("provision account", err)
		}
	}

	current, err := lockAccount(ctx, tx, ev.AccountID)
	if err != nil {
		return nil, err
	}

	var upd *Update
	if mutate != nil {
		if upd, err = mutate(*current); err != nil {
			return nil, err
		}
	}

	if err := insertEvent(ctx, tx, ev); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			return nil, err
		}
		return nil, storageErr("append event", err)
	}

	if err := writeAccount(ctx, tx, current, upd); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit", err)
	}
	return current, nil
}

func (p *PostgresStore) mutateOnce(ctx context.Context, id string, mutate Mutation) (*Account, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, storageErr("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := lockAccount(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	upd, err := mutate(*current)
	if err != nil {
		return nil, err
	}
	if upd.Empty() {
		return current, nil
	}
	if err := writeAccount(ctx, tx, current, upd); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit", err)
	}
	return current, nil
}

func lockAccount(ctx context.Context, tx *sql.Tx, id string) (*Account, error) {
	a, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, storageErr("lock account", err)
	}
	return a, nil
}

// writeAccount applies upd to the locked row and to current.
func writeAccount(ctx context.Context, tx *sql.Tx, current *Account, upd *Update) error {
	if upd.Empty() {
		return nil
	}
	current.apply(upd)
	if err := tx.QueryRowContext(ctx, `
		UPDATE accounts SET trust_score = $2, state = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, current.ID, current.TrustScore, string(current.State)).Scan(&current.UpdatedAt); err != nil {
		return storageErr("update account", err)
	}
	return nil
}

// AppendIfUnder serializes on a transaction-scoped advisory lock derived from
// the account and filter, so the count and the append see the same window.
func (p *PostgresStore) AppendIfUnder(ctx context.Context, ev *Event, f EventFilter, since time.Time, max int) (int, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, storageErr("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text))`, lockKey(ev.AccountID, f)); err != nil {
		return 0, false, storageErr("advisory lock", err)
	}

	n, err := countEvents(ctx, tx, ev.AccountID, f, since)
	if err != nil {
		return 0, false, storageErr("count events", err)
	}
	if n >= max {
		return n, false, nil
	}
	if err := insertEvent(ctx, tx, ev); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			return n, false, err
		}
		return n, false, storageErr("append event", err)
	}
	if err := tx.Commit(); err != nil {
		return n, false, storageErr("commit", err)
	}
	return n, true, nil
}

func lockKey(accountID string, f EventFilter) string {
	var b strings.Builder
	b.WriteString(accountID)
	for _, t := range f.Types {
		b.WriteString("|")
		b.WriteString(string(t))
	}
	if v, ok := f.Payload["action"]; ok {
		b.WriteString("|action=")
		b.WriteString(v)
	}
	return b.String()
}
