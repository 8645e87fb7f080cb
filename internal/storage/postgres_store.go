package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Djnirds1984/cjtech/internal/config"
	_ "github.com/lib/pq"
)

// PostgresStore is the production Store backend: a single relational store
// with tables users, sales, sources, rates, failures, operator_events.
type PostgresStore struct {
	db     *sql.DB
	tables StoreConfig
}

// NewPostgresStore opens a new connection pool and applies pool settings.
func NewPostgresStore(connStr string, cfg StoreConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	config.ApplyPostgresPoolSettings(db, cfg.PostgresPool)
	return &PostgresStore{db: db, tables: cfg}, nil
}

// NewPostgresStoreWithDB adapts an already-open *sql.DB (see internal/dbpool)
// into a PostgresStore, so multiple stores in one process can share a pool.
func NewPostgresStoreWithDB(db *sql.DB, cfg StoreConfig) (*PostgresStore, error) {
	return &PostgresStore{db: db, tables: cfg}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) FindUserByMAC(ctx context.Context, mac string) (User, error) {
	return p.scanUser(ctx, fmt.Sprintf(`SELECT user_id, mac, client_id, ip, user_code, credit_seconds,
		total_seconds_ever, rate_down_kbps, rate_up_kbps, paused, connected, last_traffic_at, last_seen_at, session_expiry_at
		FROM %s WHERE mac = $1`, p.tables.UsersTable), normMAC(mac))
}

func (p *PostgresStore) FindUserByCookie(ctx context.Context, clientID string) (User, error) {
	return p.scanUser(ctx, fmt.Sprintf(`SELECT user_id, mac, client_id, ip, user_code, credit_seconds,
		total_seconds_ever, rate_down_kbps, rate_up_kbps, paused, connected, last_traffic_at, last_seen_at, session_expiry_at
		FROM %s WHERE client_id = $1`, p.tables.UsersTable), clientID)
}

func (p *PostgresStore) FindUserByCode(ctx context.Context, userCode string) (User, error) {
	return p.scanUser(ctx, fmt.Sprintf(`SELECT user_id, mac, client_id, ip, user_code, credit_seconds,
		total_seconds_ever, rate_down_kbps, rate_up_kbps, paused, connected, last_traffic_at, last_seen_at, session_expiry_at
		FROM %s WHERE user_code = $1`, p.tables.UsersTable), userCode)
}

func (p *PostgresStore) FindUserByIP(ctx context.Context, ip string) (User, error) {
	return p.scanUser(ctx, fmt.Sprintf(`SELECT user_id, mac, client_id, ip, user_code, credit_seconds,
		total_seconds_ever, rate_down_kbps, rate_up_kbps, paused, connected, last_traffic_at, last_seen_at, session_expiry_at
		FROM %s WHERE ip = $1 AND credit_seconds > 0`, p.tables.UsersTable), ip)
}

func (p *PostgresStore) scanUser(ctx context.Context, query string, arg interface{}) (User, error) {
	var u User
	var ip, clientID sql.NullString
	var expiry sql.NullTime
	row := p.db.QueryRowContext(ctx, query, arg)
	err := row.Scan(&u.UserID, &u.MAC, &clientID, &ip, &u.UserCode, &u.CreditSeconds,
		&u.TotalSecondsEver, &u.RateDownKbps, &u.RateUpKbps, &u.Paused, &u.Connected,
		&u.LastTrafficAt, &u.LastSeenAt, &expiry)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.IP = ip.String
	u.ClientID = clientID.String
	if expiry.Valid {
		u.SessionExpiryAt = &expiry.Time
	}
	return u, nil
}

func (p *PostgresStore) UpsertUser(ctx context.Context, u User) error {
	u.MAC = normMAC(u.MAC)
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (user_id, mac, client_id, ip, user_code, credit_seconds, total_seconds_ever,
			rate_down_kbps, rate_up_kbps, paused, connected, last_traffic_at, last_seen_at, session_expiry_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (user_id) DO UPDATE SET
			mac=$2, client_id=$3, ip=$4, user_code=$5, credit_seconds=$6, total_seconds_ever=$7,
			rate_down_kbps=$8, rate_up_kbps=$9, paused=$10, connected=$11, last_traffic_at=$12,
			last_seen_at=$13, session_expiry_at=$14`, p.tables.UsersTable),
		u.UserID, u.MAC, nullable(u.ClientID), nullable(u.IP), u.UserCode, u.CreditSeconds,
		u.TotalSecondsEver, u.RateDownKbps, u.RateUpKbps, u.Paused, u.Connected,
		u.LastTrafficAt, u.LastSeenAt, u.SessionExpiryAt)
	return err
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (p *PostgresStore) ClaimMAC(ctx context.Context, userID, newMAC string) error {
	newMAC = normMAC(newMAC)
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE mac = $1 AND user_id <> $2`,
		p.tables.UsersTable), newMAC, userID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET mac = $1 WHERE user_id = $2`,
		p.tables.UsersTable), newMAC, userID); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) AssignIP(ctx context.Context, userID, ip string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET ip = NULL WHERE ip = $1 AND user_id <> $2`,
		p.tables.UsersTable), ip, userID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET ip = $1 WHERE user_id = $2`,
		p.tables.UsersTable), ip, userID); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Decrement(ctx context.Context, userID string, seconds int64) (int64, error) {
	var newBalance int64
	err := p.db.QueryRowContext(ctx, fmt.Sprintf(`UPDATE %s SET credit_seconds = GREATEST(0, credit_seconds - $1)
		WHERE user_id = $2 RETURNING credit_seconds`, p.tables.UsersTable), seconds, userID).Scan(&newBalance)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return newBalance, err
}

func (p *PostgresStore) AddCredit(ctx context.Context, userID string, seconds int64) (int64, error) {
	var newBalance int64
	err := p.db.QueryRowContext(ctx, fmt.Sprintf(`UPDATE %s SET credit_seconds = credit_seconds + $1,
		total_seconds_ever = total_seconds_ever + $1 WHERE user_id = $2 RETURNING credit_seconds`,
		p.tables.UsersTable), seconds, userID).Scan(&newBalance)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return newBalance, err
}

func (p *PostgresStore) setFlag(ctx context.Context, userID string, paused, connected bool) error {
	res, err := p.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET paused = $1, connected = $2 WHERE user_id = $3`,
		p.tables.UsersTable), paused, connected, userID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) TouchTraffic(ctx context.Context, userID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET last_traffic_at = $1 WHERE user_id = $2`,
		p.tables.UsersTable), at, userID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Pause(ctx context.Context, userID string) error  { return p.setFlag(ctx, userID, true, false) }
func (p *PostgresStore) Resume(ctx context.Context, userID string) error { return p.setFlag(ctx, userID, false, true) }

func (p *PostgresStore) Expire(ctx context.Context, userID string) error {
	res, err := p.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET credit_seconds = 0, connected = false WHERE user_id = $1`,
		p.tables.UsersTable), userID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) IterateActive(ctx context.Context) ([]User, error) {
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT user_id, mac, client_id, ip, user_code, credit_seconds,
		total_seconds_ever, rate_down_kbps, rate_up_kbps, paused, connected, last_traffic_at, last_seen_at, session_expiry_at
		FROM %s WHERE credit_seconds > 0 AND paused = false`, p.tables.UsersTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		var ip, clientID sql.NullString
		var expiry sql.NullTime
		if err := rows.Scan(&u.UserID, &u.MAC, &clientID, &ip, &u.UserCode, &u.CreditSeconds,
			&u.TotalSecondsEver, &u.RateDownKbps, &u.RateUpKbps, &u.Paused, &u.Connected,
			&u.LastTrafficAt, &u.LastSeenAt, &expiry); err != nil {
			return nil, err
		}
		u.IP = ip.String
		u.ClientID = clientID.String
		if expiry.Valid {
			u.SessionExpiryAt = &expiry.Time
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendSale(ctx context.Context, sale Sale) error {
	if sale.Timestamp.IsZero() {
		sale.Timestamp = time.Now()
	}
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, ts, amount, mac, source) VALUES ($1,$2,$3,$4,$5)`,
		p.tables.SalesTable), sale.ID, sale.Timestamp, sale.Amount, sale.MAC, sale.Source)
	return err
}

func (p *PostgresStore) ListSales(ctx context.Context, since time.Time) ([]Sale, error) {
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, ts, amount, mac, source FROM %s WHERE ts >= $1 ORDER BY ts`,
		p.tables.SalesTable), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Sale
	for rows.Next() {
		var s Sale
		if err := rows.Scan(&s.ID, &s.Timestamp, &s.Amount, &s.MAC, &s.Source); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpsertSource(ctx context.Context, src Source) error {
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, display_name, local, last_active_at, pulse_value_pesos, rate_down_kbps_override, rate_up_kbps_override)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET display_name=$2, local=$3, last_active_at=$4, pulse_value_pesos=$5,
			rate_down_kbps_override=$6, rate_up_kbps_override=$7`, p.tables.SourcesTable),
		src.ID, src.DisplayName, src.Local, src.LastActiveAt, src.PulseValuePesos,
		src.RateDownKbpsOverride, src.RateUpKbpsOverride)
	return err
}

func (p *PostgresStore) GetSource(ctx context.Context, id string) (Source, error) {
	var s Source
	err := p.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT id, display_name, local, last_active_at, pulse_value_pesos,
		rate_down_kbps_override, rate_up_kbps_override FROM %s WHERE id = $1`, p.tables.SourcesTable), id).
		Scan(&s.ID, &s.DisplayName, &s.Local, &s.LastActiveAt, &s.PulseValuePesos,
			&s.RateDownKbpsOverride, &s.RateUpKbpsOverride)
	if err == sql.ErrNoRows {
		return Source{}, ErrNotFound
	}
	return s, err
}

func (p *PostgresStore) ListSources(ctx context.Context) ([]Source, error) {
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, display_name, local, last_active_at, pulse_value_pesos,
		rate_down_kbps_override, rate_up_kbps_override FROM %s`, p.tables.SourcesTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Source
	for rows.Next() {
		var s Source
		if err := rows.Scan(&s.ID, &s.DisplayName, &s.Local, &s.LastActiveAt, &s.PulseValuePesos,
			&s.RateDownKbpsOverride, &s.RateUpKbpsOverride); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) TouchSourceHeartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET last_active_at = $1 WHERE id = $2`,
		p.tables.SourcesTable), at, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListRates(ctx context.Context) ([]Rate, error) {
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, amount_pesos, minutes, rate_up_kbps, rate_down_kbps FROM %s`,
		p.tables.RatesTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Rate
	for rows.Next() {
		var r Rate
		if err := rows.Scan(&r.ID, &r.AmountPesos, &r.Minutes, &r.RateUpKbps, &r.RateDownKbps); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpsertRate(ctx context.Context, r Rate) error {
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, amount_pesos, minutes, rate_up_kbps, rate_down_kbps) VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET amount_pesos=$2, minutes=$3, rate_up_kbps=$4, rate_down_kbps=$5`,
		p.tables.RatesTable), r.ID, r.AmountPesos, r.Minutes, r.RateUpKbps, r.RateDownKbps)
	return err
}

func (p *PostgresStore) GetFailureRecord(ctx context.Context, mac string) (FailureRecord, error) {
	var rec FailureRecord
	var banUntil sql.NullTime
	err := p.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT mac, count, banned_until FROM %s WHERE mac = $1`,
		p.tables.FailuresTable), normMAC(mac)).Scan(&rec.MAC, &rec.Count, &banUntil)
	if err == sql.ErrNoRows {
		return FailureRecord{MAC: normMAC(mac)}, nil
	}
	if err != nil {
		return FailureRecord{}, err
	}
	if banUntil.Valid {
		rec.BannedUntil = &banUntil.Time
	}
	return rec, nil
}

func (p *PostgresStore) IncrementFailure(ctx context.Context, mac string, banUntil *time.Time) (FailureRecord, error) {
	mac = normMAC(mac)
	var rec FailureRecord
	var scanned sql.NullTime
	err := p.db.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (mac, count, banned_until) VALUES ($1, 1, $2)
		ON CONFLICT (mac) DO UPDATE SET count = %s.count + 1, banned_until = COALESCE($2, %s.banned_until)
		RETURNING mac, count, banned_until`, p.tables.FailuresTable, p.tables.FailuresTable, p.tables.FailuresTable),
		mac, banUntil).Scan(&rec.MAC, &rec.Count, &scanned)
	if err != nil {
		return FailureRecord{}, err
	}
	if scanned.Valid {
		rec.BannedUntil = &scanned.Time
	}
	return rec, nil
}

func (p *PostgresStore) ClearFailure(ctx context.Context, mac string) error {
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE mac = $1`, p.tables.FailuresTable), normMAC(mac))
	return err
}

func (p *PostgresStore) EnqueueEvent(ctx context.Context, evt OperatorEvent) (string, error) {
	if evt.Status == "" {
		evt.Status = EventPending
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}
	payload, err := marshalPayload(evt.Payload)
	if err != nil {
		return "", err
	}
	_, err = p.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s
		(id, kind, payload, created_at, status, attempts, last_error, next_attempt_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, p.tables.EventsTable),
		evt.ID, evt.Kind, payload, evt.CreatedAt, evt.Status, evt.Attempts, evt.LastError, evt.NextAttemptAt)
	return evt.ID, err
}

func (p *PostgresStore) DequeueEvents(ctx context.Context, limit int) ([]OperatorEvent, error) {
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, kind, payload, created_at, status, attempts,
		last_error, next_attempt_at FROM %s WHERE status = $1 AND next_attempt_at <= $2 ORDER BY created_at LIMIT $3`,
		p.tables.EventsTable), EventPending, time.Now(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OperatorEvent
	for rows.Next() {
		var e OperatorEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Kind, &payload, &e.CreatedAt, &e.Status, &e.Attempts, &e.LastError, &e.NextAttemptAt); err != nil {
			return nil, err
		}
		e.Payload, err = unmarshalPayload(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkEventProcessing(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET status = $1 WHERE id = $2`, p.tables.EventsTable),
		EventProcessing, id)
	return err
}

func (p *PostgresStore) MarkEventDelivered(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET status = $1 WHERE id = $2`, p.tables.EventsTable),
		EventDelivered, id)
	return err
}

func (p *PostgresStore) MarkEventFailed(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET status = CASE WHEN attempts + 1 >= 10 THEN $1 ELSE $2 END,
		attempts = attempts + 1, last_error = $3, next_attempt_at = $4 WHERE id = $5`, p.tables.EventsTable),
		EventDeadLetter, EventPending, errMsg, nextAttemptAt, id)
	return err
}
