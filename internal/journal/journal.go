// Package journal persists audit events and device history in SQLite.
// Both tables are append-only: triggers reject UPDATE and DELETE.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Hara602/usbWarden/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	bus_path TEXT NOT NULL,
	serial TEXT,
	path TEXT NOT NULL,
	old_path TEXT,
	op TEXT NOT NULL,
	pid INTEGER,
	process TEXT,
	risk TEXT,
	detail TEXT
);
CREATE TABLE IF NOT EXISTS device_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	event TEXT NOT NULL,
	entry_id TEXT NOT NULL,
	bus_path TEXT NOT NULL,
	vid TEXT,
	pid TEXT,
	serial TEXT,
	class TEXT,
	label TEXT,
	state TEXT NOT NULL,
	origin TEXT,
	first_seen TEXT,
	last_error TEXT
);
CREATE TRIGGER IF NOT EXISTS audit_events_no_update BEFORE UPDATE ON audit_events
BEGIN SELECT RAISE(ABORT, 'audit_events is append-only'); END;
CREATE TRIGGER IF NOT EXISTS audit_events_no_delete BEFORE DELETE ON audit_events
BEGIN SELECT RAISE(ABORT, 'audit_events is append-only'); END;
CREATE TRIGGER IF NOT EXISTS device_history_no_update BEFORE UPDATE ON device_history
BEGIN SELECT RAISE(ABORT, 'device_history is append-only'); END;
CREATE TRIGGER IF NOT EXISTS device_history_no_delete BEFORE DELETE ON device_history
BEGIN SELECT RAISE(ABORT, 'device_history is append-only'); END;
`

// HistoryRecord 设备状态变化的一条历史记录
type HistoryRecord struct {
	TimeStamp time.Time       `json:"ts"`
	Event     string          `json:"event"` // 例如 authorized / blocked / removed
	EntryID   string          `json:"entry_id"`
	Device    model.Device    `json:"device"`
	State     model.AuthState `json:"state"`
	Origin    model.Origin    `json:"origin,omitempty"`
	FirstSeen time.Time       `json:"first_seen"`
	LastError string          `json:"last_error,omitempty"`
}

type Journal struct {
	db *sql.DB
}

// Open 打开 (必要时创建) 数据库并初始化表结构
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// 单写者；sqlite 不需要连接池
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// AppendAudit 在一个事务内追加一批审计事件
func (j *Journal) AppendAudit(ctx context.Context, events ...model.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO audit_events
		(ts, bus_path, serial, path, old_path, op, pid, process, risk, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, formatTime(e.TimeStamp), e.BusPath, e.Serial, e.Path,
			e.OldPath, string(e.Operation), e.PID, e.ProcName, e.Risk, e.Detail); err != nil {
			return fmt.Errorf("insert audit event: %w", err)
		}
	}
	return tx.Commit()
}

// RecordTransition 追加设备历史
func (j *Journal) RecordTransition(ctx context.Context, records ...HistoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO device_history
		(ts, event, entry_id, bus_path, vid, pid, serial, class, label, state, origin, first_seen, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range records {
		d := r.Device
		if _, err := stmt.ExecContext(ctx, formatTime(r.TimeStamp), r.Event, r.EntryID, d.BusPath,
			d.VendorID, d.ProductID, d.Serial, string(d.Class), d.Label, string(r.State),
			string(r.Origin), formatTime(r.FirstSeen), r.LastError); err != nil {
			return fmt.Errorf("insert device history: %w", err)
		}
	}
	return tx.Commit()
}

// RecentAudit 最近 limit 条审计事件，按时间先后排列
func (j *Journal) RecentAudit(ctx context.Context, limit int) ([]model.AuditEvent, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT ts, bus_path, serial, path, old_path, op, pid, process, risk, detail
		FROM (SELECT * FROM audit_events ORDER BY id DESC LIMIT ?) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		var e model.AuditEvent
		var ts, op string
		var serial, oldPath, process, risk, detail sql.NullString
		var pid sql.NullInt64
		if err := rows.Scan(&ts, &e.BusPath, &serial, &e.Path, &oldPath, &op, &pid, &process, &risk, &detail); err != nil {
			return nil, err
		}
		e.TimeStamp = parseTime(ts)
		e.Operation = model.AuditOp(op)
		e.Serial, e.OldPath, e.ProcName = serial.String, oldPath.String, process.String
		e.Risk, e.Detail = risk.String, detail.String
		e.PID = int32(pid.Int64)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentHistory 最近 limit 条设备历史，按时间先后排列
func (j *Journal) RecentHistory(ctx context.Context, limit int) ([]HistoryRecord, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT ts, event, entry_id, bus_path, vid, pid, serial, class, label, state, origin, first_seen, last_error
		FROM (SELECT * FROM device_history ORDER BY id DESC LIMIT ?) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryRecord
	for rows.Next() {
		var r HistoryRecord
		var ts, state string
		var vid, pid, serial, class, label sql.NullString
		var origin, firstSeen, lastErr sql.NullString
		if err := rows.Scan(&ts, &r.Event, &r.EntryID, &r.Device.BusPath, &vid, &pid, &serial,
			&class, &label, &state, &origin, &firstSeen, &lastErr); err != nil {
			return nil, err
		}
		r.TimeStamp = parseTime(ts)
		r.Device.VendorID, r.Device.ProductID, r.Device.Serial = vid.String, pid.String, serial.String
		r.Device.Class, r.Device.Label = model.DeviceClass(class.String), label.String
		r.State, r.Origin = model.AuthState(state), model.Origin(origin.String)
		r.FirstSeen = parseTime(firstSeen.String)
		r.LastError = lastErr.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
