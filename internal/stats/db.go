package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// recoveryRetention bounds how long audit rows are kept.
const recoveryRetention = 7 * 24 * time.Hour

// maxRecoveryRows bounds the audit table regardless of age.
const maxRecoveryRows = 100000

// Recovery is one audited address recovery.
type Recovery struct {
	Time     time.Time `json:"time"`
	Proto    string    `json:"proto"`
	Local    string    `json:"local"`
	Remote   string    `json:"remote"`
	Original string    `json:"original"`
	Source   string    `json:"source"`
}

// DB manages the stats SQLite database and periodic flushing.
type DB struct {
	mu        sync.Mutex
	conn      *sqlite.Conn
	collector *Collector
	logger    *slog.Logger
	interval  time.Duration
	cancel    context.CancelFunc
	done      chan struct{}

	// lastCounters and lastClients store the cumulative snapshot from the
	// previous flush so we can compute deltas.
	lastCounters map[string]int64
	lastClients  map[string]int64
}

// Open opens or creates a stats database at the given path.
func Open(dbPath string, collector *Collector, logger *slog.Logger, flushInterval time.Duration) (*DB, error) {
	conn, err := sqlite.OpenConn(dbPath, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}

	db := &DB{
		conn:         conn,
		collector:    collector,
		logger:       logger,
		interval:     flushInterval,
		done:         make(chan struct{}),
		lastCounters: make(map[string]int64),
		lastClients:  make(map[string]int64),
	}

	if err := db.ensureSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

// Start begins the background flush loop.
func (db *DB) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	db.cancel = cancel

	go db.flushLoop(ctx)
}

// Close stops the flush loop, performs a final flush, and closes the database.
func (db *DB) Close() error {
	if db.cancel != nil {
		db.cancel()
		<-db.done
	}

	// Final flush.
	if err := db.Flush(); err != nil {
		db.logger.Error("final stats flush failed", "error", err)
	}

	return db.conn.Close()
}

// flushLoop runs periodic flushes until the context is cancelled.
func (db *DB) flushLoop(ctx context.Context) {
	defer close(db.done)

	ticker := time.NewTicker(db.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.Flush(); err != nil {
				db.logger.Error("stats flush failed", "error", err)
			}
		}
	}
}

// Flush computes deltas since the last flush and writes them to SQLite.
func (db *DB) Flush() (err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	now := time.Now().UTC()
	hour := now.Truncate(time.Hour).Format("2006-01-02T15")

	defer sqlitex.Save(db.conn)(&err)

	current := db.collector.counters()
	for name, count := range current {
		delta := count - db.lastCounters[name]
		if delta == 0 {
			continue
		}
		err = sqlitex.Execute(db.conn, `
			INSERT INTO counters_hourly (hour, name, count)
			VALUES (?, ?, ?)
			ON CONFLICT (hour, name) DO UPDATE SET
				count = count + excluded.count
		`, &sqlitex.ExecOptions{
			Args: []any{hour, name, delta},
		})
		if err != nil {
			return fmt.Errorf("upsert counters_hourly: %w", err)
		}
	}
	db.lastCounters = current

	currentClients := make(map[string]int64)
	for _, cc := range db.collector.SnapshotClients() {
		currentClients[cc.Name] = cc.Count
		delta := cc.Count - db.lastClients[cc.Name]
		if delta == 0 {
			continue
		}
		err = sqlitex.Execute(db.conn, `
			INSERT INTO client_recoveries (client_ip, count)
			VALUES (?, ?)
			ON CONFLICT (client_ip) DO UPDATE SET
				count = count + excluded.count
		`, &sqlitex.ExecOptions{
			Args: []any{cc.Name, delta},
		})
		if err != nil {
			return fmt.Errorf("upsert client_recoveries: %w", err)
		}
	}
	db.lastClients = currentClients

	// Keep the busiest clients plus the overflow bucket.
	err = sqlitex.Execute(db.conn, `
		DELETE FROM client_recoveries
		WHERE client_ip != ?1 AND client_ip NOT IN (
			SELECT client_ip FROM client_recoveries
			WHERE client_ip != ?1
			ORDER BY count DESC, client_ip
			LIMIT ?2
		)
	`, &sqlitex.ExecOptions{
		Args: []any{OtherClients, db.collector.MaxClients()},
	})
	if err != nil {
		return fmt.Errorf("prune client_recoveries: %w", err)
	}

	err = sqlitex.Execute(db.conn, `DELETE FROM recoveries WHERE ts < ?`, &sqlitex.ExecOptions{
		Args: []any{now.Add(-recoveryRetention).Format(time.RFC3339Nano)},
	})
	if err != nil {
		return fmt.Errorf("prune recoveries: %w", err)
	}
	err = sqlitex.Execute(db.conn, `
		DELETE FROM recoveries WHERE id <= (SELECT MAX(id) FROM recoveries) - ?
	`, &sqlitex.ExecOptions{
		Args: []any{maxRecoveryRows},
	})
	if err != nil {
		return fmt.Errorf("prune recoveries: %w", err)
	}

	return nil
}

// InsertRecovery appends r to the audit table.
func (db *DB) InsertRecovery(r Recovery) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	err := sqlitex.Execute(db.conn, `
		INSERT INTO recoveries (ts, proto, local, remote, original, source)
		VALUES (?, ?, ?, ?, ?, ?)
	`, &sqlitex.ExecOptions{
		Args: []any{r.Time.UTC().Format(time.RFC3339Nano), r.Proto, r.Local, r.Remote, r.Original, r.Source},
	})
	if err != nil {
		return fmt.Errorf("insert recovery: %w", err)
	}
	return nil
}

// RecentRecoveries returns the newest n audited recoveries, newest first.
func (db *DB) RecentRecoveries(n int) []Recovery {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []Recovery
	_ = sqlitex.Execute(db.conn, `
		SELECT ts, proto, local, remote, original, source
		FROM recoveries
		ORDER BY id DESC LIMIT ?
	`, &sqlitex.ExecOptions{
		Args: []any{n},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ts, _ := time.Parse(time.RFC3339Nano, stmt.ColumnText(0))
			out = append(out, Recovery{
				Time:     ts,
				Proto:    stmt.ColumnText(1),
				Local:    stmt.ColumnText(2),
				Remote:   stmt.ColumnText(3),
				Original: stmt.ColumnText(4),
				Source:   stmt.ColumnText(5),
			})
			return nil
		},
	})
	return out
}

// CountersSince returns persisted counter totals within a time window.
func (db *DB) CountersSince(since time.Time) []Count {
	db.mu.Lock()
	defer db.mu.Unlock()
	sinceHour := since.UTC().Truncate(time.Hour).Format("2006-01-02T15")
	var out []Count
	_ = sqlitex.Execute(db.conn, `
		SELECT name, SUM(count) AS total
		FROM counters_hourly
		WHERE hour >= ?
		GROUP BY name
		ORDER BY name
	`, &sqlitex.ExecOptions{
		Args: []any{sinceHour},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, Count{
				Name:  stmt.ColumnText(0),
				Count: stmt.ColumnInt64(1),
			})
			return nil
		},
	})
	return out
}

// MergedTopClients returns the top n original clients by merging DB totals
// with unflushed in-memory deltas.
func (db *DB) MergedTopClients(n int) []Count {
	db.mu.Lock()
	defer db.mu.Unlock()
	merged := make(map[string]int64)

	// DB cumulative totals.
	_ = sqlitex.Execute(db.conn, `
		SELECT client_ip, count FROM client_recoveries
	`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			merged[stmt.ColumnText(0)] = stmt.ColumnInt64(1)
			return nil
		},
	})

	// Add only the unflushed delta from in-memory.
	for _, cc := range db.collector.SnapshotClients() {
		delta := cc.Count - db.lastClients[cc.Name]
		if delta > 0 {
			merged[cc.Name] += delta
		}
	}

	return topNFromMap(merged, n)
}

// topNFromMap extracts the top n entries from a name->count map.
func topNFromMap(m map[string]int64, n int) []Count {
	out := make([]Count, 0, len(m))
	for name, count := range m {
		out = append(out, Count{Name: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// ensureSchema creates the stats tables.
func (db *DB) ensureSchema() error {
	return sqlitex.ExecuteScript(db.conn, `
		CREATE TABLE IF NOT EXISTS counters_hourly (
			hour  TEXT NOT NULL,
			name  TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (hour, name)
		) WITHOUT ROWID;

		CREATE TABLE IF NOT EXISTS client_recoveries (
			client_ip TEXT NOT NULL PRIMARY KEY,
			count     INTEGER NOT NULL DEFAULT 0
		) WITHOUT ROWID;

		CREATE TABLE IF NOT EXISTS recoveries (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			ts       TEXT NOT NULL,
			proto    TEXT NOT NULL,
			local    TEXT NOT NULL,
			remote   TEXT NOT NULL,
			original TEXT NOT NULL,
			source   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_counters_hourly_hour ON counters_hourly(hour);
		CREATE INDEX IF NOT EXISTS idx_recoveries_ts ON recoveries(ts);
	`, nil)
}
