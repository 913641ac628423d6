// Package rrdb implements the round-robin TXG<->time timeline of
// spec.md §3.9: three concentric fixed-length-256 ring buffers at
// minute/day/month resolution, each entry (unix_time_utc, txg), used
// only for "find the txg nearest time T" queries (scrub/rollback UX).
// Best-effort and monotone in time — this is an index, not a source of
// truth.
package rrdb

import (
	"database/sql"
	"fmt"
	"math"

	_ "github.com/mattn/go-sqlite3"
)

// RingLength is the fixed entry count per ring (spec.md §3.9).
const RingLength = 256

// Resolution is one of the three ring granularities.
type Resolution int

const (
	Minute Resolution = iota
	Day
	Month
)

var resolutions = []Resolution{Minute, Day, Month}

// granularitySeconds is how much wall-clock time one ring slot spans
// before it wraps back to slot 0, the RRD-style round-robin addressing
// a sample's absolute time maps onto.
func (r Resolution) granularitySeconds() int64 {
	switch r {
	case Minute:
		return 60
	case Day:
		return 86400
	case Month:
		return 30 * 86400
	default:
		panic("rrdb: unknown resolution")
	}
}

func (r Resolution) table() string {
	switch r {
	case Minute:
		return "ring_minute"
	case Day:
		return "ring_day"
	case Month:
		return "ring_month"
	default:
		panic("rrdb: unknown resolution")
	}
}

// DB is the timeline store, backed by a single sqlite3 file holding the
// three rings as separate fixed-row tables.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if absent) the timeline database at path,
// mirroring direktiv-vorteil/pkg/virtualizers/manager.go's initDB
// sequence: sql.Open, a couple of PRAGMAs, then CREATE TABLE IF NOT
// EXISTS for each ring.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("rrdb: open %s: %w", path, err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rrdb: enable WAL: %w", err)
	}
	if _, err := conn.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rrdb: set synchronous mode: %w", err)
	}

	d := &DB{conn: conn}
	for _, r := range resolutions {
		schema := fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (slot INTEGER PRIMARY KEY, unix_time INTEGER NOT NULL, txg INTEGER NOT NULL)",
			r.table())
		if _, err := conn.Exec(schema); err != nil {
			conn.Close()
			return nil, fmt.Errorf("rrdb: create table for %v: %w", r, err)
		}
	}
	return d, nil
}

// Close releases the database handle.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Record samples (unixTime, txg) into every ring at once: each
// resolution's slot is floor(unixTime/granularity) mod RingLength, so a
// new sample silently overwrites whatever previously occupied that
// slot — the round-robin behavior spec.md §3.9 describes.
func (d *DB) Record(unixTime int64, txg uint64) error {
	for _, r := range resolutions {
		slot := (unixTime / r.granularitySeconds()) % RingLength
		if slot < 0 {
			slot += RingLength
		}
		q := fmt.Sprintf("INSERT OR REPLACE INTO %s (slot, unix_time, txg) VALUES (?, ?, ?)", r.table())
		if _, err := d.conn.Exec(q, slot, unixTime, int64(txg)); err != nil {
			return fmt.Errorf("rrdb: record into %v ring: %w", r, err)
		}
	}
	return nil
}

// Query returns the txg whose stored timestamp is nearest to t across
// all three rings (spec.md §8 property 9). Returns false if every ring
// is empty.
func (d *DB) Query(t int64) (txg uint64, found bool, err error) {
	bestDelta := int64(math.MaxInt64)
	for _, r := range resolutions {
		q := fmt.Sprintf("SELECT unix_time, txg FROM %s ORDER BY ABS(unix_time - ?) ASC LIMIT 1", r.table())
		row := d.conn.QueryRow(q, t)
		var storedTime int64
		var storedTxg int64
		if scanErr := row.Scan(&storedTime, &storedTxg); scanErr != nil {
			if scanErr == sql.ErrNoRows {
				continue
			}
			return 0, false, fmt.Errorf("rrdb: query %v ring: %w", r, scanErr)
		}
		delta := storedTime - t
		if delta < 0 {
			delta = -delta
		}
		if !found || delta < bestDelta {
			found = true
			bestDelta = delta
			txg = uint64(storedTxg)
		}
	}
	return txg, found, nil
}
