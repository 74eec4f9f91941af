// Package config is the persisted operational configuration record (RFN
// data model §3): SMS destinations, identification text, channel bitmaps,
// and fault-detection tuning parameters, plus the in-memory mirror every
// other component reads from.
//
// Persistence emulates the firmware's byte/word-addressable NVRAM:
// read-before-write, so a setter that receives the value already held is
// a no-op write. SetFaultParams is the exception: it always writes. The backing store is a single-row sqlite3 table, the same
// shape the teacher uses for its message table: a thin struct over
// *sql.DB, a schema-version row, and an idempotent init.
package config

import (
	"database/sql"
	"fmt"
	"log"
	"strings"

	"github.com/pkg/errors"

	// cgo sqlite3 driver, registered by side effect.
	_ "github.com/mattn/go-sqlite3"

	"github.com/derkling/rfn/internal/channels"
)

const schemaVersion = "rfn-config v1"

const (
	maxDestinations  = 3
	destNumberLen    = 14
	identificationLen = 100
)

// Defaults per spec.md §3.
const (
	DefaultFaultSamples     uint8  = 64
	MinFaultSamples         uint8  = 16
	DefaultFaultChecks      uint8  = 3
	MinFaultChecks          uint8  = 1
	DefaultFaultLevel       uint32 = 160000
	DefaultCalibrationWeeks uint8  = 1
)

// Notify flag bits, set/shown by the `in`/`vn` commands.
const (
	NotifyOnReboot uint8 = 1 << iota
	NotifyOnCalibrationComplete
)

// Record is the in-memory mirror of the persisted configuration. All reads
// in the rest of the system go against a *Record obtained from Store.
type Record struct {
	Destinations     [maxDestinations]string
	Identification   string
	Enabled          channels.Mask
	Critical         channels.Mask
	FaultSamples     uint8
	FaultChecks      uint8
	FaultCheckTimeS  uint16
	FaultLevel       uint32
	FlCalibrationDiv uint8
	FlDetectionDiv   uint8
	CalibrationWeeks uint8
	NotifyFlags      uint8
}

func defaultRecord() Record {
	return Record{
		FaultSamples:     DefaultFaultSamples,
		FaultChecks:      DefaultFaultChecks,
		FaultCheckTimeS:  10,
		FaultLevel:       DefaultFaultLevel,
		FlCalibrationDiv: 4,
		FlDetectionDiv:   2,
		CalibrationWeeks: DefaultCalibrationWeeks,
		NotifyFlags:      NotifyOnReboot | NotifyOnCalibrationComplete,
	}
}

// DestinationEnabled reports whether slot holds an active destination. A
// number not starting with '+' (including one starting with '-') is
// disabled, per spec.md §3.
func DestinationEnabled(number string) bool {
	return strings.HasPrefix(number, "+")
}

// Store is the facade over persistent storage plus the in-memory mirror
// (spec.md §4.2). Every setter is write-through: persistent storage first,
// mirror second, so a crash mid-write never leaves the mirror ahead of
// disk.
type Store struct {
	db     *sql.DB
	logger *log.Logger
	mirror Record
}

// Open creates or attaches to the configuration database at dbname,
// creating the schema on first use.
func Open(driver, dbname string, logger *log.Logger) (*Store, error) {
	sqldb, err := sql.Open(driver, dbname)
	if err != nil {
		return nil, errors.Wrap(err, "config: open")
	}
	s := &Store{db: sqldb, logger: logger}
	needsInit := true
	if rows, err := sqldb.Query("SELECT version FROM schema_version"); err == nil {
		if rows.Next() {
			var version string
			if err := rows.Scan(&version); err == nil && version == schemaVersion {
				needsInit = false
			}
		}
		rows.Close()
	}
	if needsInit {
		if err := s.init(); err != nil {
			sqldb.Close()
			return nil, errors.Wrap(err, "config: init schema")
		}
	}
	return s, nil
}

func (s *Store) init() error {
	cmds := []string{
		`CREATE TABLE IF NOT EXISTS config (
			id INTEGER PRIMARY KEY CHECK (id = 0),
			dest1 TEXT NOT NULL DEFAULT '',
			dest2 TEXT NOT NULL DEFAULT '',
			dest3 TEXT NOT NULL DEFAULT '',
			identification TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 0,
			critical INTEGER NOT NULL DEFAULT 0,
			fault_samples INTEGER NOT NULL DEFAULT 64,
			fault_checks INTEGER NOT NULL DEFAULT 3,
			fault_check_time_s INTEGER NOT NULL DEFAULT 10,
			fault_level INTEGER NOT NULL DEFAULT 160000,
			fl_calibration_div INTEGER NOT NULL DEFAULT 4,
			fl_detection_div INTEGER NOT NULL DEFAULT 2,
			calibration_weeks INTEGER NOT NULL DEFAULT 1,
			notify_flags INTEGER NOT NULL DEFAULT 3
		)`,
		`CREATE TABLE IF NOT EXISTS schema_version (
			version TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		"DELETE FROM schema_version",
		fmt.Sprintf("INSERT INTO schema_version(version) VALUES('%s')", schemaVersion),
	}
	for _, cmd := range cmds {
		if _, err := s.db.Exec(cmd); err != nil {
			return err
		}
	}
	d := defaultRecord()
	_, err := s.db.Exec(`INSERT OR IGNORE INTO config
		(id, fault_samples, fault_checks, fault_check_time_s, fault_level,
		 fl_calibration_div, fl_detection_div, calibration_weeks, notify_flags)
		VALUES (0, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.FaultSamples, d.FaultChecks, d.FaultCheckTimeS, d.FaultLevel,
		d.FlCalibrationDiv, d.FlDetectionDiv, d.CalibrationWeeks, d.NotifyFlags)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load repopulates the mirror from persistence and logs a dump of the
// record, matching the original firmware's boot-time config dump.
func (s *Store) Load() error {
	row := s.db.QueryRow(`SELECT dest1, dest2, dest3, identification, enabled,
		critical, fault_samples, fault_checks, fault_check_time_s, fault_level,
		fl_calibration_div, fl_detection_div, calibration_weeks, notify_flags
		FROM config WHERE id = 0`)
	var r Record
	var enabled, critical int64
	if err := row.Scan(&r.Destinations[0], &r.Destinations[1], &r.Destinations[2],
		&r.Identification, &enabled, &critical, &r.FaultSamples, &r.FaultChecks,
		&r.FaultCheckTimeS, &r.FaultLevel, &r.FlCalibrationDiv, &r.FlDetectionDiv,
		&r.CalibrationWeeks, &r.NotifyFlags); err != nil {
		return errors.Wrap(err, "config: load")
	}
	r.Enabled = channels.Mask(enabled)
	r.Critical = channels.Mask(critical)
	s.mirror = r
	if s.logger != nil {
		s.logger.Printf("loaded: enabled=%04x critical=%04x fault_samples=%d "+
			"fault_checks=%d fault_level=%d dests=%v id=%q",
			r.Enabled, r.Critical, r.FaultSamples, r.FaultChecks, r.FaultLevel,
			r.Destinations, r.Identification)
	}
	return nil
}

// Mirror returns a copy of the current in-memory record. Callers read
// against this copy rather than the store directly, per spec.md §4.2's
// "reads go against the mirror" contract.
func (s *Store) Mirror() Record {
	return s.mirror
}

// Destinations returns the allow-listed, enabled SMS destination numbers.
func (s *Store) Destinations() []string {
	var out []string
	for _, d := range s.mirror.Destinations {
		if DestinationEnabled(d) {
			out = append(out, d)
		}
	}
	return out
}

// SetDestination sets destination slot (1..3) to number, truncating to the
// field capacity rather than failing. Persistent storage performs a
// read-before-write: a number identical to what is already stored is not
// rewritten.
func (s *Store) SetDestination(slot int, number string) error {
	if slot < 1 || slot > maxDestinations {
		return errors.Errorf("config: destination slot %d out of range", slot)
	}
	number = truncate(number, destNumberLen)
	idx := slot - 1
	if s.mirror.Destinations[idx] == number {
		return nil
	}
	col := fmt.Sprintf("dest%d", slot)
	if _, err := s.db.Exec(fmt.Sprintf("UPDATE config SET %s = ? WHERE id = 0", col), number); err != nil {
		return errors.Wrap(err, "config: set destination")
	}
	s.mirror.Destinations[idx] = number
	return nil
}

// ClearDestination empties destination slot (1..3).
func (s *Store) ClearDestination(slot int) error {
	return s.SetDestination(slot, "")
}

// SetIdentification sets the identification text prepended to every
// notification, truncated to the field capacity.
func (s *Store) SetIdentification(text string) error {
	text = truncate(text, identificationLen)
	if s.mirror.Identification == text {
		return nil
	}
	if _, err := s.db.Exec("UPDATE config SET identification = ? WHERE id = 0", text); err != nil {
		return errors.Wrap(err, "config: set identification")
	}
	s.mirror.Identification = text
	return nil
}

// SetEnabled overwrites the enabled bitmap.
func (s *Store) SetEnabled(m channels.Mask) error {
	if s.mirror.Enabled == m {
		return nil
	}
	if _, err := s.db.Exec("UPDATE config SET enabled = ? WHERE id = 0", int64(m)); err != nil {
		return errors.Wrap(err, "config: set enabled")
	}
	s.mirror.Enabled = m
	return nil
}

// SetCritical overwrites the critical bitmap. Per spec.md §9's first open
// question, this is never intersected with Enabled here.
func (s *Store) SetCritical(m channels.Mask) error {
	if s.mirror.Critical == m {
		return nil
	}
	if _, err := s.db.Exec("UPDATE config SET critical = ? WHERE id = 0", int64(m)); err != nil {
		return errors.Wrap(err, "config: set critical")
	}
	s.mirror.Critical = m
	return nil
}

// FaultParams is the `ip`/`vp` command's seven-field tuple (spec.md §6).
type FaultParams struct {
	FaultSamples     uint8
	FaultChecks      uint8
	FaultCheckTimeS  uint16
	FaultLevel       uint32
	FlCalibrationDiv uint8
	FlDetectionDiv   uint8
	CalibrationWeeks uint8
}

// SetFaultParams clamps FaultSamples >= MinFaultSamples and FaultChecks >=
// MinFaultChecks on ingest (spec.md §8 boundary behaviors) and persists the
// rest verbatim.
func (s *Store) SetFaultParams(p FaultParams) error {
	if p.FaultSamples < MinFaultSamples {
		p.FaultSamples = MinFaultSamples
	}
	if p.FaultChecks < MinFaultChecks {
		p.FaultChecks = MinFaultChecks
	}
	_, err := s.db.Exec(`UPDATE config SET fault_samples=?, fault_checks=?,
		fault_check_time_s=?, fault_level=?, fl_calibration_div=?,
		fl_detection_div=?, calibration_weeks=? WHERE id = 0`,
		p.FaultSamples, p.FaultChecks, p.FaultCheckTimeS, p.FaultLevel,
		p.FlCalibrationDiv, p.FlDetectionDiv, p.CalibrationWeeks)
	if err != nil {
		return errors.Wrap(err, "config: set fault params")
	}
	s.mirror.FaultSamples = p.FaultSamples
	s.mirror.FaultChecks = p.FaultChecks
	s.mirror.FaultCheckTimeS = p.FaultCheckTimeS
	s.mirror.FaultLevel = p.FaultLevel
	s.mirror.FlCalibrationDiv = p.FlCalibrationDiv
	s.mirror.FlDetectionDiv = p.FlDetectionDiv
	s.mirror.CalibrationWeeks = p.CalibrationWeeks
	return nil
}

// SetNotifyFlags overwrites the notify-flags byte.
func (s *Store) SetNotifyFlags(flags uint8) error {
	if s.mirror.NotifyFlags == flags {
		return nil
	}
	if _, err := s.db.Exec("UPDATE config SET notify_flags = ? WHERE id = 0", flags); err != nil {
		return errors.Wrap(err, "config: set notify flags")
	}
	s.mirror.NotifyFlags = flags
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
