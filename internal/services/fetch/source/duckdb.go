// Package source streams origin URLs out of the columnar archive with a
// durable, per-slice resume cursor.
//
// The archive is a parquet file; work and cursor state live in a single
// DuckDB database next to the README corpus, so a restart picks up where
// the last run committed
package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	perr "repolens/internal/platform/errors"
	"repolens/internal/platform/logger"

	"repolens/internal/services/fetch/domain"
)

// DefaultBatchSize is how many origins Next hands out per call
const DefaultBatchSize = 50000

// Options configures the work source
type Options struct {
	// DBPath is the DuckDB file, conventionally <readmes>/.fetch-cache.duckdb
	DBPath string

	// ArchivePath is the parquet archive holding (origin, created_at) rows
	ArchivePath string

	// MinDate filters the archive, YYYY-MM-DD
	MinDate string

	// Offset/Limit slice the work table. Offset > 0 selects parallel
	// mode: the database is opened read-only just long enough to load
	// the slice into memory, then released, and the cursor lives in a
	// JSON sidecar keyed by the offset so sibling instances never
	// collide. DuckDB holds a single-writer lock across processes, so
	// only the primary may keep the file open for the whole run
	Offset int64
	Limit  int64

	// Full ignores Limit and drains the whole table
	Full bool

	BatchSize int
}

// DuckDB is a domain.WorkSource backed by an embedded DuckDB file
type DuckDB struct {
	db   *sql.DB // nil after init in parallel mode
	opts Options

	table      string
	cursorKey  string
	cursorPath string // sidecar cursor file, parallel mode only
	pos        int64  // last id handed out
	end        int64  // 0 = unbounded

	// parallel-mode slice, drained by Next
	pending []domain.Origin

	log logger.Logger
}

// Open builds (or reuses) the work table and loads the cursor.
//
// Primary mode (offset 0) materializes the full filtered table once,
// reuses it on restart and keeps the handle for cursor commits. Parallel
// mode opens read-only, loads only (offset, offset+limit] into memory,
// then closes the handle so it never contends for DuckDB's cross-process
// writer lock; its cursor persists in a sidecar file
func Open(ctx context.Context, opts Options) (*DuckDB, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if _, err := time.Parse("2006-01-02", opts.MinDate); err != nil {
		return nil, perr.InvalidArgf("min date %q: want YYYY-MM-DD", opts.MinDate)
	}
	if opts.Offset > 0 && (opts.Full || opts.Limit <= 0) {
		return nil, perr.InvalidArgf("parallel mode needs a bounded slice: offset %d requires a limit", opts.Offset)
	}

	dsn := opts.DBPath
	if opts.Offset > 0 {
		dsn += "?access_mode=read_only"
	}
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeState, "open work db %s", opts.DBPath)
	}

	s := &DuckDB{
		db:    db,
		opts:  opts,
		table: tableName(opts.MinDate),
		log:   *logger.Named("work-source"),
	}
	s.cursorKey = s.table
	if opts.Offset > 0 {
		s.cursorKey = fmt.Sprintf("%s_%d", s.table, opts.Offset)
		s.cursorPath = opts.DBPath + "." + s.cursorKey + ".json"
	}

	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// tableName derives a stable identifier from the min date
func tableName(minDate string) string {
	return "work_" + strings.ReplaceAll(minDate, "-", "_")
}

func (s *DuckDB) init(ctx context.Context) error {
	if s.opts.Offset > 0 {
		return s.initParallel(ctx)
	}

	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS cursors (key VARCHAR PRIMARY KEY, last_id BIGINT NOT NULL)`,
	); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeState, "create cursors table")
	}

	// Materialize once; restarts and parallel instances reuse the table.
	// Dense row_number keyed ids make the cursor a plain integer compare.
	// Values are inlined: DuckDB does not bind parameters inside CTAS,
	// and both are validated above / come from local flags
	create := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s AS
		 SELECT row_number() OVER (ORDER BY origin) AS id, origin
		 FROM read_parquet('%s')
		 WHERE created_at >= DATE '%s'`,
		s.table, strings.ReplaceAll(s.opts.ArchivePath, "'", "''"), s.opts.MinDate)
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeState, "materialize work table %s", s.table)
	}

	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_id FROM cursors WHERE key = ?`, s.cursorKey,
	).Scan(&last)
	if err != nil && err != sql.ErrNoRows {
		return perr.Wrapf(err, perr.ErrorCodeState, "load cursor %s", s.cursorKey)
	}

	s.pos = 0
	if last.Valid && last.Int64 > s.pos {
		s.pos = last.Int64
	}
	if !s.opts.Full && s.opts.Limit > 0 {
		s.end = s.opts.Limit
	}

	s.log.Info().Str("table", s.table).Int64("resume_at", s.pos).Msg("work table ready")
	return nil
}

// initParallel loads the instance's slice and releases the database so
// the primary (and siblings) can hold the writer lock
func (s *DuckDB) initParallel(ctx context.Context) error {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM information_schema.tables WHERE table_name = ?`, s.table,
	).Scan(&n); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeState, "probe work table %s", s.table)
	}
	if n == 0 {
		return perr.Statef("work table %s missing; a primary instance must materialize it first", s.table)
	}

	s.pos = s.opts.Offset
	last, ok, err := s.readCursor()
	if err != nil {
		return err
	}
	if ok && last > s.pos {
		s.pos = last
	}
	if !s.opts.Full && s.opts.Limit > 0 {
		s.end = s.opts.Offset + s.opts.Limit
	}

	if err := s.loadSlice(ctx); err != nil {
		return err
	}
	if err := s.db.Close(); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeState, "release work db")
	}
	s.db = nil

	s.log.Info().Str("cursor", s.cursorKey).Int64("resume_at", s.pos).
		Int("pending", len(s.pending)).Msg("parallel slice loaded, db released")
	return nil
}

type sliceCursor struct {
	LastID int64 `json:"lastId"`
}

func (s *DuckDB) readCursor() (int64, bool, error) {
	raw, err := os.ReadFile(s.cursorPath)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, perr.Wrapf(err, perr.ErrorCodeState, "read slice cursor %s", s.cursorPath)
	}
	var c sliceCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return 0, false, perr.Wrapf(err, perr.ErrorCodeJSON, "decode slice cursor %s", s.cursorPath)
	}
	return c.LastID, true, nil
}

// writeCursor rewrites the sidecar atomically, same idiom as the README
// store
func (s *DuckDB) writeCursor(lastID int64) error {
	raw, err := json.Marshal(sliceCursor{LastID: lastID})
	if err != nil {
		return perr.Wrapf(err, perr.ErrorCodeJSON, "encode slice cursor")
	}
	tmp := s.cursorPath + ".part"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeState, "write slice cursor %s", s.cursorPath)
	}
	if err := os.Rename(tmp, s.cursorPath); err != nil {
		_ = os.Remove(tmp)
		return perr.Wrapf(err, perr.ErrorCodeState, "rename slice cursor %s", s.cursorPath)
	}
	return nil
}

// loadSlice pulls the parallel instance's remaining rows into memory
func (s *DuckDB) loadSlice(ctx context.Context) error {
	q := fmt.Sprintf(
		`SELECT id, origin FROM %s WHERE id > ? AND id <= ? ORDER BY id`, s.table)
	rows, err := s.db.QueryContext(ctx, q, s.pos, s.end)
	if err != nil {
		return perr.Wrapf(err, perr.ErrorCodeState, "load slice (%d, %d]", s.pos, s.end)
	}
	defer rows.Close()
	for rows.Next() {
		var o domain.Origin
		if err := rows.Scan(&o.ID, &o.URL); err != nil {
			return perr.Wrapf(err, perr.ErrorCodeState, "scan slice row")
		}
		s.pending = append(s.pending, o)
	}
	if err := rows.Err(); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeState, "iterate slice")
	}
	return nil
}

// Next returns the next batch of origins; an empty slice means drained
func (s *DuckDB) Next(ctx context.Context) ([]domain.Origin, error) {
	if s.opts.Offset > 0 {
		n := s.opts.BatchSize
		if n > len(s.pending) {
			n = len(s.pending)
		}
		batch := s.pending[:n]
		s.pending = s.pending[n:]
		if n > 0 {
			s.pos = batch[n-1].ID
		}
		return batch, nil
	}

	limit := int64(s.opts.BatchSize)
	if s.end > 0 && s.pos+limit > s.end {
		limit = s.end - s.pos
	}
	if limit <= 0 {
		return nil, nil
	}

	q := fmt.Sprintf(`SELECT id, origin FROM %s WHERE id > ? ORDER BY id LIMIT ?`, s.table)
	rows, err := s.db.QueryContext(ctx, q, s.pos, limit)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeState, "next batch after %d", s.pos)
	}
	defer rows.Close()

	var batch []domain.Origin
	for rows.Next() {
		var o domain.Origin
		if err := rows.Scan(&o.ID, &o.URL); err != nil {
			return nil, perr.Wrapf(err, perr.ErrorCodeState, "scan origin row")
		}
		batch = append(batch, o)
	}
	if err := rows.Err(); err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeState, "iterate batch")
	}
	if len(batch) > 0 {
		s.pos = batch[len(batch)-1].ID
	}
	return batch, nil
}

// Commit persists the cursor so a restart resumes after lastID.
// Parallel instances commit to their sidecar; the database stays closed
func (s *DuckDB) Commit(ctx context.Context, lastID int64) error {
	if s.opts.Offset > 0 {
		return s.writeCursor(lastID)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cursors (key, last_id) VALUES (?, ?)`,
		s.cursorKey, lastID,
	); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeState, "commit cursor %s=%d", s.cursorKey, lastID)
	}
	return nil
}

// Close releases the database handle; parallel instances already did
func (s *DuckDB) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
