// Package store implements the embedded SQL persistence layer for State
// records described in spec §4.6: typed CRUD, pagination, and indexed JSON
// lookups, backed by a CGO-free sqlite driver.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/watchstate/syncengine/entity"
	_ "modernc.org/sqlite"
)

// Store is typed persistence for entity.State. A single Store is opened at
// startup and shared by reference across orchestrator runs; writes are
// serialized by sqlite's own single-writer semantics (spec §5 "Store:
// single-writer (serialized commits), many concurrent readers").
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and runs
// the schema migration. Pass ":memory:" for an ephemeral store (tests).
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// A single physical writer connection avoids SQLITE_BUSY under the
	// concurrent orchestrator workload this engine drives.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

type row struct {
	id       int64
	typ      string
	via      string
	title    string
	year     int
	season   int
	episode  int
	watched  bool
	updated  int64
	progress sql.NullInt64
	tainted  bool
	guids    string
	parent   string
	virtual  string
	metadata string
	extra    string
}

func (r row) toState() (entity.State, error) {
	s := entity.State{
		ID:      r.id,
		Type:    entity.Kind(r.typ),
		Via:     r.via,
		Title:   r.title,
		Year:    r.year,
		Season:  r.season,
		Episode: r.episode,
		Watched: r.watched,
		Updated: r.updated,
		Tainted: r.tainted,
	}
	if r.progress.Valid {
		p := r.progress.Int64
		s.Progress = &p
	}
	if err := json.Unmarshal([]byte(r.guids), &s.GUIDs); err != nil {
		return entity.State{}, fmt.Errorf("store: decode guids: %w", err)
	}
	if err := json.Unmarshal([]byte(r.parent), &s.ParentGUIDs); err != nil {
		return entity.State{}, fmt.Errorf("store: decode parent guids: %w", err)
	}
	s.RelativeGUIDs = s.ParentGUIDs
	if err := json.Unmarshal([]byte(r.virtual), &s.VirtualGUIDs); err != nil {
		return entity.State{}, fmt.Errorf("store: decode virtual guids: %w", err)
	}
	if err := json.Unmarshal([]byte(r.metadata), &s.Metadata); err != nil {
		return entity.State{}, fmt.Errorf("store: decode metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(r.extra), &s.Extra); err != nil {
		return entity.State{}, fmt.Errorf("store: decode extra: %w", err)
	}
	return s, nil
}

const selectCols = "id, type, via, title, year, season, episode, watched, updated, progress, tainted, guids, parent, virtual, metadata, extra"

func scanRow(scanner interface{ Scan(...any) error }) (row, error) {
	var r row
	err := scanner.Scan(&r.id, &r.typ, &r.via, &r.title, &r.year, &r.season, &r.episode,
		&r.watched, &r.updated, &r.progress, &r.tainted, &r.guids, &r.parent, &r.virtual, &r.metadata, &r.extra)
	return r, err
}

// Get loads a single State by its local id.
func (s *Store) Get(ctx context.Context, id int64) (entity.State, error) {
	r, err := scanRow(s.db.QueryRowContext(ctx, "SELECT "+selectCols+" FROM state WHERE id = ?", id))
	if err != nil {
		return entity.State{}, fmt.Errorf("store: get %d: %w", id, err)
	}
	return r.toState()
}

// FindByPointers returns every State that owns at least one of the given
// identity pointers (spec §4.1 "matches"), via the state_pointer index.
func (s *Store) FindByPointers(ctx context.Context, pointers []string) ([]entity.State, error) {
	if len(pointers) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(pointers))
	args := make([]any, len(pointers))
	for i, p := range pointers {
		placeholders[i] = "?"
		args[i] = p
	}
	query := fmt.Sprintf(
		"SELECT %s FROM state WHERE id IN (SELECT DISTINCT state_id FROM state_pointer WHERE pointer IN (%s))",
		selectCols, strings.Join(placeholders, ", "),
	)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: find by pointers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []entity.State
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		st, err := r.toState()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Upsert persists s. When s.ID is zero a new row is inserted and its id
// returned with created=true; otherwise the existing row is replaced.
// The identity pointer index is rebuilt for the row inside the same
// transaction as the row write; each call is its own transaction.
func (s *Store) Upsert(ctx context.Context, st entity.State) (id int64, created bool, err error) {
	guids, err := json.Marshal(nonNilGUIDs(st.GUIDs))
	if err != nil {
		return 0, false, err
	}
	parent, err := json.Marshal(nonNilGUIDs(st.ParentGUIDs))
	if err != nil {
		return 0, false, err
	}
	virtual, err := json.Marshal(nonNilVirtual(st.VirtualGUIDs))
	if err != nil {
		return 0, false, err
	}
	metadata, err := json.Marshal(nonNilMetadata(st.Metadata))
	if err != nil {
		return 0, false, err
	}
	extra, err := json.Marshal(nonNilExtra(st.Extra))
	if err != nil {
		return 0, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("store: begin upsert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var progress sql.NullInt64
	if st.Progress != nil {
		progress = sql.NullInt64{Int64: *st.Progress, Valid: true}
	}

	if st.ID == 0 {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO state (type, via, title, year, season, episode, watched, updated, progress, tainted, guids, parent, virtual, metadata, extra)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(st.Type), st.Via, st.Title, st.Year, st.Season, st.Episode, st.Watched, st.Updated, progress, st.Tainted,
			string(guids), string(parent), string(virtual), string(metadata), string(extra))
		if err != nil {
			return 0, false, fmt.Errorf("store: insert: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return 0, false, err
		}
		created = true
	} else {
		id = st.ID
		_, err = tx.ExecContext(ctx,
			`UPDATE state SET type=?, via=?, title=?, year=?, season=?, episode=?, watched=?, updated=?, progress=?, tainted=?,
			 guids=?, parent=?, virtual=?, metadata=?, extra=? WHERE id=?`,
			string(st.Type), st.Via, st.Title, st.Year, st.Season, st.Episode, st.Watched, st.Updated, progress, st.Tainted,
			string(guids), string(parent), string(virtual), string(metadata), string(extra), id)
		if err != nil {
			return 0, false, fmt.Errorf("store: update %d: %w", id, err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM state_pointer WHERE state_id = ?", id); err != nil {
		return 0, false, fmt.Errorf("store: clear pointers for %d: %w", id, err)
	}
	st.ID = id
	for _, p := range st.Pointers() {
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO state_pointer (pointer, state_id) VALUES (?, ?)", p, id); err != nil {
			return 0, false, fmt.Errorf("store: index pointer %q for %d: %w", p, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("store: commit upsert: %w", err)
	}
	return id, created, nil
}

// Delete removes a state and its pointer index entries. Per spec §3
// lifecycle, normal sync never calls this — it exists only for the
// administrative parity-prune command.
func (s *Store) Delete(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM state_pointer WHERE state_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM state WHERE id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

// Filter narrows a Page query.
type Filter struct {
	Via         string // empty = any backend
	UpdatedAfter int64 // 0 = no lower bound
	Type        entity.Kind // empty = any type
}

// Sort picks the Page ordering.
type Sort struct {
	Field string // "updated" or "id"; defaults to "id"
	Desc  bool
}

// Page returns one page of states matching filter, ordered by sort, along
// with the total row count matching filter (ignoring limit/offset).
func (s *Store) Page(ctx context.Context, filter Filter, sortBy Sort, limit, offset int) ([]entity.State, int, error) {
	where, args := filter.build()

	field := "id"
	if sortBy.Field == "updated" {
		field = "updated"
	}
	direction := "ASC"
	if sortBy.Desc {
		direction = "DESC"
	}

	countQuery := "SELECT COUNT(*) FROM state" + where
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM state%s ORDER BY %s %s LIMIT ? OFFSET ?", selectCols, where, field, direction)
	rows, err := s.db.QueryContext(ctx, query, append(append([]any{}, args...), limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: page: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []entity.State
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		st, err := r.toState()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, st)
	}
	return out, total, rows.Err()
}

func (f Filter) build() (string, []any) {
	var clauses []string
	var args []any
	if f.Via != "" {
		clauses = append(clauses, "via = ?")
		args = append(args, f.Via)
	}
	if f.UpdatedAfter > 0 {
		clauses = append(clauses, "updated > ?")
		args = append(args, f.UpdatedAfter)
	}
	if f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, string(f.Type))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Parity returns every state whose metadata carries fewer than minBackends
// backend entries — the diagnostic view of spec §4.6 / GLOSSARY "Parity".
// It uses sqlite's json_each table-valued function to count metadata keys
// directly in SQL rather than decoding every row in Go.
func (s *Store) Parity(ctx context.Context, minBackends int) ([]entity.State, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM state s
		 WHERE (SELECT COUNT(*) FROM json_each(s.metadata)) < ?`,
		selectCols,
	)
	rows, err := s.db.QueryContext(ctx, query, minBackends)
	if err != nil {
		return nil, fmt.Errorf("store: parity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []entity.State
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		st, err := r.toState()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func nonNilGUIDs(g entity.GUIDs) entity.GUIDs {
	if g == nil {
		return entity.GUIDs{}
	}
	return g
}

func nonNilVirtual(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilMetadata(m map[string]entity.BackendMetadata) map[string]entity.BackendMetadata {
	if m == nil {
		return map[string]entity.BackendMetadata{}
	}
	return m
}

func nonNilExtra(m map[string]entity.ExtraEvent) map[string]entity.ExtraEvent {
	if m == nil {
		return map[string]entity.ExtraEvent{}
	}
	return m
}
