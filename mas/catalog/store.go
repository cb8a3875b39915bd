package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Store keeps scenes in Postgres or SQLite.
type Store struct {
	DB     *sql.DB
	Driver string
}

// Open connects to the catalog database and applies pending
// migrations.
func Open(driver, dsn string, verbose bool) (*Store, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported catalog driver: %s", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// a single connection keeps ":memory:" databases shared
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog database unreachable: %v", err)
	}
	if err := MigrateUp(db, driver, verbose); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{DB: db, Driver: driver}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

// rebind turns '?' placeholders into '$n' for Postgres.
func (s *Store) rebind(query string) string {
	if s.Driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const upsertScene = `INSERT INTO scenes
	(id, collection, acquired, cloud_cover, wrs_path, wrs_row, min_x, min_y, max_x, max_y, polygon, bands, geotransform)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		collection = excluded.collection,
		acquired = excluded.acquired,
		cloud_cover = excluded.cloud_cover,
		wrs_path = excluded.wrs_path,
		wrs_row = excluded.wrs_row,
		min_x = excluded.min_x,
		min_y = excluded.min_y,
		max_x = excluded.max_x,
		max_y = excluded.max_y,
		polygon = excluded.polygon,
		bands = excluded.bands,
		geotransform = excluded.geotransform`

// Insert adds or replaces scenes in one transaction.
func (s *Store) Insert(ctx context.Context, scenes ...*Scene) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(upsertScene))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, sc := range scenes {
		if len(sc.ID) == 0 || len(sc.Collection) == 0 {
			return fmt.Errorf("scene needs an id and a collection: %+v", sc)
		}
		bands, err := json.Marshal(sc.Bands)
		if err != nil {
			return err
		}
		geot, err := json.Marshal(sc.GeoTransform)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx, sc.ID, sc.Collection, sc.Acquired.Unix(), sc.CloudCover, sc.WRSPath, sc.WRSRow,
			sc.BBox[0], sc.BBox[1], sc.BBox[2], sc.BBox[3], sc.Polygon, string(bands), string(geot))
		if err != nil {
			return fmt.Errorf("insert scene %s: %v", sc.ID, err)
		}
	}
	return tx.Commit()
}

const selectScene = `SELECT id, collection, acquired, cloud_cover, wrs_path, wrs_row,
	min_x, min_y, max_x, max_y, polygon, bands, geotransform FROM scenes`

// Search returns the scenes matching f ordered by acquisition time.
func (s *Store) Search(ctx context.Context, f Filter) (SceneCollection, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	var where []string
	var args []interface{}
	if len(f.Collection) > 0 {
		where = append(where, "collection = ?")
		args = append(args, f.Collection)
	}
	if !f.Since.IsZero() {
		where = append(where, "acquired >= ?")
		args = append(args, f.Since.Unix())
	}
	if !f.Until.IsZero() {
		where = append(where, "acquired < ?")
		args = append(args, f.Until.Unix())
	}
	if f.BBox != nil {
		where = append(where, "min_x <= ? AND max_x >= ? AND min_y <= ? AND max_y >= ?")
		args = append(args, f.BBox[2], f.BBox[0], f.BBox[3], f.BBox[1])
	}
	if f.WRSPath > 0 {
		where = append(where, "wrs_path = ?")
		args = append(args, f.WRSPath)
	}
	if f.WRSRow > 0 {
		where = append(where, "wrs_row = ?")
		args = append(args, f.WRSRow)
	}
	if f.MaxCloudCover != nil {
		where = append(where, "cloud_cover < ?")
		args = append(args, *f.MaxCloudCover)
	}

	query := selectScene
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY acquired, id"
	if f.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(f.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out SceneCollection
	for rows.Next() {
		sc, err := scanScene(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// Get returns one scene by id or ErrEmptyResult.
func (s *Store) Get(ctx context.Context, id string) (*Scene, error) {
	row := s.DB.QueryRowContext(ctx, s.rebind(selectScene+" WHERE id = ?"), id)
	sc, err := scanScene(row)
	if err == sql.ErrNoRows {
		return nil, ErrEmptyResult
	}
	return sc, err
}

// Collections lists the distinct collection names.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, "SELECT DISTINCT collection FROM scenes ORDER BY collection")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanScene(row scanner) (*Scene, error) {
	var sc Scene
	var acquired int64
	var bands, geot string
	err := row.Scan(&sc.ID, &sc.Collection, &acquired, &sc.CloudCover, &sc.WRSPath, &sc.WRSRow,
		&sc.BBox[0], &sc.BBox[1], &sc.BBox[2], &sc.BBox[3], &sc.Polygon, &bands, &geot)
	if err != nil {
		return nil, err
	}
	sc.Acquired = time.Unix(acquired, 0).UTC()
	if err := json.Unmarshal([]byte(bands), &sc.Bands); err != nil {
		return nil, fmt.Errorf("scene %s: invalid bands: %v", sc.ID, err)
	}
	if err := json.Unmarshal([]byte(geot), &sc.GeoTransform); err != nil {
		return nil, fmt.Errorf("scene %s: invalid geotransform: %v", sc.ID, err)
	}
	return &sc, nil
}
