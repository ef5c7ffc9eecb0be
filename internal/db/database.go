package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/manpreetbhatti/roomsync/internal/geom"
	"github.com/manpreetbhatti/roomsync/internal/scene"
)

var ErrInvalidProject = errors.New("invalid project")

type Database struct {
	db *sql.DB
}

type Project struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Template   string          `json:"template"`
	Dimensions geom.Dimensions `json:"room_dimensions"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type CatalogItem struct {
	Ref       string    `json:"ref"`
	Name      string    `json:"name"`
	Category  string    `json:"category"`
	Extent    geom.Vec3 `json:"extent"`
	CreatedAt time.Time `json:"created_at"`
}

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{"component": "db", "path": dbPath}).Info("Database initialized")
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		template TEXT NOT NULL DEFAULT '',
		width REAL NOT NULL,
		depth REAL NOT NULL,
		height REAL NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS furniture (
		project_id TEXT NOT NULL,
		id TEXT NOT NULL,
		catalog_ref TEXT NOT NULL DEFAULT '',
		pos_x REAL NOT NULL, pos_y REAL NOT NULL, pos_z REAL NOT NULL,
		rot_x REAL NOT NULL, rot_y REAL NOT NULL, rot_z REAL NOT NULL,
		ext_x REAL NOT NULL, ext_y REAL NOT NULL, ext_z REAL NOT NULL,
		PRIMARY KEY (project_id, id),
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS catalog_items (
		ref TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		ext_x REAL NOT NULL,
		ext_y REAL NOT NULL,
		ext_z REAL NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Project operations

// CreateProject inserts a project unless one with the same id exists. An
// empty template selects the default; zero dimensions take the template's.
func (d *Database) CreateProject(ctx context.Context, p Project) (*Project, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidProject)
	}
	if p.Template == "" {
		p.Template = geom.DefaultTemplate
	}
	if !p.Dimensions.Valid() {
		dims, ok := geom.Template(p.Template)
		if !ok {
			return nil, fmt.Errorf("%w: unknown template %q", ErrInvalidProject, p.Template)
		}
		p.Dimensions = dims
	}
	_, err := d.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO projects (id, name, template, width, depth, height) VALUES (?, ?, ?, ?, ?, ?)",
		p.ID, p.Name, p.Template, p.Dimensions.Width, p.Dimensions.Depth, p.Dimensions.Height,
	)
	if err != nil {
		return nil, err
	}
	return d.GetProject(ctx, p.ID)
}

// GetProject returns nil when the project does not exist.
func (d *Database) GetProject(ctx context.Context, id string) (*Project, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, name, template, width, depth, height, created_at, updated_at FROM projects WHERE id = ?",
		id,
	)

	var p Project
	err := row.Scan(&p.ID, &p.Name, &p.Template, &p.Dimensions.Width, &p.Dimensions.Depth, &p.Dimensions.Height, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (d *Database) ListProjects(ctx context.Context, limit, offset int) ([]Project, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, name, template, width, depth, height, created_at, updated_at FROM projects ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := []Project{}
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Template, &p.Dimensions.Width, &p.Dimensions.Depth, &p.Dimensions.Height, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// DeleteProject removes a project and its furniture. It reports whether the
// project existed.
func (d *Database) DeleteProject(ctx context.Context, id string) (bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM furniture WHERE project_id = ?", id); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, tx.Commit()
}

// Layout operations

// Load returns the stored layout of a project, creating the project with the
// default template when it is unknown.
func (d *Database) Load(ctx context.Context, projectID string) (geom.Dimensions, []scene.Object, error) {
	p, err := d.CreateProject(ctx, Project{ID: projectID})
	if err != nil {
		return geom.Dimensions{}, nil, err
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, catalog_ref, pos_x, pos_y, pos_z, rot_x, rot_y, rot_z, ext_x, ext_y, ext_z
		FROM furniture WHERE project_id = ? ORDER BY id ASC
	`, projectID)
	if err != nil {
		return geom.Dimensions{}, nil, err
	}
	defer rows.Close()

	var objects []scene.Object
	for rows.Next() {
		var o scene.Object
		if err := rows.Scan(&o.ID, &o.CatalogRef,
			&o.Position.X, &o.Position.Y, &o.Position.Z,
			&o.Rotation.X, &o.Rotation.Y, &o.Rotation.Z,
			&o.Extent.X, &o.Extent.Y, &o.Extent.Z,
		); err != nil {
			return geom.Dimensions{}, nil, err
		}
		objects = append(objects, o)
	}
	if err := rows.Err(); err != nil {
		return geom.Dimensions{}, nil, err
	}
	return p.Dimensions, objects, nil
}

// Save replaces the stored layout of a project in one transaction.
func (d *Database) Save(ctx context.Context, projectID string, dims geom.Dimensions, objects []scene.Object) error {
	if !dims.Valid() {
		return fmt.Errorf("%w: dimensions must be positive", ErrInvalidProject)
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projects (id, template, width, depth, height, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			width = excluded.width,
			depth = excluded.depth,
			height = excluded.height,
			updated_at = CURRENT_TIMESTAMP
	`, projectID, geom.DefaultTemplate, dims.Width, dims.Depth, dims.Height)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM furniture WHERE project_id = ?", projectID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO furniture (project_id, id, catalog_ref, pos_x, pos_y, pos_z, rot_x, rot_y, rot_z, ext_x, ext_y, ext_z)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, o := range objects {
		_, err := stmt.ExecContext(ctx, projectID, o.ID, o.CatalogRef,
			o.Position.X, o.Position.Y, o.Position.Z,
			o.Rotation.X, o.Rotation.Y, o.Rotation.Z,
			o.Extent.X, o.Extent.Y, o.Extent.Z,
		)
		if err != nil {
			return fmt.Errorf("save furniture %s: %w", o.ID, err)
		}
	}
	return tx.Commit()
}

// Catalog operations

func (d *Database) UpsertCatalogItem(ctx context.Context, item CatalogItem) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO catalog_items (ref, name, category, ext_x, ext_y, ext_z)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(ref) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			ext_x = excluded.ext_x,
			ext_y = excluded.ext_y,
			ext_z = excluded.ext_z
	`, item.Ref, item.Name, item.Category, item.Extent.X, item.Extent.Y, item.Extent.Z)
	return err
}

// GetCatalogItem returns nil when the ref is unknown.
func (d *Database) GetCatalogItem(ctx context.Context, ref string) (*CatalogItem, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT ref, name, category, ext_x, ext_y, ext_z, created_at FROM catalog_items WHERE ref = ?",
		ref,
	)

	var item CatalogItem
	err := row.Scan(&item.Ref, &item.Name, &item.Category, &item.Extent.X, &item.Extent.Y, &item.Extent.Z, &item.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (d *Database) ListCatalog(ctx context.Context) ([]CatalogItem, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT ref, name, category, ext_x, ext_y, ext_z, created_at FROM catalog_items ORDER BY category ASC, ref ASC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []CatalogItem{}
	for rows.Next() {
		var item CatalogItem
		if err := rows.Scan(&item.Ref, &item.Name, &item.Category, &item.Extent.X, &item.Extent.Y, &item.Extent.Z, &item.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CatalogExtent resolves the bounding extent of a catalog item.
func (d *Database) CatalogExtent(ctx context.Context, ref string) (geom.Vec3, bool, error) {
	item, err := d.GetCatalogItem(ctx, ref)
	if err != nil || item == nil {
		return geom.Vec3{}, false, err
	}
	return item.Extent, true, nil
}

// Stats

func (d *Database) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	counts := []struct {
		key   string
		query string
	}{
		{"project_count", "SELECT COUNT(*) FROM projects"},
		{"furniture_count", "SELECT COUNT(*) FROM furniture"},
		{"catalog_count", "SELECT COUNT(*) FROM catalog_items"},
	}
	for _, c := range counts {
		var n int
		if err := d.db.QueryRowContext(ctx, c.query).Scan(&n); err != nil {
			return nil, err
		}
		stats[c.key] = n
	}
	return stats, nil
}
