package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/tern/vm"
)

// ErrProgramNotFound indicates the requested program doesn't exist.
var ErrProgramNotFound = errors.New("program not found")

var log = commonlog.GetLogger("tern.store")

// Store keeps program images in a SQLite database, keyed by program ID.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Entry describes one stored program.
type Entry struct {
	ID      uuid.UUID
	Name    string
	Size    int
	Created time.Time
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS programs (
		id      TEXT PRIMARY KEY,
		name    TEXT NOT NULL,
		image   BLOB NOT NULL,
		created INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	log.Debugf("opened program store %s", path)
	return &Store{db: db, path: path}, nil
}

// Path returns the database path.
func (s *Store) Path() string { return s.path }

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save stores p, replacing any program with the same ID. The creation
// time of a replaced program is kept.
func (s *Store) Save(p *vm.Program) error {
	data, err := MarshalProgram(p)
	if err != nil {
		return err
	}
	return s.SaveImage(p.ID, p.Name, data)
}

// SaveImage stores an already encoded image.
func (s *Store) SaveImage(id uuid.UUID, name string, image []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO programs (id, name, image, created) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, image = excluded.image`,
		id.String(), name, image, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("saving program %s: %w", id, err)
	}
	log.Infof("saved program %s (%s, %d bytes)", name, id, len(image))
	return nil
}

// Image returns the encoded image of program id.
func (s *Store) Image(id uuid.UUID) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow("SELECT image FROM programs WHERE id = ?", id.String()).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrProgramNotFound, id)
		}
		return nil, fmt.Errorf("querying program: %w", err)
	}
	return data, nil
}

// Load reads program id and links it against rt.
func (s *Store) Load(rt *vm.Runtime, id uuid.UUID) (*vm.Program, error) {
	data, err := s.Image(id)
	if err != nil {
		return nil, err
	}
	return UnmarshalProgram(rt, data)
}

// List returns every stored program, oldest first.
func (s *Store) List() ([]Entry, error) {
	rows, err := s.db.Query("SELECT id, name, length(image), created FROM programs ORDER BY created, id")
	if err != nil {
		return nil, fmt.Errorf("listing programs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			id      string
			e       Entry
			created int64
		)
		if err := rows.Scan(&id, &e.Name, &e.Size, &created); err != nil {
			return nil, fmt.Errorf("listing programs: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("listing programs: bad id %q: %w", id, err)
		}
		e.Created = time.Unix(0, created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes program id.
func (s *Store) Delete(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM programs WHERE id = ?", id.String())
	if err != nil {
		return fmt.Errorf("deleting program %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrProgramNotFound, id)
	}
	log.Infof("deleted program %s", id)
	return nil
}

// Resolve finds a program by full ID, unique ID prefix, or unique name.
func (s *Store) Resolve(ref string) (uuid.UUID, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return id, nil
	}
	entries, err := s.List()
	if err != nil {
		return uuid.Nil, err
	}
	var matches []uuid.UUID
	for _, e := range entries {
		if e.Name == ref || (len(ref) >= 4 && strings.HasPrefix(e.ID.String(), ref)) {
			matches = append(matches, e.ID)
		}
	}
	switch len(matches) {
	case 0:
		return uuid.Nil, fmt.Errorf("%w: %s", ErrProgramNotFound, ref)
	case 1:
		return matches[0], nil
	}
	return uuid.Nil, fmt.Errorf("%q is ambiguous: %d programs match", ref, len(matches))
}
