package relay

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ehrlich-b/devroom/internal/filetree"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeLayout = time.RFC3339Nano

type RelayStore struct {
	db *sql.DB
}

// DB returns the underlying database connection.
func (s *RelayStore) DB() *sql.DB { return s.db }

// User is a registered account. The password hash never leaves the store.
type User struct {
	ID           string    `json:"_id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Project is a collaborative workspace with its file tree.
type Project struct {
	ID            string        `json:"_id"`
	Name          string        `json:"name"`
	Users         []string      `json:"users"`
	Collaborators []User        `json:"collaborators,omitempty"` // populated by GetProject
	FileTree      filetree.Tree `json:"fileTree"`
	Template      string        `json:"template"`
	CreatedBy     string        `json:"createdBy"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// HasMember reports whether userID is a collaborator.
func (p *Project) HasMember(userID string) bool {
	for _, u := range p.Users {
		if u == userID {
			return true
		}
	}
	return false
}

func OpenRelay(dsn string) (*RelayStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if dsn == ":memory:" {
		// Every pooled connection would get its own empty in-memory database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &RelayStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *RelayStore) Close() error {
	return s.db.Close()
}

func (s *RelayStore) GetRelayConfig(key string) (string, error) {
	var val string
	err := s.db.QueryRow("SELECT value FROM relay_config WHERE key = ?", key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get relay config: %w", err)
	}
	return val, nil
}

func (s *RelayStore) SetRelayConfig(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO relay_config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set relay config: %w", err)
	}
	return nil
}

// Users

func (s *RelayStore) CreateUser(email, passwordHash string) (*User, error) {
	u := &User{
		ID:           uuid.New().String(),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.db.Exec(
		"INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)",
		u.ID, u.Email, u.PasswordHash, u.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func (s *RelayStore) scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var created string
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &created); err != nil {
		return nil, err
	}
	u.CreatedAt, _ = time.Parse(timeLayout, created)
	return &u, nil
}

func (s *RelayStore) GetUserByEmail(email string) (*User, error) {
	row := s.db.QueryRow(
		"SELECT id, email, password_hash, created_at FROM users WHERE email = ?",
		strings.ToLower(strings.TrimSpace(email)),
	)
	u, err := s.scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

func (s *RelayStore) GetUserByID(id string) (*User, error) {
	row := s.db.QueryRow("SELECT id, email, password_hash, created_at FROM users WHERE id = ?", id)
	u, err := s.scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// ListUsersExcept returns every user other than userID, ordered by email.
func (s *RelayStore) ListUsersExcept(userID string) ([]User, error) {
	rows, err := s.db.Query(
		"SELECT id, email, password_hash, created_at FROM users WHERE id != ? ORDER BY email",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := s.scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// Projects

// CreateProject inserts a project owned by ownerID with tree as its
// initial file tree.
func (s *RelayStore) CreateProject(name, ownerID, template string, tree filetree.Tree) (*Project, error) {
	if tree == nil {
		tree = filetree.Tree{}
	}
	raw, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("encode file tree: %w", err)
	}
	now := time.Now().UTC()
	p := &Project{
		ID:        uuid.New().String(),
		Name:      name,
		Users:     []string{ownerID},
		FileTree:  tree,
		Template:  template,
		CreatedBy: ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin create project: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(
		"INSERT INTO projects (id, name, template, created_by, file_tree, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		p.ID, p.Name, p.Template, p.CreatedBy, string(raw), now.Format(timeLayout), now.Format(timeLayout),
	); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT INTO project_users (project_id, user_id, position) VALUES (?, ?, 0)",
		p.ID, ownerID,
	); err != nil {
		return nil, fmt.Errorf("add owner: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create project: %w", err)
	}
	return p, nil
}

type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

func getProject(q queryer, id string) (*Project, error) {
	var p Project
	var raw, created, updated string
	err := q.QueryRow(
		"SELECT id, name, template, created_by, file_tree, created_at, updated_at FROM projects WHERE id = ?", id,
	).Scan(&p.ID, &p.Name, &p.Template, &p.CreatedBy, &raw, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	p.CreatedAt, _ = time.Parse(timeLayout, created)
	p.UpdatedAt, _ = time.Parse(timeLayout, updated)
	if err := json.Unmarshal([]byte(raw), &p.FileTree); err != nil {
		return nil, fmt.Errorf("decode file tree of %s: %w", id, err)
	}
	if p.FileTree == nil {
		p.FileTree = filetree.Tree{}
	}

	rows, err := q.Query("SELECT user_id FROM project_users WHERE project_id = ? ORDER BY position", id)
	if err != nil {
		return nil, fmt.Errorf("get project users: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		p.Users = append(p.Users, uid)
	}
	return &p, rows.Err()
}

// GetProject returns the project or nil if it does not exist.
func (s *RelayStore) GetProject(id string) (*Project, error) {
	return getProject(s.db, id)
}

// GetProjectWithUsers is GetProject with Collaborators populated.
func (s *RelayStore) GetProjectWithUsers(id string) (*Project, error) {
	p, err := s.GetProject(id)
	if err != nil || p == nil {
		return p, err
	}
	for _, uid := range p.Users {
		u, err := s.GetUserByID(uid)
		if err != nil {
			return nil, err
		}
		if u != nil {
			p.Collaborators = append(p.Collaborators, *u)
		}
	}
	return p, nil
}

// ListProjectsForUser returns every project userID collaborates on, newest first.
func (s *RelayStore) ListProjectsForUser(userID string) ([]*Project, error) {
	rows, err := s.db.Query(
		`SELECT p.id FROM projects p JOIN project_users pu ON pu.project_id = p.id
		 WHERE pu.user_id = ? ORDER BY p.updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Project, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetProject(id)
		if err != nil {
			return nil, err
		}
		if p != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

// AddCollaborators adds userIDs to the project. The requester must already
// be a member. Users already present are skipped, so the result is the set
// union in join order.
func (s *RelayStore) AddCollaborators(projectID, requesterID string, userIDs []string) (*Project, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin add collaborators: %w", err)
	}
	defer tx.Rollback()

	p, err := getProject(tx, projectID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}
	if !p.HasMember(requesterID) {
		return nil, ErrNotMember
	}

	next := len(p.Users)
	for _, uid := range userIDs {
		if p.HasMember(uid) {
			continue
		}
		var exists int
		if err := tx.QueryRow("SELECT COUNT(*) FROM users WHERE id = ?", uid).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check user: %w", err)
		}
		if exists == 0 {
			return nil, invalid("users", "unknown user "+uid)
		}
		if _, err := tx.Exec(
			"INSERT INTO project_users (project_id, user_id, position) VALUES (?, ?, ?)",
			projectID, uid, next,
		); err != nil {
			return nil, fmt.Errorf("add collaborator: %w", err)
		}
		p.Users = append(p.Users, uid)
		next++
	}
	if _, err := tx.Exec("UPDATE projects SET updated_at = ? WHERE id = ?", time.Now().UTC().Format(timeLayout), projectID); err != nil {
		return nil, fmt.Errorf("touch project: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit add collaborators: %w", err)
	}
	return s.GetProject(projectID)
}

// UpdateFileTree replaces the project's file tree wholesale.
func (s *RelayStore) UpdateFileTree(projectID string, tree filetree.Tree) (*Project, error) {
	if err := filetree.Validate(tree); err != nil {
		return nil, invalid("fileTree", err.Error())
	}
	raw, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("encode file tree: %w", err)
	}
	res, err := s.db.Exec(
		"UPDATE projects SET file_tree = ?, updated_at = ? WHERE id = ?",
		string(raw), time.Now().UTC().Format(timeLayout), projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("update file tree: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetProject(projectID)
}

// DeleteProject removes the project if requesterID is a member and returns
// the deleted record.
func (s *RelayStore) DeleteProject(projectID, requesterID string) (*Project, error) {
	p, err := s.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}
	if !p.HasMember(requesterID) {
		return nil, ErrNotMember
	}
	if _, err := s.db.Exec("DELETE FROM projects WHERE id = ?", projectID); err != nil {
		return nil, fmt.Errorf("delete project: %w", err)
	}
	return p, nil
}

func (s *RelayStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}
