package auth

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

var ErrUserNotFound = errors.New("user not found")

const userColumns = `id, username, email, password_hash, role, created_at`

func (s *Store) GetByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
	return scanUser(row)
}

func (s *Store) GetByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return u, nil
}

func (s *Store) Create(ctx context.Context, username, email, password string, role Role) (*User, error) {
	if !role.Valid() {
		role = RoleUser
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	u := &User{
		ID:           uuid.Must(uuid.NewV4()).String(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
	const q = `
		INSERT INTO users (id, username, email, password_hash, role, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := s.db.ExecContext(ctx, q, u.ID, u.Username, u.Email, u.PasswordHash, u.Role, u.CreatedAt); err != nil {
		return nil, err
	}
	return u, nil
}

// summaryBatchSize bounds the bind parameters of a single IN (...) lookup.
var summaryBatchSize = 500

// Summaries resolves user ids to display summaries. Unknown ids are absent
// from the result.
func (s *Store) Summaries(ctx context.Context, ids []string) (map[string]Summary, error) {
	out := make(map[string]Summary, len(ids))
	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	for start := 0; start < len(unique); start += summaryBatchSize {
		end := start + summaryBatchSize
		if end > len(unique) {
			end = len(unique)
		}
		if err := s.summaryBatch(ctx, unique[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) summaryBatch(ctx context.Context, ids []string, out map[string]Summary) error {
	args := make([]any, len(ids))
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		args[i] = id
		placeholders[i] = "$" + strconv.Itoa(i+1)
	}
	q := `SELECT id, username, email FROM users WHERE id IN (` + strings.Join(placeholders, ",") + `)`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.Username, &sum.Email); err != nil {
			return err
		}
		out[sum.ID] = sum
	}
	return rows.Err()
}

type usersFile struct {
	Users []struct {
		Username string `yaml:"username"`
		Email    string `yaml:"email"`
		Password string `yaml:"password"`
		Role     Role   `yaml:"role"`
	} `yaml:"users"`
}

// SeedFromFile creates the users listed in a YAML file unless they exist.
// A missing file is not an error.
func (s *Store) SeedFromFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	var uf usersFile
	if err := yaml.Unmarshal(data, &uf); err != nil {
		return 0, err
	}
	created := 0
	for _, u := range uf.Users {
		if u.Username == "" || u.Password == "" {
			continue
		}
		if _, err := s.GetByUsername(ctx, u.Username); err == nil {
			continue
		} else if !errors.Is(err, ErrUserNotFound) {
			return created, err
		}
		if _, err := s.Create(ctx, u.Username, u.Email, u.Password, u.Role); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}
