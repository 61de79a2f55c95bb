package repositories

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/mbingo/internal/models"
	"github.com/desertthunder/mbingo/internal/shared"
)

// StoredCredentials is the persisted session of one server.
type StoredCredentials struct {
	ServerURL   string
	Credentials models.Credentials
	Username    string
	UpdatedAt   time.Time
}

// CredentialSource publishes every change of the in-memory credentials. [api.TokenStore] satisfies it.
type CredentialSource interface {
	Subscribe(fn func(models.Credentials)) func()
}

// CredentialRepository persists tokens keyed by server URL.
type CredentialRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewCredentialRepository creates a new [CredentialRepository] with the given database connection
func NewCredentialRepository(db *sql.DB) *CredentialRepository {
	return &CredentialRepository{db: db, now: time.Now}
}

// Save stores creds for serverURL, replacing any previous row but keeping its username.
func (r *CredentialRepository) Save(serverURL string, creds models.Credentials) error {
	if serverURL == "" {
		return fmt.Errorf("%w: server url is required", shared.ErrInvalidInput)
	}

	query := `
		INSERT INTO credentials (server_url, access_token, refresh_token, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(server_url) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			updated_at = excluded.updated_at
	`

	if _, err := r.db.Exec(query, serverURL, creds.AccessToken, creds.RefreshToken, r.now()); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

// SetUsername records who the stored tokens belong to.
func (r *CredentialRepository) SetUsername(serverURL, username string) error {
	query := `
		INSERT INTO credentials (server_url, username, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(server_url) DO UPDATE SET username = excluded.username, updated_at = excluded.updated_at
	`

	if _, err := r.db.Exec(query, serverURL, username, r.now()); err != nil {
		return fmt.Errorf("failed to save username: %w", err)
	}
	return nil
}

// Load returns the stored session of serverURL, or [shared.ErrMissingCredentials] if there is none.
func (r *CredentialRepository) Load(serverURL string) (*StoredCredentials, error) {
	query := `
		SELECT server_url, access_token, refresh_token, username, updated_at
		FROM credentials
		WHERE server_url = ?
	`

	var (
		stored    StoredCredentials
		updatedAt sql.NullTime
	)
	err := r.db.QueryRow(query, serverURL).Scan(
		&stored.ServerURL,
		&stored.Credentials.AccessToken,
		&stored.Credentials.RefreshToken,
		&stored.Username,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no session stored for %s", shared.ErrMissingCredentials, serverURL)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	if stored.Credentials.IsZero() {
		return nil, fmt.Errorf("%w: no session stored for %s", shared.ErrMissingCredentials, serverURL)
	}

	if updatedAt.Valid {
		stored.UpdatedAt = updatedAt.Time
	}
	return &stored, nil
}

// Clear removes the stored session of serverURL. Clearing a missing row is not an error.
func (r *CredentialRepository) Clear(serverURL string) error {
	if _, err := r.db.Exec(`DELETE FROM credentials WHERE server_url = ?`, serverURL); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return nil
}

// Track mirrors every change published by src into the row of serverURL until the returned function is called.
//
// Empty credentials clear the row. Write failures are logged; the in-memory session stays authoritative.
func (r *CredentialRepository) Track(src CredentialSource, serverURL string, logger *log.Logger) func() {
	if logger == nil {
		logger = shared.DiscardLogger()
	}

	return src.Subscribe(func(creds models.Credentials) {
		var err error
		if creds.IsZero() {
			err = r.Clear(serverURL)
		} else {
			err = r.Save(serverURL, creds)
		}
		if err != nil {
			logger.Warn("failed to persist credentials", "server", serverURL, "error", err)
		}
	})
}
