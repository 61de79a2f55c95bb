package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/desertthunder/mbingo/internal/models"
	"github.com/desertthunder/mbingo/internal/shared"
	"github.com/urfave/cli/v3"
)

func (r *Runner) credentialFlags(cmd *cli.Command) (username, password string, err error) {
	username = cmd.String("username")
	if username == "" {
		username = r.config.Session.Username
	}
	password = cmd.String("password")

	if username == "" {
		return "", "", fmt.Errorf("%w: --username is required", shared.ErrMissingCredentials)
	}
	if password == "" {
		return "", "", fmt.Errorf("%w: --password or MBINGO_PASSWORD is required", shared.ErrMissingCredentials)
	}
	return username, password, nil
}

// Login exchanges a username and password for session tokens and stores them.
func (r *Runner) Login(ctx context.Context, cmd *cli.Command) error {
	username, password, err := r.credentialFlags(cmd)
	if err != nil {
		return err
	}

	r.logger.Info("logging in", "server", r.client.BaseURL(), "username", username)
	user, err := r.client.Login(ctx, username, password)
	if err != nil {
		return fmt.Errorf("%w: %w", shared.ErrAuthFailed, err)
	}

	r.warnUnsaved()
	return r.writePlain("✓ Logged in as %s\n", describeUser(user))
}

// Register creates an account and logs in with it.
func (r *Runner) Register(ctx context.Context, cmd *cli.Command) error {
	username, password, err := r.credentialFlags(cmd)
	if err != nil {
		return err
	}

	user, err := r.client.Register(ctx, username, cmd.String("email"), password)
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	r.warnUnsaved()
	return r.writePlain("✓ Registered and logged in as %s\n", describeUser(user))
}

// Logout ends the session. Local tokens are cleared even when the server call fails.
func (r *Runner) Logout(ctx context.Context, cmd *cli.Command) error {
	if r.client.Tokens().Get().IsZero() {
		return r.writePlain("Not logged in\n")
	}

	if err := r.client.Logout(ctx); err != nil {
		r.logger.Warn("server logout failed, local session cleared", "error", err)
	}
	return r.writePlain("✓ Logged out\n")
}

// WhoAmI prints the user of the current session.
func (r *Runner) WhoAmI(ctx context.Context, cmd *cli.Command) error {
	if err := r.requireSession(ctx); err != nil {
		return err
	}
	user := r.client.User()

	if cmd.Bool("json") {
		return r.writeJSON(user, true)
	}

	r.writePlainHeader("Session")
	r.writePlain("Server:   %s\n", r.client.BaseURL())
	r.writePlain("User:     %s (pk %d)\n", user.Username, user.PK)
	if user.Email != "" {
		r.writePlain("Email:    %s\n", user.Email)
	}
	r.writePlain("Admin:    %v\n", user.IsAdmin())
	return nil
}

// Refresh forces a token refresh.
func (r *Runner) Refresh(ctx context.Context, cmd *cli.Command) error {
	if !r.client.Tokens().Get().HasRefresh() {
		return fmt.Errorf("%w: run 'mbingo auth login' first", shared.ErrNoRefreshToken)
	}

	if err := r.client.RefreshSession(ctx); err != nil {
		if errors.Is(err, shared.ErrRefreshFailed) && r.client.Tokens().Get().IsZero() {
			return fmt.Errorf("%w: log in again", err)
		}
		return err
	}
	return r.writePlain("✓ Access token refreshed\n")
}

func (r *Runner) warnUnsaved() {
	if r.credentials == nil {
		r.logger.Warn("no database configured, the session ends with this command")
	}
}

func describeUser(u *models.User) string {
	if u.IsAdmin() {
		return u.Username + " (admin)"
	}
	return u.Username
}
