package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/desertthunder/mbingo/internal/server"
	"github.com/desertthunder/mbingo/internal/shared"
	"github.com/urfave/cli/v3"
)

type seedAccount struct {
	username string
	password string
	admin    bool
}

// parseAccount parses user:password[:admin].
func parseAccount(s string) (seedAccount, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return seedAccount{}, fmt.Errorf("%w: account %q, want user:password[:admin]", shared.ErrInvalidFlag, s)
	}
	acct := seedAccount{username: parts[0], password: parts[1]}
	if len(parts) == 3 {
		if parts[2] != server.AdminGroup {
			return seedAccount{}, fmt.Errorf("%w: account %q, the third field must be %q", shared.ErrInvalidFlag, s, server.AdminGroup)
		}
		acct.admin = true
	}
	return acct, nil
}

// newDevStub builds a stub seeded from the dev-server flags and the dev_server config section.
func (r *Runner) newDevStub(cmd *cli.Command) (*server.Stub, error) {
	opts := []server.StubOption{server.WithStubLogger(shared.WithLogger(r.logger, "component", "stub"))}

	ttl := cmd.Duration("access-ttl")
	if ttl <= 0 {
		ttl = r.config.DevServer.AccessTTL.Duration
	}
	if ttl > 0 {
		opts = append(opts, server.WithTokenTTL(ttl))
	}
	if d := cmd.Duration("part-delay"); d > 0 {
		opts = append(opts, server.WithPartDelay(d))
	}

	for _, raw := range cmd.StringSlice("account") {
		acct, err := parseAccount(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, server.WithAccount(acct.username, acct.password, acct.admin))
	}

	stub := server.NewStub(opts...)

	gamePKs, err := parseIntList(cmd.String("games"))
	if err != nil {
		return nil, err
	}
	n := int(cmd.Int("tickets"))
	if n <= 0 {
		n = server.DefaultTicketsPerGame
	}
	for _, pk := range gamePKs {
		if _, err := stub.AddGame(pk, fmt.Sprintf("Game %d", pk), n); err != nil {
			return nil, err
		}
	}
	return stub, nil
}

// DevServer runs the in-memory stub server until interrupted.
func (r *Runner) DevServer(ctx context.Context, cmd *cli.Command) error {
	stub, err := r.newDevStub(cmd)
	if err != nil {
		return err
	}

	host := cmd.String("host")
	if host == "" {
		host = r.config.DevServer.Host
	}
	port := r.config.DevServer.Port
	if cmd.IsSet("port") {
		port = int(cmd.Int("port"))
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	ready := make(chan string, 1)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		if bound, ok := <-ready; ok {
			r.writePlain("✓ Dev server listening on http://%s\n", bound)
			r.writePlain("Point the client at it with --server http://%s\n", bound)
		}
	}()

	err = server.Serve(ctx, addr, stub, r.logger, ready)
	close(ready)
	<-printed
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
