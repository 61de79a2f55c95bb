package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/desertthunder/mbingo/internal/api"
	"github.com/desertthunder/mbingo/internal/models"
	"github.com/desertthunder/mbingo/internal/multipart"
	"github.com/desertthunder/mbingo/internal/shared"
)

const testGame = 4

// newStubServer starts a stub with an admin, two players and one game of three tickets.
func newStubServer(t *testing.T, opts ...StubOption) (*Stub, *httptest.Server, []models.Ticket) {
	t.Helper()

	opts = append([]StubOption{
		WithAccount("admin", "admin", true),
		WithAccount("alice", "secret", false),
		WithAccount("bob", "hunter2", false),
	}, opts...)
	stub := NewStub(opts...)

	tickets, err := stub.AddGame(testGame, "Friday", 3)
	if err != nil {
		t.Fatalf("failed to add game: %v", err)
	}

	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	return stub, srv, tickets
}

func login(t *testing.T, srv *httptest.Server, username, password string) *api.Client {
	t.Helper()

	c := api.NewClient(srv.URL)
	if _, err := c.Login(context.Background(), username, password); err != nil {
		t.Fatalf("login as %s failed: %v", username, err)
	}
	return c
}

func TestStubSession(t *testing.T) {
	_, srv, _ := newStubServer(t)
	ctx := context.Background()

	t.Run("Login And CurrentUser", func(t *testing.T) {
		c := login(t, srv, "alice", "secret")
		u, err := c.CurrentUser(ctx)
		if err != nil {
			t.Fatalf("CurrentUser() error = %v", err)
		}
		if u.Username != "alice" || u.IsAdmin() {
			t.Errorf("unexpected user %+v", u)
		}
	})

	t.Run("Bad Password", func(t *testing.T) {
		_, err := api.NewClient(srv.URL).Login(ctx, "alice", "wrong")
		if !api.IsStatus(err, http.StatusUnauthorized) {
			t.Errorf("expected 401, got %v", err)
		}
	})

	t.Run("Register", func(t *testing.T) {
		c := api.NewClient(srv.URL)
		u, err := c.Register(ctx, "carol", "carol@example.com", "pw")
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		if u.Email != "carol@example.com" || !c.Tokens().Get().HasRefresh() {
			t.Errorf("unexpected registration result %+v", u)
		}

		_, err = api.NewClient(srv.URL).Register(ctx, "carol", "c2@example.com", "pw")
		if !api.IsStatus(err, http.StatusConflict) {
			t.Errorf("expected 409 for duplicate username, got %v", err)
		}
	})

	t.Run("Logout Revokes Tokens", func(t *testing.T) {
		c := login(t, srv, "bob", "hunter2")
		creds := c.Tokens().Get()
		if err := c.Logout(ctx); err != nil {
			t.Fatalf("Logout() error = %v", err)
		}

		replay := api.NewClient(srv.URL, api.WithTokenStore(api.NewTokenStore(creds)))
		if _, err := replay.CurrentUser(ctx); !errors.Is(err, shared.ErrRefreshFailed) {
			t.Errorf("revoked tokens should fail the refresh, got %v", err)
		}
	})
}

func TestStubRefresh(t *testing.T) {
	t.Run("Expired Token Is Refreshed", func(t *testing.T) {
		stub, srv, _ := newStubServer(t)
		c := login(t, srv, "alice", "secret")
		before := c.Tokens().Get()

		stub.ExpireAccessTokens()

		if _, err := c.CurrentUser(context.Background()); err != nil {
			t.Fatalf("CurrentUser() after expiry error = %v", err)
		}
		after := c.Tokens().Get()
		if after.AccessToken == before.AccessToken || after.RefreshToken != before.RefreshToken {
			t.Errorf("expected new access token with same refresh token, got %+v", after)
		}
		if stub.Refreshes() != 1 {
			t.Errorf("expected 1 refresh, got %d", stub.Refreshes())
		}
	})

	t.Run("Rotation", func(t *testing.T) {
		stub, srv, _ := newStubServer(t, WithRefreshRotation())
		c := login(t, srv, "alice", "secret")
		before := c.Tokens().Get()

		stub.ExpireAccessTokens()
		if err := c.RefreshSession(context.Background()); err != nil {
			t.Fatalf("RefreshSession() error = %v", err)
		}
		if c.Tokens().Get().RefreshToken == before.RefreshToken {
			t.Error("expected rotated refresh token")
		}
	})

	t.Run("Concurrent Calls Share One Refresh", func(t *testing.T) {
		stub, srv, _ := newStubServer(t)
		c := login(t, srv, "alice", "secret")
		stub.ExpireAccessTokens()

		var (
			wg     sync.WaitGroup
			failed atomic.Int32
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := c.ListTickets(context.Background(), testGame); err != nil {
					failed.Add(1)
				}
			}()
		}
		wg.Wait()

		if failed.Load() != 0 {
			t.Errorf("%d calls failed", failed.Load())
		}
		if stub.Refreshes() != 1 {
			t.Errorf("expected exactly 1 refresh, got %d", stub.Refreshes())
		}
	})

	t.Run("Short TTL", func(t *testing.T) {
		now := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
		var mu sync.Mutex
		clock := func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}
		stub, srv, _ := newStubServer(t, WithTokenTTL(time.Minute), WithStubClock(clock))
		c := login(t, srv, "alice", "secret")

		mu.Lock()
		now = now.Add(2 * time.Minute)
		mu.Unlock()

		if _, err := c.CurrentUser(context.Background()); err != nil {
			t.Fatalf("CurrentUser() error = %v", err)
		}
		if stub.Refreshes() != 1 {
			t.Errorf("expected the expired token to be refreshed, got %d refreshes", stub.Refreshes())
		}
	})
}

func TestStubTickets(t *testing.T) {
	ctx := context.Background()

	t.Run("Claim Status Codes", func(t *testing.T) {
		_, srv, tickets := newStubServer(t)
		alice := login(t, srv, "alice", "secret")
		bob := login(t, srv, "bob", "hunter2")
		pk := tickets[0].PK

		if out := alice.ClaimTicket(ctx, testGame, pk); out.Status != http.StatusCreated {
			t.Errorf("first claim: expected 201, got %d (%v)", out.Status, out.Err)
		}
		if out := alice.ClaimTicket(ctx, testGame, pk); out.Status != http.StatusOK {
			t.Errorf("repeat claim: expected 200, got %d (%v)", out.Status, out.Err)
		}
		out := bob.ClaimTicket(ctx, testGame, pk)
		if out.Kind != api.StructuredError || out.Status != http.StatusNotAcceptable {
			t.Errorf("conflicting claim: expected 406 structured error, got %v %d", out.Kind, out.Status)
		}
	})

	t.Run("Release Rules", func(t *testing.T) {
		stub, srv, tickets := newStubServer(t)
		alice := login(t, srv, "alice", "secret")
		bob := login(t, srv, "bob", "hunter2")
		admin := login(t, srv, "admin", "admin")
		pk := tickets[1].PK

		alice.ClaimTicket(ctx, testGame, pk)
		if out := bob.ReleaseTicket(ctx, testGame, pk); out.Status != http.StatusForbidden {
			t.Errorf("release by non-owner: expected 403, got %d", out.Status)
		}
		if out := admin.ReleaseTicket(ctx, testGame, pk); !out.OK() {
			t.Errorf("admin release failed: %v", out.Err)
		}
		if ticket, _ := stub.Ticket(testGame, pk); ticket.Owner != models.NoOwner {
			t.Errorf("ticket should be free after admin release, owner %v", ticket.Owner)
		}
		if out := bob.ReleaseTicket(ctx, testGame, pk); !out.OK() {
			t.Errorf("releasing a free ticket should be a no-op, got %v", out.Err)
		}
	})

	t.Run("Cells", func(t *testing.T) {
		stub, srv, tickets := newStubServer(t)
		alice := login(t, srv, "alice", "secret")
		bob := login(t, srv, "bob", "hunter2")
		pk := tickets[2].PK

		alice.ClaimTicket(ctx, testGame, pk)
		if out := alice.SetCell(ctx, testGame, pk, 5, true); !out.OK() {
			t.Fatalf("check failed: %v", out.Err)
		}
		if out := bob.SetCell(ctx, testGame, pk, 6, true); out.Status != http.StatusForbidden {
			t.Errorf("check by non-owner: expected 403, got %d", out.Status)
		}
		if out := alice.SetCell(ctx, testGame, pk, models.MaxCells, true); out.Status != http.StatusBadRequest {
			t.Errorf("out of range cell: expected 400, got %d", out.Status)
		}

		ticket, _ := stub.Ticket(testGame, pk)
		if !ticket.Checked(5) || ticket.Checked(6) {
			t.Errorf("unexpected mask %b", ticket.CheckedMask)
		}

		alice.SetCell(ctx, testGame, pk, 5, false)
		if ticket, _ := stub.Ticket(testGame, pk); ticket.CheckedMask != 0 {
			t.Errorf("expected cleared mask, got %b", ticket.CheckedMask)
		}
	})

	t.Run("List And Status", func(t *testing.T) {
		stub, srv, tickets := newStubServer(t)
		alice := login(t, srv, "alice", "secret")

		if err := stub.SetOwner(testGame, tickets[0].PK, 99); err != nil {
			t.Fatalf("SetOwner() error = %v", err)
		}

		list, err := alice.ListTickets(ctx, testGame)
		if err != nil {
			t.Fatalf("ListTickets() error = %v", err)
		}
		if len(list) != 3 || list[0].Number != 1 || list[0].Owner != 99 || list[0].GamePK != testGame {
			t.Errorf("unexpected tickets %+v", list)
		}

		status, err := alice.GameStatus(ctx, testGame)
		if err != nil {
			t.Fatalf("GameStatus() error = %v", err)
		}
		if len(status.Claimed) != 3 {
			t.Fatalf("expected 3 status entries, got %d", len(status.Claimed))
		}
		if owner := status.Claimed[tickets[0].PK]; owner == nil || *owner != 99 {
			t.Errorf("expected owner 99, got %v", owner)
		}
		if owner, ok := status.Claimed[tickets[1].PK]; !ok || owner != nil {
			t.Errorf("expected explicit null owner, got %v", owner)
		}
	})

	t.Run("Unknown Game", func(t *testing.T) {
		_, srv, _ := newStubServer(t)
		alice := login(t, srv, "alice", "secret")
		if _, err := alice.ListTickets(ctx, 404); !api.IsStatus(err, http.StatusNotFound) {
			t.Errorf("expected 404, got %v", err)
		}
		if out := alice.ClaimTicket(ctx, testGame, 99999); out.Status != http.StatusNotFound {
			t.Errorf("expected 404 for unknown ticket, got %d", out.Status)
		}
	})

	t.Run("Unauthenticated", func(t *testing.T) {
		_, srv, _ := newStubServer(t)
		if _, err := api.NewClient(srv.URL).ListTickets(ctx, testGame); !errors.Is(err, shared.ErrNotAuthenticated) {
			t.Errorf("expected ErrNotAuthenticated, got %v", err)
		}
	})
}

func decodeAll(t *testing.T, out api.Outcome) []models.ProgressRecord {
	t.Helper()

	if !out.OK() {
		t.Fatalf("import failed: %v", out.Err)
	}
	dec, err := multipart.NewDecoder(out.Stream, out.Header.Get("Content-Type"))
	if err != nil {
		t.Fatalf("NewDecoder() error = %v", err)
	}
	defer dec.Close()

	var records []models.ProgressRecord
	for {
		rec, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return records
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		records = append(records, rec)
	}
}

func TestStubImportExport(t *testing.T) {
	ctx := context.Background()

	t.Run("Games Import Streams Progress", func(t *testing.T) {
		stub, srv, _ := newStubServer(t)
		admin := login(t, srv, "admin", "admin")

		doc := []byte(`{"Games": [{"pk": 7, "title": "Saturday", "tickets": 2}, {"pk": 4}, {"title": "no pk"}]}`)
		records := decodeAll(t, admin.Import(ctx, api.ImportGames, doc))

		if len(records) != 2 {
			t.Fatalf("expected 2 records (1 section + terminal), got %d", len(records))
		}
		final := records[len(records)-1]
		if !final.Done || final.Pct != 100 {
			t.Errorf("expected terminal record, got %+v", final)
		}
		if len(final.Added) != 1 || final.Added[0].Name != "Games" || final.Added[0].Count != 1 {
			t.Errorf("unexpected added counts %+v", final.Added)
		}
		if len(final.Errors) != 2 {
			t.Errorf("expected errors for the duplicate and the missing pk, got %v", final.Errors)
		}

		if _, err := stub.AddGame(7, "again", 1); err == nil {
			t.Error("imported game 7 should exist")
		}
	})

	t.Run("Database Import Keeps Section Order", func(t *testing.T) {
		_, srv, _ := newStubServer(t)
		admin := login(t, srv, "admin", "admin")

		doc := []byte(`{"Songs": [{"title": "a"}, {"title": "b"}, 3], "Albums": [{"name": "x"}], "Artists": "nope"}`)
		records := decodeAll(t, admin.Import(ctx, api.ImportDatabase, doc))

		if len(records) != 4 {
			t.Fatalf("expected 4 records, got %d", len(records))
		}
		if records[0].Text != "Importing Songs" || records[0].NumPhases != 3 {
			t.Errorf("unexpected first record %+v", records[0])
		}
		final := records[3]
		if len(final.Added) != 2 || final.Added[0].Name != "Songs" || final.Added[1].Name != "Albums" {
			t.Errorf("added counts lost document order: %+v", final.Added)
		}
		if final.Added.Total() != 3 || len(final.Errors) != 2 {
			t.Errorf("unexpected totals %d / errors %v", final.Added.Total(), final.Errors)
		}
	})

	t.Run("Import Requires Admin", func(t *testing.T) {
		_, srv, _ := newStubServer(t)
		alice := login(t, srv, "alice", "secret")
		out := alice.Import(ctx, api.ImportGames, []byte(`{"Games": []}`))
		if out.Status != http.StatusForbidden {
			t.Errorf("expected 403, got %d", out.Status)
		}
	})

	t.Run("Invalid Document", func(t *testing.T) {
		_, srv, _ := newStubServer(t)
		admin := login(t, srv, "admin", "admin")
		out := admin.Import(ctx, api.ImportGames, []byte(`[1, 2]`))
		if out.Status != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", out.Status)
		}
	})

	t.Run("Export Round Trip", func(t *testing.T) {
		stub, srv, tickets := newStubServer(t)
		alice := login(t, srv, "alice", "secret")
		alice.ClaimTicket(ctx, testGame, tickets[0].PK)
		alice.SetCell(ctx, testGame, tickets[0].PK, 2, true)

		out := alice.ExportGame(ctx, testGame)
		if !out.OK() {
			t.Fatalf("export failed: %v", out.Err)
		}
		data, _ := io.ReadAll(out.Stream)
		out.Close()
		if !strings.Contains(string(data), `"Games"`) || !strings.Contains(string(data), `"Tickets"`) {
			t.Fatalf("unexpected export %s", data)
		}

		fresh := NewStub(WithAccount("admin", "admin", true), WithAccount("alice", "secret", false))
		freshSrv := httptest.NewServer(fresh)
		defer freshSrv.Close()

		admin := login(t, freshSrv, "admin", "admin")
		records := decodeAll(t, admin.Import(ctx, api.ImportGames, data))
		if final := records[len(records)-1]; len(final.Errors) != 0 {
			t.Fatalf("re-import reported errors: %v", final.Errors)
		}

		list, err := login(t, freshSrv, "alice", "secret").ListTickets(ctx, testGame)
		if err != nil {
			t.Fatalf("ListTickets() error = %v", err)
		}
		if len(list) != 3 {
			t.Fatalf("expected 3 imported tickets, got %d", len(list))
		}
		want, _ := stub.Ticket(testGame, tickets[0].PK)
		if list[0].Owner != want.Owner || list[0].CheckedMask != want.CheckedMask {
			t.Errorf("imported ticket %+v does not match exported %+v", list[0], want)
		}
	})

	t.Run("Database Export Requires Admin", func(t *testing.T) {
		_, srv, _ := newStubServer(t)
		if out := login(t, srv, "alice", "secret").ExportDatabase(ctx); out.Status != http.StatusForbidden {
			t.Errorf("expected 403, got %d", out.Status)
		}
		out := login(t, srv, "admin", "admin").ExportDatabase(ctx)
		if !out.OK() {
			t.Fatalf("export failed: %v", out.Err)
		}
		out.Close()
	})
}
