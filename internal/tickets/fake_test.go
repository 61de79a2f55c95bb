package tickets

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/desertthunder/mbingo/internal/api"
	"github.com/desertthunder/mbingo/internal/models"
	"github.com/desertthunder/mbingo/internal/shared"
)

// fakeAPI is an in-memory [API]. Hooks run on the calling goroutine and may block.
type fakeAPI struct {
	mu        sync.Mutex
	user      *models.User
	tickets   []models.Ticket
	status    models.TicketStatus
	statusErr error
	listErr   error
	calls     []string

	onClaim   func(gamePK, ticketPK int) api.Outcome
	onRelease func(gamePK, ticketPK int) api.Outcome
	onCell    func(gamePK, ticketPK, cell int, checked bool) api.Outcome
}

func newFakeAPI(user *models.User) *fakeAPI {
	ok := func(int, int) api.Outcome { return outcome(http.StatusOK) }
	return &fakeAPI{
		user:      user,
		onClaim:   func(int, int) api.Outcome { return outcome(http.StatusCreated) },
		onRelease: ok,
		onCell:    func(int, int, int, bool) api.Outcome { return outcome(http.StatusOK) },
	}
}

// outcome builds a response outcome the way the executor classifies it.
func outcome(status int) api.Outcome {
	if status >= 200 && status < 300 {
		return api.Outcome{Kind: api.Success, Status: status}
	}
	msg := http.StatusText(status)
	return api.Outcome{
		Kind:    api.StructuredError,
		Status:  status,
		Message: msg,
		Err:     &api.StatusError{Status: status, Message: msg, Err: shared.ErrAPIRequest},
	}
}

func (f *fakeAPI) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAPI) User() *models.User { return f.user }

func (f *fakeAPI) ListTickets(_ context.Context, gamePK int) ([]models.Ticket, error) {
	f.record(fmt.Sprintf("list %d", gamePK))
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]models.Ticket(nil), f.tickets...), nil
}

func (f *fakeAPI) GameStatus(_ context.Context, gamePK int) (models.TicketStatus, error) {
	f.record(fmt.Sprintf("status %d", gamePK))
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.statusErr
}

func (f *fakeAPI) ClaimTicket(_ context.Context, gamePK, ticketPK int, _ ...api.RequestOption) api.Outcome {
	f.record(fmt.Sprintf("claim %d", ticketPK))
	return f.onClaim(gamePK, ticketPK)
}

func (f *fakeAPI) ReleaseTicket(_ context.Context, gamePK, ticketPK int, _ ...api.RequestOption) api.Outcome {
	f.record(fmt.Sprintf("release %d", ticketPK))
	return f.onRelease(gamePK, ticketPK)
}

func (f *fakeAPI) SetCell(_ context.Context, gamePK, ticketPK, cell int, checked bool, _ ...api.RequestOption) api.Outcome {
	f.record(fmt.Sprintf("cell %d/%d=%v", ticketPK, cell, checked))
	return f.onCell(gamePK, ticketPK, cell, checked)
}

func owner(id models.UserID) *models.UserID { return &id }
