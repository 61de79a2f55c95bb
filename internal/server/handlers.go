package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/desertthunder/mbingo/internal/models"
	"github.com/desertthunder/mbingo/internal/shared"
)

const maxImportBody = 32 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// authenticate resolves the bearer access token of r. Callers hold mu.
func (s *Stub) authenticate(r *http.Request) (*account, string, error) {
	token := bearer(r)
	if token == "" {
		return nil, "", errors.New("not authenticated")
	}
	g, ok := s.access[token]
	if !ok {
		return nil, "", errors.New("invalid access token")
	}
	if !g.expires.IsZero() && !s.now().Before(g.expires) {
		delete(s.access, token)
		return nil, "", errors.New("access token expired")
	}
	a, ok := s.users[g.user]
	if !ok {
		return nil, "", errors.New("unknown user")
	}
	return a, token, nil
}

// requireUser locks mu and writes a 401 when r is not authenticated. On success the caller must unlock.
func (s *Stub) requireUser(w http.ResponseWriter, r *http.Request) (*account, bool) {
	s.mu.Lock()
	a, _, err := s.authenticate(r)
	if err != nil {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, err.Error())
		return nil, false
	}
	return a, true
}

type credentialsBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
}

func (s *Stub) loginResponse(a *account) models.LoginResponse {
	access, refresh := s.issue(a.user.PK)
	return models.LoginResponse{User: a.user, AccessToken: access, RefreshToken: refresh}
}

func (s *Stub) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body credentialsBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[strings.ToLower(body.Username)]
	if !ok || a.password != body.Password {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, s.loginResponse(a))
}

func (s *Stub) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body credentialsBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Username == "" || body.Password == "" || body.Email == "" {
		writeError(w, http.StatusBadRequest, "username, email and password are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[strings.ToLower(body.Username)]; exists {
		writeError(w, http.StatusConflict, "username already taken")
		return
	}
	s.addAccount(body.Username, body.Email, body.Password, false)
	writeJSON(w, http.StatusCreated, s.loginResponse(s.accounts[strings.ToLower(body.Username)]))
}

func (s *Stub) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, a.user)
}

func (s *Stub) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, token, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	g := s.access[token]
	delete(s.access, token)
	delete(s.refresh, g.refresh)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Stub) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token := bearer(r)

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.refresh[token]
	if token == "" || !ok {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	resp := models.RefreshResponse{}
	if s.rotate {
		delete(s.refresh, token)
		token = shared.GenerateID()
		s.refresh[token] = user
		resp.RefreshToken = token
	}
	resp.AccessToken = s.grantAccess(user, token)
	s.refreshes++
	writeJSON(w, http.StatusOK, resp)
}

// pathInts parses the named path values of r as integers.
func pathInts(r *http.Request, names ...string) ([]int, error) {
	values := make([]int, len(names))
	for i, name := range names {
		v, err := strconv.Atoi(r.PathValue(name))
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q", name, r.PathValue(name))
		}
		values[i] = v
	}
	return values, nil
}

// lookupTicket resolves the game and ticket of r, writing 400/404 on failure. Callers hold mu.
func (s *Stub) lookupTicket(w http.ResponseWriter, r *http.Request) (*models.Ticket, bool) {
	ids, err := pathInts(r, "game", "ticket")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	t, err := s.ticket(ids[0], ids[1])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return t, true
}

// lookupGame resolves the game of r, writing 400/404 on failure. Callers hold mu.
func (s *Stub) lookupGame(w http.ResponseWriter, r *http.Request) (*game, bool) {
	ids, err := pathInts(r, "game")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	g, ok := s.games[ids[0]]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("game %d not found", ids[0]))
		return nil, false
	}
	return g, true
}

func (s *Stub) handleTickets(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w, r); !ok {
		return
	}
	defer s.mu.Unlock()

	g, ok := s.lookupGame(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, g.sorted())
}

func (s *Stub) handleStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w, r); !ok {
		return
	}
	defer s.mu.Unlock()

	g, ok := s.lookupGame(w, r)
	if !ok {
		return
	}
	claimed := make(map[int]*models.UserID, len(g.tickets))
	for pk, t := range g.tickets {
		if t.Owner == models.NoOwner {
			claimed[pk] = nil
			continue
		}
		owner := t.Owner
		claimed[pk] = &owner
	}
	writeJSON(w, http.StatusOK, map[string]any{"claimed": claimed})
}

// handleClaim answers 201 for a new claim, 200 when the caller already owns the ticket
// and 406 when somebody else does.
func (s *Stub) handleClaim(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	defer s.mu.Unlock()

	t, ok := s.lookupTicket(w, r)
	if !ok {
		return
	}
	switch t.Owner {
	case models.NoOwner:
		t.Owner = a.user.PK
		writeJSON(w, http.StatusCreated, t)
	case a.user.PK:
		writeJSON(w, http.StatusOK, t)
	default:
		writeError(w, http.StatusNotAcceptable, "ticket already taken")
	}
}

// handleRelease frees a ticket. Admins may release any ticket; releasing a free ticket is a no-op.
func (s *Stub) handleRelease(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	defer s.mu.Unlock()

	t, ok := s.lookupTicket(w, r)
	if !ok {
		return
	}
	if t.Owner != models.NoOwner && t.Owner != a.user.PK && !a.user.IsAdmin() {
		writeError(w, http.StatusForbidden, "not your ticket")
		return
	}
	t.Owner = models.NoOwner
	t.CheckedMask = 0
	writeJSON(w, http.StatusOK, t)
}

func (s *Stub) handleCell(checked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := s.requireUser(w, r)
		if !ok {
			return
		}
		defer s.mu.Unlock()

		t, ok := s.lookupTicket(w, r)
		if !ok {
			return
		}
		ids, err := pathInts(r, "cell")
		if err != nil || ids[0] < 0 || ids[0] >= models.MaxCells {
			writeError(w, http.StatusBadRequest, "invalid cell")
			return
		}
		if t.Owner != a.user.PK {
			writeError(w, http.StatusForbidden, "not your ticket")
			return
		}
		t.CheckedMask = models.SetCell(t.CheckedMask, ids[0], checked)
		writeJSON(w, http.StatusOK, t)
	}
}

// exportGame is the wire form of a game in exports and game imports.
type exportGame struct {
	PK      int    `json:"pk"`
	Title   string `json:"title,omitempty"`
	Tickets int    `json:"tickets"`
}

type exportDocument struct {
	Games   []exportGame    `json:"Games"`
	Tickets []models.Ticket `json:"Tickets"`
}

func (s *Stub) export(games ...*game) exportDocument {
	doc := exportDocument{Games: []exportGame{}, Tickets: []models.Ticket{}}
	for _, g := range games {
		doc.Games = append(doc.Games, exportGame{PK: g.pk, Title: g.title, Tickets: len(g.tickets)})
		doc.Tickets = append(doc.Tickets, g.sorted()...)
	}
	return doc
}

func writeAttachment(w http.ResponseWriter, name string, v any) {
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	writeJSON(w, http.StatusOK, v)
}

func (s *Stub) handleExportDatabase(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	defer s.mu.Unlock()

	if !a.user.IsAdmin() {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}
	games := make([]*game, 0, len(s.games))
	for _, pk := range sortedKeys(s.games) {
		games = append(games, s.games[pk])
	}
	writeAttachment(w, "database.json", s.export(games...))
}

func (s *Stub) handleExportGame(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w, r); !ok {
		return
	}
	defer s.mu.Unlock()

	g, ok := s.lookupGame(w, r)
	if !ok {
		return
	}
	writeAttachment(w, fmt.Sprintf("game-%d.json", g.pk), s.export(g))
}

type importKind int

const (
	importDatabase importKind = iota
	importGames
)

// section is one top-level list of an import document, in document order.
type section struct {
	name  string
	items []json.RawMessage
	err   string
}

// parseSections splits a JSON object into its top-level members without losing their order.
func parseSections(data []byte) ([]section, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("import document must be a JSON object")
	}

	var sections []section
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, _ := tok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		sec := section{name: name}
		if err := json.Unmarshal(raw, &sec.items); err != nil {
			sec.err = fmt.Sprintf("%s: expected a list", name)
		}
		sections = append(sections, sec)
	}
	return sections, nil
}

// progressPart is a progress record whose added counts are written as an ordered JSON object.
type progressPart struct {
	models.ProgressRecord
	Added json.RawMessage `json:"added,omitempty"`
}

func addedObject(counts models.AddedCounts) json.RawMessage {
	if len(counts) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range counts {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, _ := json.Marshal(c.Name)
		buf.Write(name)
		fmt.Fprintf(&buf, ":%d", c.Count)
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// handleImport applies an import document and streams one progress part per section plus a terminal part.
func (s *Stub) handleImport(kind importKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := s.requireUser(w, r)
		if !ok {
			return
		}
		s.mu.Unlock()

		if !a.user.IsAdmin() {
			writeError(w, http.StatusForbidden, "admin only")
			return
		}

		data, err := io.ReadAll(io.LimitReader(r.Body, maxImportBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read body")
			return
		}
		sections, err := parseSections(data)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid import document: %v", err))
			return
		}

		mw := multipart.NewWriter(w)
		w.Header().Set("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)

		send := func(rec models.ProgressRecord) bool {
			rec.Timestamp = s.now()
			part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/json"}})
			if err != nil {
				return false
			}
			body, _ := json.Marshal(progressPart{ProgressRecord: rec, Added: addedObject(rec.Added)})
			if _, err := part.Write(body); err != nil {
				return false
			}
			if flusher != nil {
				flusher.Flush()
			}
			return s.pause(r)
		}

		var (
			added models.AddedCounts
			errs  []string
		)
		total := len(sections)
		for i, sec := range sections {
			rec := models.ProgressRecord{
				Phase:     i + 1,
				NumPhases: total,
				Pct:       float64(i) * 100 / float64(total),
				Text:      "Importing " + sec.name,
			}
			if !send(rec) {
				s.logger.Warn("import client went away", "section", sec.name)
				return
			}

			count, sectionErrs := s.importSection(kind, sec)
			errs = append(errs, sectionErrs...)
			if count > 0 {
				added = append(added, models.AddedCount{Name: sec.name, Count: count})
			}
		}

		send(models.ProgressRecord{
			Phase:     total,
			NumPhases: total,
			Pct:       100,
			Text:      "Import complete",
			Added:     added,
			Errors:    errs,
			Done:      true,
		})
		mw.Close()
	}
}

// pause waits between parts. It returns false when the client disconnected.
func (s *Stub) pause(r *http.Request) bool {
	if s.partDelay <= 0 {
		return r.Context().Err() == nil
	}
	t := time.NewTimer(s.partDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.Context().Done():
		return false
	}
}

func (s *Stub) importSection(kind importKind, sec section) (int, []string) {
	if sec.err != "" {
		return 0, []string{sec.err}
	}

	switch {
	case strings.EqualFold(sec.name, "Games"):
		return s.importGames(sec)
	case strings.EqualFold(sec.name, "Tickets"):
		return s.importTickets(sec)
	case kind == importGames:
		return 0, []string{fmt.Sprintf("%s: not allowed in a games import", sec.name)}
	}

	count := 0
	var errs []string
	for i, item := range sec.items {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(item, &obj); err != nil {
			errs = append(errs, fmt.Sprintf("%s[%d]: expected an object", sec.name, i))
			continue
		}
		count++
	}
	return count, errs
}

func (s *Stub) importGames(sec section) (int, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	var errs []string
	for i, item := range sec.items {
		var g exportGame
		if err := json.Unmarshal(item, &g); err != nil || g.PK <= 0 {
			errs = append(errs, fmt.Sprintf("%s[%d]: game needs a positive pk", sec.name, i))
			continue
		}
		n := g.Tickets
		if n == 0 {
			n = DefaultTicketsPerGame
		}
		if _, err := s.addGame(g.PK, g.Title, n); err != nil {
			errs = append(errs, fmt.Sprintf("%s[%d]: %v", sec.name, i, err))
			continue
		}
		count++
	}
	return count, errs
}

// importTickets applies owners and checked cells to existing tickets, matched by game and number.
func (s *Stub) importTickets(sec section) (int, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	var errs []string
	for i, item := range sec.items {
		var t models.Ticket
		if err := json.Unmarshal(item, &t); err != nil {
			errs = append(errs, fmt.Sprintf("%s[%d]: %v", sec.name, i, err))
			continue
		}
		g, ok := s.games[t.GamePK]
		if !ok {
			errs = append(errs, fmt.Sprintf("%s[%d]: game %d not found", sec.name, i, t.GamePK))
			continue
		}
		existing := g.byNumber(t.Number)
		if existing == nil {
			errs = append(errs, fmt.Sprintf("%s[%d]: ticket %d not found in game %d", sec.name, i, t.Number, t.GamePK))
			continue
		}
		if t.Owner != models.NoOwner {
			if _, ok := s.users[t.Owner]; !ok {
				errs = append(errs, fmt.Sprintf("%s[%d]: unknown user %d", sec.name, i, t.Owner))
				continue
			}
		}
		existing.Owner = t.Owner
		existing.CheckedMask = t.CheckedMask
		count++
	}
	return count, errs
}

func sortedKeys(games map[int]*game) []int {
	keys := make([]int, 0, len(games))
	for pk := range games {
		keys = append(keys, pk)
	}
	sort.Ints(keys)
	return keys
}
