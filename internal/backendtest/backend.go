// Package backendtest is an in-memory stand-in for the tax REST backend.
// It implements the same contract the web client consumes and is used by the
// package tests, the terminal client tests and the browser suite.
package backendtest

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"taxweb/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
)

const (
	// CookieName is the backend session cookie.
	CookieName = "tax_session"
	// PageSize is the number of users returned per admin list page.
	PageSize = 10
	// PendingStatus is the status given to new declarations.
	PendingStatus = "pendiente"
)

type account struct {
	models.AdminUserRecord
	hash []byte
}

func (a *account) summary() models.UserSummary {
	return models.UserSummary{ID: a.ID, FullName: a.FullName, Email: a.Email, IsAdmin: a.IsAdmin}
}

// Backend is a fake of the tax backend. It is safe for concurrent use.
type Backend struct {
	mu           sync.Mutex
	accounts     map[int64]*account
	nextUserID   int64
	sessions     map[string]int64
	declarations map[int64][]models.Declaration
	nextDeclID   int64
	requests     []string
	failures     map[string]int
	router       *mux.Router
}

// New creates an empty backend.
func New() *Backend {
	b := &Backend{
		accounts:     make(map[int64]*account),
		sessions:     make(map[string]int64),
		declarations: make(map[int64][]models.Declaration),
		failures:     make(map[string]int),
	}

	r := mux.NewRouter()
	r.HandleFunc("/session", b.getSession).Methods(http.MethodGet)
	r.HandleFunc("/session", b.deleteSession).Methods(http.MethodDelete)
	r.HandleFunc("/login", b.login).Methods(http.MethodPost)
	r.HandleFunc("/register", b.register).Methods(http.MethodPost)
	r.HandleFunc("/find-mail", b.findMail).Methods(http.MethodGet)
	r.HandleFunc("/reset-password", b.resetPassword).Methods(http.MethodPatch)
	r.HandleFunc("/declarations", b.listDeclarations).Methods(http.MethodGet)
	r.HandleFunc("/declarations", b.createDeclaration).Methods(http.MethodPost)
	r.HandleFunc("/admin/users", b.listUsers).Methods(http.MethodGet)
	r.HandleFunc("/admin/users/{id:[0-9]+}", b.getUser).Methods(http.MethodGet)
	r.HandleFunc("/admin/users/{id:[0-9]+}", b.updateUser).Methods(http.MethodPut)
	r.HandleFunc("/admin/users/{id:[0-9]+}/toggle_status", b.toggleStatus).Methods(http.MethodPost)
	b.router = r

	return b
}

// ServeHTTP records the call, applies any injected failure, then routes it.
func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.Method + " " + r.URL.Path

	b.mu.Lock()
	b.requests = append(b.requests, key)
	status, fail := b.failures[key]
	if fail {
		delete(b.failures, key)
	}
	b.mu.Unlock()

	if fail {
		writeJSON(w, status, map[string]any{"message": "injected failure"})
		return
	}
	b.router.ServeHTTP(w, r)
}

// AddUser creates an active account and returns it.
func (b *Backend) AddUser(fullName, email, password string, admin bool) models.AdminUserRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.addAccountLocked(models.Registration{
		DocumentType:   "Cedula",
		DocumentNumber: strconv.FormatInt(b.nextUserID+1000, 10),
		FullName:       fullName,
		Email:          email,
		Password:       password,
	})
	a.IsAdmin = admin
	return a.AdminUserRecord
}

// AddDeclaration stores a declaration for userID directly.
func (b *Backend) AddDeclaration(userID int64, year int, income float64) models.Declaration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextDeclID++
	d := models.Declaration{
		ID:          b.nextDeclID,
		FiscalYear:  year,
		TotalIncome: income,
		Status:      PendingStatus,
		CreatedAt:   time.Now().UTC(),
	}
	b.declarations[userID] = append(b.declarations[userID], d)
	return d
}

// FailNext makes the next call to method+path answer with status.
func (b *Backend) FailNext(method, path string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[method+" "+path] = status
}

// Requests returns every call received so far as "METHOD /path".
func (b *Backend) Requests() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.requests...)
}

// CountRequests counts received calls to method+path.
func (b *Backend) CountRequests(method, path string) int {
	key := method + " " + path
	n := 0
	for _, req := range b.Requests() {
		if req == key {
			n++
		}
	}
	return n
}

// User returns the stored account with id.
func (b *Backend) User(id int64) (models.AdminUserRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.accounts[id]
	if !ok {
		return models.AdminUserRecord{}, false
	}
	return a.AdminUserRecord, true
}

// SessionCount returns the number of live sessions.
func (b *Backend) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// ExpireSessions forgets every session, as if they had all timed out.
func (b *Backend) ExpireSessions() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.sessions)
}

func (b *Backend) addAccountLocked(reg models.Registration) *account {
	hash, _ := bcrypt.GenerateFromPassword([]byte(reg.Password), bcrypt.MinCost)
	b.nextUserID++
	a := &account{
		AdminUserRecord: models.AdminUserRecord{
			ID:             b.nextUserID,
			FullName:       reg.FullName,
			Email:          reg.Email,
			DocumentType:   reg.DocumentType,
			DocumentNumber: reg.DocumentNumber,
			Status:         models.StatusActive,
		},
		hash: hash,
	}
	b.accounts[a.ID] = a
	return a
}

func (b *Backend) findByEmailLocked(email string) *account {
	for _, a := range b.accounts {
		if strings.EqualFold(a.Email, email) {
			return a
		}
	}
	return nil
}

// caller resolves the session cookie. It writes a 401 and returns nil when
// there is no live session.
func (b *Backend) caller(w http.ResponseWriter, r *http.Request) *account {
	cookie, err := r.Cookie(CookieName)
	if err == nil {
		b.mu.Lock()
		id, ok := b.sessions[cookie.Value]
		a := b.accounts[id]
		b.mu.Unlock()
		if ok && a != nil {
			return a
		}
	}
	writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "not authenticated"})
	return nil
}

func (b *Backend) admin(w http.ResponseWriter, r *http.Request) *account {
	a := b.caller(w, r)
	if a == nil {
		return nil
	}
	if !a.IsAdmin {
		writeJSON(w, http.StatusForbidden, map[string]any{"message": "administrator role required"})
		return nil
	}
	return a
}

func (b *Backend) getSession(w http.ResponseWriter, r *http.Request) {
	a := b.caller(w, r)
	if a == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": a.summary()})
}

func (b *Backend) deleteSession(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(CookieName); err == nil {
		b.mu.Lock()
		delete(b.sessions, cookie.Value)
		b.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: CookieName, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) login(w http.ResponseWriter, r *http.Request) {
	var creds models.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "invalid JSON"})
		return
	}

	b.mu.Lock()
	a := b.findByEmailLocked(creds.Email)
	b.mu.Unlock()
	if a == nil || bcrypt.CompareHashAndPassword(a.hash, []byte(creds.Password)) != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "Invalid email or password"})
		return
	}
	if !a.Active() {
		writeJSON(w, http.StatusForbidden, map[string]any{"message": "This account is inactive"})
		return
	}

	token := uuid.NewString()
	b.mu.Lock()
	b.sessions[token] = a.ID
	b.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: CookieName, Value: token, Path: "/", HttpOnly: true})
	writeJSON(w, http.StatusOK, models.LoginResponse{Message: "Login successful", User: a.summary()})
}

func (b *Backend) register(w http.ResponseWriter, r *http.Request) {
	var reg models.Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "invalid JSON"})
		return
	}

	fields := map[string]string{}
	if strings.TrimSpace(reg.FullName) == "" {
		fields["nombre_completo"] = "required"
	}
	if strings.TrimSpace(reg.Email) == "" {
		fields["correo_electronico"] = "required"
	}
	if reg.Password == "" {
		fields["password"] = "required"
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if reg.Email != "" && b.findByEmailLocked(reg.Email) != nil {
		fields["correo_electronico"] = "This email is already registered"
	}
	if len(fields) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"message": "validation failed", "errors": fields})
		return
	}

	a := b.addAccountLocked(reg)
	writeJSON(w, http.StatusCreated, a.AdminUserRecord)
}

func (b *Backend) findMail(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	exists := b.findByEmailLocked(r.URL.Query().Get("mail")) != nil
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"exists": exists})
}

func (b *Backend) resetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mail     string `json:"mail"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "mail and password are required"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.findByEmailLocked(body.Mail)
	if a == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "unknown email"})
		return
	}
	a.hash, _ = bcrypt.GenerateFromPassword([]byte(body.Password), bcrypt.MinCost)
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) listDeclarations(w http.ResponseWriter, r *http.Request) {
	a := b.caller(w, r)
	if a == nil {
		return
	}
	b.mu.Lock()
	list := append([]models.Declaration{}, b.declarations[a.ID]...)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, list)
}

func (b *Backend) createDeclaration(w http.ResponseWriter, r *http.Request) {
	a := b.caller(w, r)
	if a == nil {
		return
	}
	var in struct {
		FiscalYear  *int     `json:"ano_fiscal"`
		TotalIncome *float64 `json:"ingresos_totales"`
		Deductions  float64  `json:"deducciones_aplicadas"`
		CivilStatus string   `json:"estado_civil"`
		Dependents  *int     `json:"dependientes"`
		Notes       string   `json:"otros_ingresos_deducciones"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "invalid JSON"})
		return
	}

	fields := map[string]string{}
	if in.FiscalYear == nil || *in.FiscalYear < 1900 || *in.FiscalYear > time.Now().Year() {
		fields["ano_fiscal"] = "Invalid fiscal year"
	}
	if in.TotalIncome == nil || *in.TotalIncome < 0 {
		fields["ingresos_totales"] = "Total income must be a non-negative number"
	}
	if len(fields) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"message": "validation failed", "errors": fields})
		return
	}

	b.mu.Lock()
	b.nextDeclID++
	d := models.Declaration{
		ID:          b.nextDeclID,
		FiscalYear:  *in.FiscalYear,
		TotalIncome: *in.TotalIncome,
		Status:      PendingStatus,
		CreatedAt:   time.Now().UTC(),
		Deductions:  in.Deductions,
		CivilStatus: in.CivilStatus,
		Dependents:  in.Dependents,
		Notes:       in.Notes,
	}
	b.declarations[a.ID] = append(b.declarations[a.ID], d)
	b.mu.Unlock()

	writeJSON(w, http.StatusCreated, d)
}

func (b *Backend) listUsers(w http.ResponseWriter, r *http.Request) {
	if b.admin(w, r) == nil {
		return
	}
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		page = 1
	}
	q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))

	b.mu.Lock()
	matched := make([]models.AdminUserRecord, 0, len(b.accounts))
	for _, a := range b.accounts {
		if q == "" || strings.Contains(strings.ToLower(a.FullName), q) || strings.Contains(strings.ToLower(a.Email), q) {
			matched = append(matched, a.AdminUserRecord)
		}
	}
	b.mu.Unlock()
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	start := (page - 1) * PageSize
	if start > len(matched) {
		start = len(matched)
	}
	end := min(start+PageSize, len(matched))
	writeJSON(w, http.StatusOK, map[string]any{"users": matched[start:end]})
}

func (b *Backend) target(w http.ResponseWriter, r *http.Request) *account {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	b.mu.Lock()
	a := b.accounts[id]
	b.mu.Unlock()
	if a == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "user not found"})
	}
	return a
}

func (b *Backend) getUser(w http.ResponseWriter, r *http.Request) {
	if b.admin(w, r) == nil {
		return
	}
	if a := b.target(w, r); a != nil {
		b.mu.Lock()
		rec := a.AdminUserRecord
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, rec)
	}
}

func (b *Backend) updateUser(w http.ResponseWriter, r *http.Request) {
	if b.admin(w, r) == nil {
		return
	}
	a := b.target(w, r)
	if a == nil {
		return
	}
	var upd models.UserUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "invalid JSON"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if upd.FullName != "" {
		a.FullName = upd.FullName
	}
	if upd.Email != "" {
		a.Email = upd.Email
	}
	if upd.Password != "" {
		a.hash, _ = bcrypt.GenerateFromPassword([]byte(upd.Password), bcrypt.MinCost)
	}
	if upd.Status == models.StatusActive || upd.Status == models.StatusInactive {
		a.Status = upd.Status
	}
	writeJSON(w, http.StatusOK, a.AdminUserRecord)
}

func (b *Backend) toggleStatus(w http.ResponseWriter, r *http.Request) {
	if b.admin(w, r) == nil {
		return
	}
	a := b.target(w, r)
	if a == nil {
		return
	}
	b.mu.Lock()
	if a.Active() {
		a.Status = models.StatusInactive
	} else {
		a.Status = models.StatusActive
	}
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"message": "status updated"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
