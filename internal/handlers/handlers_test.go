package handlers

import (
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"taxweb/internal/backendtest"
	"taxweb/internal/models"
	"taxweb/internal/storage"
	"taxweb/internal/workspace"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const templateDir = "../../web/templates"

func newRouter(h *Handlers) *mux.Router {
	r := mux.NewRouter()
	public := func(f http.HandlerFunc) http.Handler { return h.WorkspaceMiddleware(f) }
	user := func(f http.HandlerFunc) http.Handler { return h.WorkspaceMiddleware(h.Guard(false)(f)) }
	admin := func(f http.HandlerFunc) http.Handler { return h.WorkspaceMiddleware(h.Guard(true)(f)) }

	r.Handle("/", public(h.Home)).Methods(http.MethodGet)
	r.Handle("/login", public(h.LoginForm)).Methods(http.MethodGet)
	r.Handle("/login", public(h.Login)).Methods(http.MethodPost)
	r.Handle("/logout", public(h.Logout)).Methods(http.MethodPost)
	r.Handle("/register", public(h.RegisterForm)).Methods(http.MethodGet)
	r.Handle("/register", public(h.Register)).Methods(http.MethodPost)
	r.Handle("/forgot-password", public(h.ForgotPassword)).Methods(http.MethodPost)
	r.Handle("/reset-password", public(h.ResetPasswordForm)).Methods(http.MethodGet)
	r.Handle("/reset-password", public(h.ResetPassword)).Methods(http.MethodPost)
	r.Handle("/dashboard", user(h.Dashboard)).Methods(http.MethodGet)
	r.Handle("/declarations/new", user(h.CreateDeclaration)).Methods(http.MethodPost)
	r.Handle("/admin/users", admin(h.ListUsers)).Methods(http.MethodGet)
	r.Handle("/admin/users/new", admin(h.CreateUser)).Methods(http.MethodPost)
	r.Handle("/admin/users/{id:[0-9]+}/toggle", admin(h.ToggleUser)).Methods(http.MethodPost)
	r.Handle("/admin/users/{id:[0-9]+}/edit", admin(h.EditUserForm)).Methods(http.MethodGet)
	r.Handle("/admin/users/{id:[0-9]+}/edit", admin(h.UpdateUser)).Methods(http.MethodPost)
	r.NotFoundHandler = public(h.NotFound)
	return r
}

// browser is a cookie-keeping client that does not follow redirects.
type browser struct {
	t      *testing.T
	base   string
	client *http.Client
}

func newBrowser(t *testing.T, base string) *browser {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &browser{t: t, base: base, client: &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

type page struct {
	Status   int
	Location string
	Body     string
}

func (b *browser) do(req *http.Request) page {
	resp, err := b.client.Do(req)
	require.NoError(b.t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(b.t, err)
	return page{Status: resp.StatusCode, Location: resp.Header.Get("Location"), Body: string(body)}
}

func (b *browser) get(path string) page {
	req, err := http.NewRequest(http.MethodGet, b.base+path, http.NoBody)
	require.NoError(b.t, err)
	return b.do(req)
}

func (b *browser) post(path string, form url.Values) page {
	req, err := http.NewRequest(http.MethodPost, b.base+path, strings.NewReader(form.Encode()))
	require.NoError(b.t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return b.do(req)
}

type HandlersTestSuite struct {
	suite.Suite
	backend *backendtest.Backend
	api     *httptest.Server
	app     *httptest.Server
	db      *storage.DB
	admin   models.AdminUserRecord
	user    models.AdminUserRecord
}

func (suite *HandlersTestSuite) SetupTest() {
	suite.backend = backendtest.New()
	suite.admin = suite.backend.AddUser("Ada Admin", "ada@example.com", "Secret123", true)
	suite.user = suite.backend.AddUser("Bruno Payer", "bruno@example.com", "Secret123", false)
	suite.api = httptest.NewServer(suite.backend)

	db, err := storage.NewDB(":memory:")
	require.NoError(suite.T(), err)
	suite.db = db

	registry := workspace.NewRegistry(db, nil, workspace.Options{BaseURL: suite.api.URL, Timeout: 5 * time.Second})
	h := NewHandlers(registry, nil, Options{
		TemplateDir:   templateDir,
		SessionSecret: []byte("test-secret-test-secret-test-sec"),
		SessionWait:   2 * time.Second,
	})
	suite.app = httptest.NewServer(newRouter(h))
}

func (suite *HandlersTestSuite) TearDownTest() {
	suite.app.Close()
	suite.api.Close()
	suite.db.Close()
}

func (suite *HandlersTestSuite) browser() *browser {
	return newBrowser(suite.T(), suite.app.URL)
}

func (suite *HandlersTestSuite) loggedIn(email string) *browser {
	b := suite.browser()
	p := b.post("/login", url.Values{"email": {email}, "password": {"Secret123"}})
	require.Equal(suite.T(), http.StatusSeeOther, p.Status, p.Body)
	return b
}

func (suite *HandlersTestSuite) TestGuardRedirectsAnonymous() {
	p := suite.browser().get("/dashboard")
	assert.Equal(suite.T(), http.StatusFound, p.Status)
	assert.Equal(suite.T(), "/login?from=%2Fdashboard", p.Location)
}

func (suite *HandlersTestSuite) TestLoginReturnsToRequestedPage() {
	b := suite.browser()
	p := b.post("/login", url.Values{"email": {"bruno@example.com"}, "password": {"Secret123"}, "from": {"/declarations/new"}})
	assert.Equal(suite.T(), http.StatusSeeOther, p.Status)
	assert.Equal(suite.T(), "/declarations/new", p.Location)

	p = b.get("/login")
	assert.Equal(suite.T(), http.StatusFound, p.Status, "logged-in users skip the login page")
	assert.Equal(suite.T(), "/dashboard", p.Location)
}

func (suite *HandlersTestSuite) TestLoginIgnoresForeignReturnPath() {
	p := suite.browser().post("/login", url.Values{"email": {"ada@example.com"}, "password": {"Secret123"}, "from": {"//evil.example/x"}})
	assert.Equal(suite.T(), http.StatusSeeOther, p.Status)
	assert.Equal(suite.T(), "/admin/users", p.Location)
}

func (suite *HandlersTestSuite) TestLoginFailureShowsBackendMessage() {
	p := suite.browser().post("/login", url.Values{"email": {"bruno@example.com"}, "password": {"wrong"}})
	assert.Equal(suite.T(), http.StatusOK, p.Status)
	assert.Contains(suite.T(), p.Body, "Invalid email or password")
	assert.Contains(suite.T(), p.Body, `value="bruno@example.com"`)
}

func (suite *HandlersTestSuite) TestDashboardListsDeclarations() {
	suite.backend.AddDeclaration(suite.user.ID, 2022, 1000)
	suite.backend.AddDeclaration(suite.user.ID, 2023, 50000)
	b := suite.loggedIn("bruno@example.com")

	p := b.get("/dashboard")
	require.Equal(suite.T(), http.StatusOK, p.Status)
	assert.Contains(suite.T(), p.Body, "Welcome, Bruno Payer")
	assert.Contains(suite.T(), p.Body, "50000.00")
	assert.Less(suite.T(), strings.Index(p.Body, "<td>2023</td>"), strings.Index(p.Body, "<td>2022</td>"), "newest year first")
}

func (suite *HandlersTestSuite) TestDashboardEmptyList() {
	p := suite.loggedIn("bruno@example.com").get("/dashboard")
	require.Equal(suite.T(), http.StatusOK, p.Status)
	assert.Contains(suite.T(), p.Body, "You have no declarations yet.")
}

func (suite *HandlersTestSuite) TestNonAdminSeesAccessDenied() {
	p := suite.loggedIn("bruno@example.com").get("/admin/users")
	assert.Equal(suite.T(), http.StatusForbidden, p.Status)
	assert.Contains(suite.T(), p.Body, "Access denied. You are not an administrator.")
	assert.Equal(suite.T(), 0, suite.backend.CountRequests(http.MethodGet, "/admin/users"))
}

func (suite *HandlersTestSuite) TestToggleOtherUser() {
	b := suite.loggedIn("ada@example.com")
	p := b.get("/admin/users")
	require.Equal(suite.T(), http.StatusOK, p.Status)

	p = b.post(fmt.Sprintf("/admin/users/%d/toggle", suite.user.ID), nil)
	assert.Equal(suite.T(), http.StatusSeeOther, p.Status)
	assert.Equal(suite.T(), "/admin/users", p.Location)

	rec, ok := suite.backend.User(suite.user.ID)
	require.True(suite.T(), ok)
	assert.Equal(suite.T(), models.StatusInactive, rec.Status)

	p = b.get("/admin/users")
	assert.Contains(suite.T(), p.Body, "inactivo")
}

func (suite *HandlersTestSuite) TestSelfToggleIsDisabled() {
	b := suite.loggedIn("ada@example.com")
	p := b.get("/admin/users")
	require.Equal(suite.T(), http.StatusOK, p.Status)

	row := p.Body[strings.Index(p.Body, fmt.Sprintf(`id="user-%d"`, suite.admin.ID)):]
	row = row[:strings.Index(row, "</tr>")]
	assert.Contains(suite.T(), row, "disabled")

	b.post(fmt.Sprintf("/admin/users/%d/toggle", suite.admin.ID), nil)
	assert.Equal(suite.T(), 0, suite.backend.CountRequests(http.MethodPost, fmt.Sprintf("/admin/users/%d/toggle_status", suite.admin.ID)))
	p = b.get("/admin/users")
	assert.Contains(suite.T(), p.Body, "You cannot change the status of your own account.")
}

func (suite *HandlersTestSuite) TestPagination() {
	for i := range 10 {
		suite.backend.AddUser(fmt.Sprintf("Extra User %d", i), fmt.Sprintf("extra%d@example.com", i), "Secret123", false)
	}
	b := suite.loggedIn("ada@example.com")

	p := b.get("/admin/users")
	require.Equal(suite.T(), http.StatusOK, p.Status)
	assert.Contains(suite.T(), p.Body, `href="/admin/users?page=2"`)
	assert.NotContains(suite.T(), p.Body, `id="prev-page"`)

	p = b.get("/admin/users?page=2")
	require.Equal(suite.T(), http.StatusOK, p.Status)
	assert.Contains(suite.T(), p.Body, `id="prev-page"`)
	assert.NotContains(suite.T(), p.Body, `id="next-page"`)
	assert.Contains(suite.T(), p.Body, "Extra User 9")
}

func (suite *HandlersTestSuite) TestEditUser() {
	b := suite.loggedIn("ada@example.com")
	path := fmt.Sprintf("/admin/users/%d/edit", suite.user.ID)

	p := b.get(path)
	require.Equal(suite.T(), http.StatusOK, p.Status)
	assert.Contains(suite.T(), p.Body, `value="Bruno Payer"`)

	p = b.post(path, url.Values{"nombre_completo": {"Bruno P."}, "correo_electronico": {"bruno@example.com"}, "estado": {"activo"}, "password": {"weak"}, "confirm_password": {"weak"}})
	assert.Equal(suite.T(), http.StatusOK, p.Status)
	assert.Contains(suite.T(), p.Body, "at least 8 characters")

	p = b.post(path, url.Values{"nombre_completo": {"Bruno P."}, "correo_electronico": {"bruno@example.com"}, "estado": {"inactivo"}})
	assert.Equal(suite.T(), http.StatusSeeOther, p.Status)
	rec, _ := suite.backend.User(suite.user.ID)
	assert.Equal(suite.T(), "Bruno P.", rec.FullName)
	assert.Equal(suite.T(), models.StatusInactive, rec.Status)
}

func (suite *HandlersTestSuite) TestAdminCreatesUser() {
	b := suite.loggedIn("ada@example.com")
	p := b.post("/admin/users/new", url.Values{
		"tipo_documento":     {"Cedula"},
		"numero_documento":   {"99887766"},
		"nombre_completo":    {"Carla Nueva"},
		"correo_electronico": {"carla@example.com"},
		"password":           {"Secret123"},
		"confirm_password":   {"Secret123"},
	})
	assert.Equal(suite.T(), http.StatusSeeOther, p.Status)
	assert.Equal(suite.T(), "/admin/users", p.Location)
}

func (suite *HandlersTestSuite) TestNonNumericYearIsRejectedLocally() {
	b := suite.loggedIn("bruno@example.com")
	p := b.post("/declarations/new", url.Values{"ano_fiscal": {"abc"}, "ingresos_totales": {"1200"}, "estado_civil": {"Soltero/a"}})
	assert.Equal(suite.T(), http.StatusOK, p.Status)
	assert.Contains(suite.T(), p.Body, "The fiscal year must be a whole number.")
	assert.Equal(suite.T(), 0, suite.backend.CountRequests(http.MethodPost, "/declarations"))
}

func (suite *HandlersTestSuite) TestCreateDeclaration() {
	b := suite.loggedIn("bruno@example.com")
	p := b.post("/declarations/new", url.Values{
		"ano_fiscal":                 {"2023"},
		"ingresos_totales":           {"42000"},
		"estado_civil":               {"Casado/a"},
		"otros_ingresos_deducciones": {"**rent** <script>x</script>"},
	})
	assert.Equal(suite.T(), http.StatusOK, p.Status)
	assert.Contains(suite.T(), p.Body, "Declaration created successfully.")

	p = b.get("/dashboard")
	assert.Contains(suite.T(), p.Body, "<strong>rent</strong>")
	assert.NotContains(suite.T(), p.Body, "<script>x</script>")
}

func (suite *HandlersTestSuite) TestRegisterShortNameSendsNothing() {
	p := suite.browser().post("/register", url.Values{
		"tipo_documento":     {"Cedula"},
		"numero_documento":   {"12345"},
		"nombre_completo":    {"Al"},
		"correo_electronico": {"al@example.com"},
		"password":           {"Secret123"},
		"confirm_password":   {"Secret123"},
	})
	assert.Equal(suite.T(), http.StatusOK, p.Status)
	assert.Contains(suite.T(), p.Body, "The name must be longer than 3 characters.")
	assert.Equal(suite.T(), 0, suite.backend.CountRequests(http.MethodPost, "/register"))
}

func (suite *HandlersTestSuite) TestPasswordRecovery() {
	b := suite.browser()
	p := b.get("/reset-password")
	assert.Equal(suite.T(), http.StatusFound, p.Status, "no confirmed email yet")

	p = b.post("/forgot-password", url.Values{"correo_electronico": {"bruno@example.com"}})
	require.Equal(suite.T(), http.StatusOK, p.Status)
	assert.Contains(suite.T(), p.Body, `id="continue-reset"`)

	p = b.post("/reset-password", url.Values{"password": {"Newpass123"}, "confirm_password": {"Newpass123"}})
	assert.Equal(suite.T(), http.StatusSeeOther, p.Status)
	assert.Equal(suite.T(), "/login", p.Location)

	p = b.post("/login", url.Values{"email": {"bruno@example.com"}, "password": {"Newpass123"}})
	assert.Equal(suite.T(), http.StatusSeeOther, p.Status)
}

func (suite *HandlersTestSuite) TestLogout() {
	b := suite.loggedIn("bruno@example.com")
	p := b.post("/logout", nil)
	assert.Equal(suite.T(), http.StatusSeeOther, p.Status)
	assert.Equal(suite.T(), "/login", p.Location)

	p = b.get("/dashboard")
	assert.Equal(suite.T(), http.StatusFound, p.Status)
}

func (suite *HandlersTestSuite) TestExpiredBackendSessionLogsOut() {
	b := suite.loggedIn("bruno@example.com")
	suite.backend.ExpireSessions()

	p := b.get("/dashboard")
	assert.Equal(suite.T(), http.StatusFound, p.Status)
	assert.Equal(suite.T(), "/login?from=%2Fdashboard", p.Location)
	assert.Equal(suite.T(), 1, suite.backend.CountRequests(http.MethodDelete, "/session"))
}

func (suite *HandlersTestSuite) TestPartialRender() {
	req, err := http.NewRequest(http.MethodGet, suite.app.URL+"/", http.NoBody)
	require.NoError(suite.T(), err)
	req.Header.Set("HX-Request", "true")
	p := suite.browser().do(req)
	assert.Equal(suite.T(), http.StatusOK, p.Status)
	assert.NotContains(suite.T(), p.Body, "<html")
	assert.Contains(suite.T(), p.Body, "Welcome")
}

func (suite *HandlersTestSuite) TestNotFound() {
	p := suite.browser().get("/nowhere")
	assert.Equal(suite.T(), http.StatusNotFound, p.Status)
	assert.Contains(suite.T(), p.Body, "404")
}

func TestHandlersSuite(t *testing.T) {
	suite.Run(t, new(HandlersTestSuite))
}

// slowSession holds every GET /session until release is closed.
type slowSession struct {
	next    http.Handler
	release chan struct{}
}

func (s slowSession) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == "/session" {
		<-s.release
	}
	s.next.ServeHTTP(w, r)
}

func TestGuardShowsCheckingWhileSessionLoads(t *testing.T) {
	release := make(chan struct{})
	api := httptest.NewServer(slowSession{next: backendtest.New(), release: release})
	defer api.Close()
	defer close(release)

	db, err := storage.NewDB(":memory:")
	require.NoError(t, err)
	defer db.Close()

	registry := workspace.NewRegistry(db, nil, workspace.Options{BaseURL: api.URL})
	h := NewHandlers(registry, nil, Options{
		TemplateDir:   templateDir,
		SessionSecret: []byte("test-secret"),
		SessionWait:   50 * time.Millisecond,
	})
	app := httptest.NewServer(newRouter(h))
	defer app.Close()

	p := newBrowser(t, app.URL).get("/dashboard")
	assert.Equal(t, http.StatusOK, p.Status, "no redirect while the session is unknown")
	assert.Contains(t, p.Body, "Checking your session...")
	assert.Contains(t, p.Body, `http-equiv="refresh"`)
}

func TestSummarize(t *testing.T) {
	stats := summarize([]models.Declaration{
		{FiscalYear: 2021, TotalIncome: 100, Deductions: 10, Status: "pendiente"},
		{FiscalYear: 2023, TotalIncome: 300, Status: "aprobada"},
		{FiscalYear: 2022, TotalIncome: 200, Deductions: 5, Status: "pendiente"},
	})
	assert.Equal(t, 3, stats.Count)
	assert.Equal(t, 600.0, stats.TotalIncome)
	assert.Equal(t, 15.0, stats.TotalDeductions)
	assert.Equal(t, 2023, stats.LatestYear)
	require.Len(t, stats.Statuses, 2)
	assert.Equal(t, "pendiente", stats.Statuses[0].Status)
	assert.InDelta(t, 66.67, stats.Statuses[0].Percentage, 0.01)

	assert.Empty(t, summarize(nil).Statuses)
}
