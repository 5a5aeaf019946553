package storage

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// SessionTestSuite provides a test suite for browser session operations
type SessionTestSuite struct {
	suite.Suite
	db *DB
}

// SetupTest runs before each test
func (suite *SessionTestSuite) SetupTest() {
	db, err := NewDB(":memory:")
	require.NoError(suite.T(), err, "failed to create test database")
	suite.db = db
}

// TearDownTest runs after each test
func (suite *SessionTestSuite) TearDownTest() {
	if suite.db != nil {
		suite.db.Close()
	}
}

func (suite *SessionTestSuite) TestCreateAndValidateSession() {
	id := uuid.NewString()
	err := suite.db.CreateSession(id, time.Now().Add(30*24*time.Hour))
	require.NoError(suite.T(), err)

	info, err := suite.db.ValidateSession(id)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), id, info.ID)
	assert.Less(suite.T(), time.Since(info.LastActivity), 5*time.Second, "LastActivity should be recent")
}

func (suite *SessionTestSuite) TestUnknownSession() {
	_, err := suite.db.ValidateSession(uuid.NewString())
	assert.ErrorIs(suite.T(), err, ErrSessionNotFound)
}

func (suite *SessionTestSuite) TestExpiredSessionIsInvalid() {
	id := uuid.NewString()
	require.NoError(suite.T(), suite.db.CreateSession(id, time.Now().Add(-time.Minute)))

	_, err := suite.db.ValidateSession(id)
	assert.ErrorIs(suite.T(), err, ErrSessionNotFound)
}

func (suite *SessionTestSuite) TestRenewSession() {
	id := uuid.NewString()
	require.NoError(suite.T(), suite.db.CreateSession(id, time.Now().Add(24*time.Hour)))

	// Wait a moment to ensure timestamps differ
	time.Sleep(10 * time.Millisecond)

	originalInfo, err := suite.db.ValidateSession(id)
	require.NoError(suite.T(), err)

	err = suite.db.RenewSession(id, time.Now().Add(30*24*time.Hour))
	require.NoError(suite.T(), err)

	updatedInfo, err := suite.db.ValidateSession(id)
	require.NoError(suite.T(), err)
	assert.True(suite.T(), updatedInfo.LastActivity.After(originalInfo.LastActivity),
		"LastActivity should be updated after renewal")
	assert.True(suite.T(), updatedInfo.ExpiresAt.After(originalInfo.ExpiresAt),
		"ExpiresAt should be extended after renewal")
}

func (suite *SessionTestSuite) TestDeleteSessionDropsCookies() {
	id := uuid.NewString()
	require.NoError(suite.T(), suite.db.CreateSession(id, time.Now().Add(time.Hour)))
	require.NoError(suite.T(), suite.db.SaveCookie(id, "http://backend/", &http.Cookie{Name: "tax_session", Value: "abc"}))

	require.NoError(suite.T(), suite.db.DeleteSession(id))

	_, err := suite.db.ValidateSession(id)
	assert.ErrorIs(suite.T(), err, ErrSessionNotFound)
	cookies, err := suite.db.LoadCookies(id)
	require.NoError(suite.T(), err)
	assert.Empty(suite.T(), cookies)
}

func (suite *SessionTestSuite) TestCleanExpiredSessions() {
	live := uuid.NewString()
	dead := uuid.NewString()
	require.NoError(suite.T(), suite.db.CreateSession(live, time.Now().Add(time.Hour)))
	require.NoError(suite.T(), suite.db.CreateSession(dead, time.Now().Add(-time.Hour)))

	removed, err := suite.db.CleanExpiredSessions()
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), []string{dead}, removed)

	count, err := suite.db.SessionCount()
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 1, count)
}

// JarTestSuite covers the persistent backend cookie jar
type JarTestSuite struct {
	suite.Suite
	db      *DB
	id      string
	backend *url.URL
}

func (suite *JarTestSuite) SetupTest() {
	db, err := NewDB(":memory:")
	require.NoError(suite.T(), err)
	suite.db = db
	suite.id = uuid.NewString()
	require.NoError(suite.T(), db.CreateSession(suite.id, time.Now().Add(time.Hour)))
	suite.backend, _ = url.Parse("http://127.0.0.1:3000/login")
}

func (suite *JarTestSuite) TearDownTest() {
	suite.db.Close()
}

func (suite *JarTestSuite) TestCookiesSurviveReload() {
	jar, err := NewJar(suite.db, suite.id, nil)
	require.NoError(suite.T(), err)
	jar.SetCookies(suite.backend, []*http.Cookie{{Name: "tax_session", Value: "token-1", Path: "/", HttpOnly: true}})

	reloaded, err := NewJar(suite.db, suite.id, nil)
	require.NoError(suite.T(), err)

	other, _ := url.Parse("http://127.0.0.1:3000/declaraciones")
	cookies := reloaded.Cookies(other)
	require.Len(suite.T(), cookies, 1)
	assert.Equal(suite.T(), "token-1", cookies[0].Value)
}

func (suite *JarTestSuite) TestClearedCookieIsForgotten() {
	jar, err := NewJar(suite.db, suite.id, nil)
	require.NoError(suite.T(), err)
	jar.SetCookies(suite.backend, []*http.Cookie{{Name: "tax_session", Value: "token-1", Path: "/"}})
	jar.SetCookies(suite.backend, []*http.Cookie{{Name: "tax_session", Value: "", Path: "/", MaxAge: -1}})

	assert.Empty(suite.T(), jar.Cookies(suite.backend))
	stored, err := suite.db.LoadCookies(suite.id)
	require.NoError(suite.T(), err)
	assert.Empty(suite.T(), stored)
}

func (suite *JarTestSuite) TestClearForgetsEverything() {
	jar, err := NewJar(suite.db, suite.id, nil)
	require.NoError(suite.T(), err)
	jar.SetCookies(suite.backend, []*http.Cookie{
		{Name: "tax_session", Value: "token-1", Path: "/"},
		{Name: "pref", Value: "x", Path: "/", MaxAge: 3600},
	})

	require.NoError(suite.T(), jar.Clear())
	assert.Empty(suite.T(), jar.Cookies(suite.backend))

	reloaded, err := NewJar(suite.db, suite.id, nil)
	require.NoError(suite.T(), err)
	assert.Empty(suite.T(), reloaded.Cookies(suite.backend))
}

func (suite *JarTestSuite) TestJarsAreIsolated() {
	jar, err := NewJar(suite.db, suite.id, nil)
	require.NoError(suite.T(), err)
	jar.SetCookies(suite.backend, []*http.Cookie{{Name: "tax_session", Value: "token-1", Path: "/"}})

	otherID := uuid.NewString()
	require.NoError(suite.T(), suite.db.CreateSession(otherID, time.Now().Add(time.Hour)))
	other, err := NewJar(suite.db, otherID, nil)
	require.NoError(suite.T(), err)
	assert.Empty(suite.T(), other.Cookies(suite.backend))
}

func (suite *JarTestSuite) TestMaxAgeIsStoredAsExpiry() {
	jar, err := NewJar(suite.db, suite.id, nil)
	require.NoError(suite.T(), err)
	jar.SetCookies(suite.backend, []*http.Cookie{{Name: "tax_session", Value: "t", Path: "/", MaxAge: 3600}})

	stored, err := suite.db.LoadCookies(suite.id)
	require.NoError(suite.T(), err)
	require.Len(suite.T(), stored["http://127.0.0.1:3000/"], 1)
	assert.WithinDuration(suite.T(), time.Now().Add(time.Hour), stored["http://127.0.0.1:3000/"][0].Expires, time.Minute)
}

// Test suite runners
func TestSessionSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}

func TestJarSuite(t *testing.T) {
	suite.Run(t, new(JarTestSuite))
}
