package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"taxweb/internal/models"
)

// CurrentSession resolves the user behind the session cookie. A nil user with
// a nil error means the backend answered without one.
func (c *Client) CurrentSession(ctx context.Context) (*models.UserSummary, error) {
	var out struct {
		User *models.UserSummary `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, sessionPath, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.User, nil
}

// Login authenticates and lets the backend set its session cookie.
func (c *Client) Login(ctx context.Context, creds models.Credentials) (*models.LoginResponse, error) {
	var out models.LoginResponse
	if err := c.do(ctx, http.MethodPost, loginPath, nil, creds, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout terminates the backend session. Whatever the backend answers, a
// jar that can be cleared is emptied so the old session cookie is never
// sent again.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodDelete, sessionPath, nil, nil, nil)
	if jar, ok := c.http.Jar.(clearableJar); ok {
		if clearErr := jar.Clear(); clearErr != nil {
			c.logger.Error("failed to clear backend cookies", "error", clearErr)
		}
	}
	return err
}

type clearableJar interface {
	Clear() error
}

// Register creates an account, either for the caller or on behalf of an admin.
func (c *Client) Register(ctx context.Context, reg models.Registration) (*models.AdminUserRecord, error) {
	var out models.AdminUserRecord
	if err := c.do(ctx, http.MethodPost, "/register", nil, reg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EmailRegistered asks whether an account exists for mail.
func (c *Client) EmailRegistered(ctx context.Context, mail string) (bool, error) {
	var out struct {
		Exists bool `json:"exists"`
	}
	if err := c.do(ctx, http.MethodGet, "/find-mail", url.Values{"mail": {mail}}, nil, &out); err != nil {
		return false, err
	}
	return out.Exists, nil
}

// ResetPassword sets a new password for mail.
func (c *Client) ResetPassword(ctx context.Context, mail, password string) error {
	body := map[string]string{"mail": mail, "password": password}
	return c.do(ctx, http.MethodPatch, "/reset-password", nil, body, nil)
}

// ListDeclarations returns the caller's declarations.
func (c *Client) ListDeclarations(ctx context.Context) ([]models.Declaration, error) {
	var out []models.Declaration
	if err := c.do(ctx, http.MethodGet, "/declarations", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateDeclaration submits a new declaration.
func (c *Client) CreateDeclaration(ctx context.Context, in models.DeclarationInput) (*models.Declaration, error) {
	var out models.Declaration
	if err := c.do(ctx, http.MethodPost, "/declarations", nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListUsers returns one page of accounts, optionally filtered by q.
func (c *Client) ListUsers(ctx context.Context, page int, q string) ([]models.AdminUserRecord, error) {
	query := url.Values{"page": {strconv.Itoa(page)}}
	if q != "" {
		query.Set("q", q)
	}
	var out struct {
		Users []models.AdminUserRecord `json:"users"`
	}
	if err := c.do(ctx, http.MethodGet, "/admin/users", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

// GetUser fetches one account.
func (c *Client) GetUser(ctx context.Context, id int64) (*models.AdminUserRecord, error) {
	var out models.AdminUserRecord
	if err := c.do(ctx, http.MethodGet, userPath(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateUser replaces the editable attributes of one account.
func (c *Client) UpdateUser(ctx context.Context, id int64, upd models.UserUpdate) (*models.AdminUserRecord, error) {
	var out models.AdminUserRecord
	if err := c.do(ctx, http.MethodPut, userPath(id), nil, upd, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ToggleUserStatus flips an account between active and inactive.
func (c *Client) ToggleUserStatus(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, userPath(id)+"/toggle_status", nil, nil, nil)
}

func userPath(id int64) string {
	return "/admin/users/" + strconv.FormatInt(id, 10)
}
