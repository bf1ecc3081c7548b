package postgrest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email,omitempty"`
	Phone        string         `json:"phone,omitempty"`
	Role         string         `json:"role,omitempty"`
	AppMetadata  map[string]any `json:"app_metadata,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	LastSignInAt *time.Time     `json:"last_sign_in_at,omitempty"`
}

type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	User         *User  `json:"user"`
}

// UserAttributes is the body for admin user create and update.
type UserAttributes struct {
	Email        string         `json:"email,omitempty"`
	Phone        string         `json:"phone,omitempty"`
	Password     string         `json:"password,omitempty"`
	EmailConfirm bool           `json:"email_confirm,omitempty"`
	PhoneConfirm bool           `json:"phone_confirm,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	AppMetadata  map[string]any `json:"app_metadata,omitempty"`
}

// SignInWithPassword exchanges email and password for a session.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	var s Session
	err := c.doJSON(ctx, "POST", c.authURL+"/token?grant_type=password",
		map[string]string{"email": email, "password": password}, &s, nil)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SignUp registers a user. When email confirmation is enabled the server
// returns only the user, so the session has an empty access token.
func (c *Client) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*Session, error) {
	body := map[string]any{"email": email, "password": password}
	if len(metadata) > 0 {
		body["data"] = metadata
	}

	var raw json.RawMessage
	if err := c.doJSON(ctx, "POST", c.authURL+"/signup", body, &raw, nil); err != nil {
		return nil, err
	}

	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if s.User == nil {
		var u User
		if err := json.Unmarshal(raw, &u); err != nil {
			return nil, fmt.Errorf("unmarshal user: %w", err)
		}
		s.User = &u
	}
	return &s, nil
}

// SignOut revokes the session behind accessToken.
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	_, err := c.do(ctx, request{method: "POST", url: c.authURL + "/logout", bearer: accessToken})
	return err
}

// GetUser resolves an access token to its user.
func (c *Client) GetUser(ctx context.Context, accessToken string) (*User, error) {
	resp, err := c.do(ctx, request{method: "GET", url: c.authURL + "/user", bearer: accessToken})
	if err != nil {
		return nil, err
	}
	var u User
	if err := json.Unmarshal(resp.body, &u); err != nil {
		return nil, fmt.Errorf("unmarshal user: %w", err)
	}
	return &u, nil
}

// ResetPasswordForEmail sends a recovery link to email.
func (c *Client) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	u := c.authURL + "/recover"
	if redirectTo != "" {
		u += "?redirect_to=" + url.QueryEscape(redirectTo)
	}
	return c.doJSON(ctx, "POST", u, map[string]string{"email": email}, nil, nil)
}

// The Admin* methods need the client to be built with the service-role key.

func (c *Client) AdminCreateUser(ctx context.Context, attrs UserAttributes) (*User, error) {
	var u User
	if err := c.doJSON(ctx, "POST", c.authURL+"/admin/users", attrs, &u, nil); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) AdminUpdateUser(ctx context.Context, id string, attrs UserAttributes) (*User, error) {
	var u User
	if err := c.doJSON(ctx, "PUT", c.authURL+"/admin/users/"+url.PathEscape(id), attrs, &u, nil); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) AdminDeleteUser(ctx context.Context, id string) error {
	return c.doJSON(ctx, "DELETE", c.authURL+"/admin/users/"+url.PathEscape(id), nil, nil, nil)
}

func (c *Client) AdminGetUser(ctx context.Context, id string) (*User, error) {
	var u User
	if err := c.doJSON(ctx, "GET", c.authURL+"/admin/users/"+url.PathEscape(id), nil, &u, nil); err != nil {
		return nil, err
	}
	return &u, nil
}

// AdminListUsers returns one page of users. Pages start at 1.
func (c *Client) AdminListUsers(ctx context.Context, page, perPage int) ([]User, error) {
	v := url.Values{}
	if page > 0 {
		v.Set("page", strconv.Itoa(page))
	}
	if perPage > 0 {
		v.Set("per_page", strconv.Itoa(perPage))
	}
	u := c.authURL + "/admin/users"
	if len(v) > 0 {
		u += "?" + v.Encode()
	}

	var out struct {
		Users []User `json:"users"`
	}
	if err := c.doJSON(ctx, "GET", u, nil, &out, nil); err != nil {
		return nil, err
	}
	return out.Users, nil
}
