package restapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

type loginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// Login establishes a session and stores the returned token on the client.
// The token is read from the JSON body or, failing that, from the session cookie.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	response, err := c.send(ctx, http.MethodPost, ResourceSession, username, "/session", nil, loginPayload{
		Username: username,
		Password: password,
	})
	if err != nil {
		return "", err
	}
	defer drain(response)

	token := ""
	raw, readErr := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if readErr == nil && len(strings.TrimSpace(string(raw))) > 0 {
		var decoded loginResponse
		if json.Unmarshal(raw, &decoded) == nil {
			token = strings.TrimSpace(decoded.Token)
		}
	}
	if token == "" {
		for _, cookie := range response.Cookies() {
			if cookie.Name == c.cookieName {
				token = strings.TrimSpace(cookie.Value)
				break
			}
		}
	}
	if token == "" {
		return "", &FetchError{Resource: ResourceSession, ID: username, Err: ErrMissingToken}
	}

	c.SetToken(token)
	return token, nil
}

// VerifySession checks that the current token is still accepted by the server.
func (c *Client) VerifySession(ctx context.Context) error {
	if c.Token() == "" {
		return &FetchError{Resource: ResourceSession, Err: ErrUnauthorized}
	}
	response, err := c.send(ctx, http.MethodGet, ResourceSession, "", "/session", nil, nil)
	if err != nil {
		return err
	}
	drain(response)
	return nil
}
