package restore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// OAuthRefresher exchanges stored refresh tokens for access tokens.
type OAuthRefresher struct {
	cfg    oauth2.Config
	client *http.Client
}

func NewOAuthRefresher(clientID, clientSecret, tokenURL string, client *http.Client) *OAuthRefresher {
	if client == nil {
		client = http.DefaultClient
	}
	return &OAuthRefresher{
		cfg: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client: client,
	}
}

func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, errors.New("empty refresh token")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	return r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}

type AddStatus int

const (
	Added AddStatus = iota + 1
	AlreadyMember
)

// MemberClient calls the guild member add endpoint with the bot token.
type MemberClient struct {
	apiBase  string
	botToken string
	client   *http.Client
}

func NewMemberClient(apiBase, botToken string, client *http.Client) *MemberClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &MemberClient{apiBase: strings.TrimRight(apiBase, "/"), botToken: botToken, client: client}
}

// AddMember maps 200 and 201 to Added and 204 to AlreadyMember. Any other
// status is an error.
func (c *MemberClient) AddMember(ctx context.Context, guildID, userID, accessToken string) (AddStatus, error) {
	body, err := json.Marshal(map[string]string{"access_token": accessToken})
	if err != nil {
		return 0, err
	}
	url := fmt.Sprintf("%s/guilds/%s/members/%s", c.apiBase, guildID, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bot "+c.botToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return Added, nil
	case http.StatusNoContent:
		return AlreadyMember, nil
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("add member %s: status %d: %s", userID, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
}
