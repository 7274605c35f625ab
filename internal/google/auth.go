package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"

	"plannersync/internal/models"
)

const (
	// DefaultCredentialsFile is read when no client id and secret are configured.
	DefaultCredentialsFile = "credentials.json"

	redirectURL = "urn:ietf:wg:oauth:2.0:oob"
)

var scopes = []string{calendar.CalendarReadonlyScope, calendar.CalendarEventsScope}

// OAuthConfig returns the OAuth2 config for the desktop flow.
// It prioritizes the client id and secret over a credentials file.
func OAuthConfig(clientID, clientSecret, credentialsFile string) (*oauth2.Config, error) {
	if clientID != "" && clientSecret != "" {
		return &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       scopes,
			Endpoint:     google.Endpoint,
		}, nil
	}

	if credentialsFile == "" {
		credentialsFile = DefaultCredentialsFile
	}
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s not found. Please provide GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET env vars or place the credentials file in the working directory", credentialsFile)
		}
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, scopes...)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	config.RedirectURL = redirectURL
	return config, nil
}

// TokenFromWeb exchanges an authorization code for a token.
func TokenFromWeb(ctx context.Context, config *oauth2.Config, authCode string) (*oauth2.Token, error) {
	return config.Exchange(ctx, authCode)
}

// TokenPath returns where the token of account is kept.
func TokenPath(dir, account string) string {
	return filepath.Join(dir, fmt.Sprintf("token-%s.json", account))
}

// SaveToken saves a token to a file path.
func SaveToken(path string, token *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("unable to create token dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("unable to create token file: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

// LoadSession reads the stored token of account.
func LoadSession(dir, account string) (models.Session, error) {
	tok, err := tokenFromFile(TokenPath(dir, account))
	if err != nil {
		return models.Session{}, fmt.Errorf("could not load token for account %s: %w. Please run the 'auth' command first", account, err)
	}
	return models.Session{Account: account, Token: tok}, nil
}

// TokenAccounts lists the accounts that have a stored token in dir.
func TokenAccounts(dir string) ([]string, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var accounts []string
	for _, file := range files {
		name := file.Name()
		if strings.HasPrefix(name, "token-") && strings.HasSuffix(name, ".json") {
			accounts = append(accounts, strings.TrimSuffix(strings.TrimPrefix(name, "token-"), ".json"))
		}
	}
	return accounts, nil
}
