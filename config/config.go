// Package config loads requester settings from the environment and optional
// .env files.
//
// Every variable is namespaced by a provider prefix, so one .env file can hold
// several connections:
//
//   - <PREFIX>_ACCESS_TOKEN, <PREFIX>_REFRESH_TOKEN: stored OAuth2 tokens
//   - <PREFIX>_CLIENT_ID, <PREFIX>_CLIENT_SECRET: OAuth2 client identity
//   - <PREFIX>_TOKEN_URL, <PREFIX>_AUTH_URL, <PREFIX>_REDIRECT_URI: OAuth2 endpoints
//   - <PREFIX>_SCOPE: space or comma separated scopes
//   - <PREFIX>_GRANT_TYPE: authorization_code (default), client_credentials or password
//   - <PREFIX>_API_KEY, <PREFIX>_API_KEY_HEADER: static API key
//   - <PREFIX>_USERNAME, <PREFIX>_PASSWORD: basic auth or password grant
//   - <PREFIX>_BACKOFF: retry schedule, e.g. "1,3,10" (seconds) or "500ms,2s"; "none" disables retries
//   - <PREFIX>_TIMEOUT: per-attempt timeout, e.g. "30s"
//   - <PREFIX>_DEBUG: enable debug logging
//
// Example:
//
//	cfg, err := config.Load("HUBSPOT")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/friggframework/frigg-go/core"
)

// DefaultEnvFile is loaded when Load is called without files.
const DefaultEnvFile = ".env"

// Mode identifies the authentication a Config describes.
type Mode string

const (
	ModeNone   Mode = ""
	ModeOAuth2 Mode = "oauth2"
	ModeAPIKey Mode = "api_key"
	ModeBasic  Mode = "basic"
)

// Config holds the settings for one provider connection.
type Config struct {
	Prefix string

	// OAuth2
	AccessToken  string
	RefreshToken string
	ClientID     string
	ClientSecret string
	TokenURL     string
	AuthURL      string
	RedirectURI  string
	Scopes       []string
	GrantType    string

	// API key
	APIKey       string
	APIKeyHeader string

	// Basic auth, or the OAuth2 password grant
	Username string
	Password string

	// BackOff is nil when unset, meaning the requester default.
	BackOff []time.Duration
	Timeout time.Duration
	Debug   bool
}

// Load reads the configuration for prefix from the environment after loading
// files (or DefaultEnvFile) into it. Missing files are skipped and variables
// already set in the environment win over file values.
func Load(prefix string, files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{DefaultEnvFile}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("loading %s: %w", f, err)
		}
	}

	e := env(prefix)
	c := &Config{
		Prefix:       prefix,
		AccessToken:  e.get("ACCESS_TOKEN"),
		RefreshToken: e.get("REFRESH_TOKEN"),
		ClientID:     e.get("CLIENT_ID"),
		ClientSecret: e.get("CLIENT_SECRET"),
		TokenURL:     e.get("TOKEN_URL"),
		AuthURL:      e.get("AUTH_URL"),
		RedirectURI:  e.get("REDIRECT_URI"),
		Scopes:       splitList(e.get("SCOPE")),
		GrantType:    e.get("GRANT_TYPE"),
		APIKey:       e.get("API_KEY"),
		APIKeyHeader: e.get("API_KEY_HEADER"),
		Username:     e.get("USERNAME"),
		Password:     e.get("PASSWORD"),
	}

	var err error
	if v := e.get("BACKOFF"); v != "" {
		if c.BackOff, err = ParseBackOff(v); err != nil {
			return nil, fmt.Errorf("%s: %w", e.key("BACKOFF"), err)
		}
	}
	if v := e.get("TIMEOUT"); v != "" {
		if c.Timeout, err = parseDuration(v); err != nil {
			return nil, fmt.Errorf("%s: %w", e.key("TIMEOUT"), err)
		}
	}
	if v := e.get("DEBUG"); v != "" {
		if c.Debug, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("%s: %w", e.key("DEBUG"), err)
		}
	}
	return c, nil
}

// Mode reports which authentication the configuration describes. OAuth2
// settings take precedence over an API key, which takes precedence over
// basic credentials.
func (c *Config) Mode() Mode {
	switch {
	case c.ClientID != "" || c.AccessToken != "" || c.RefreshToken != "" || c.TokenURL != "":
		return ModeOAuth2
	case c.APIKey != "":
		return ModeAPIKey
	case c.Username != "" && c.Password != "":
		return ModeBasic
	}
	return ModeNone
}

// Validate checks that the configuration describes a usable connection.
func (c *Config) Validate() error {
	e := env(c.Prefix)
	switch c.Mode() {
	case ModeNone:
		return fmt.Errorf("no credentials configured: set %s, %s or %s/%s",
			e.key("ACCESS_TOKEN"), e.key("API_KEY"), e.key("USERNAME"), e.key("PASSWORD"))
	case ModeOAuth2:
		switch c.GrantType {
		case "", "authorization_code":
			if c.RefreshToken != "" && c.TokenURL == "" {
				return fmt.Errorf("%s is required to refresh tokens", e.key("TOKEN_URL"))
			}
		case "client_credentials":
			if c.TokenURL == "" || c.ClientID == "" {
				return fmt.Errorf("%s and %s are required for client_credentials", e.key("TOKEN_URL"), e.key("CLIENT_ID"))
			}
		case "password":
			if c.TokenURL == "" || c.Username == "" {
				return fmt.Errorf("%s and %s are required for the password grant", e.key("TOKEN_URL"), e.key("USERNAME"))
			}
		default:
			return fmt.Errorf("%s must be authorization_code, client_credentials or password, got %q", e.key("GRANT_TYPE"), c.GrantType)
		}
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%s must not be negative", e.key("TIMEOUT"))
	}
	return nil
}

// Credentials returns the stored OAuth2 credentials.
func (c *Config) Credentials() core.Credentials {
	return core.Credentials{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
	}
}

// Save writes the tokens in creds to the .env file at path, keeping every
// other entry. Empty tokens remove their entries. The file is created when
// it does not exist.
func Save(path, prefix string, creds core.Credentials) error {
	values, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		values = map[string]string{}
	}

	e := env(prefix)
	set := func(name, v string) {
		if v == "" {
			delete(values, e.key(name))
			return
		}
		values[e.key(name)] = v
	}
	set("ACCESS_TOKEN", creds.AccessToken)
	set("REFRESH_TOKEN", creds.RefreshToken)

	if err := godotenv.Write(values, path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return os.Chmod(path, 0o600)
}

// ParseBackOff parses a comma separated retry schedule. Bare numbers are
// seconds; other entries use time.ParseDuration syntax. "none" yields an
// empty schedule.
func ParseBackOff(s string) ([]time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "none") {
		return []time.Duration{}, nil
	}
	parts := splitList(s)
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := parseDuration(p)
		if err != nil {
			return nil, err
		}
		if d < 0 {
			return nil, fmt.Errorf("negative delay %q", p)
		}
		out = append(out, d)
	}
	return out, nil
}

func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' '
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// env namespaces variable names by prefix.
type env string

func (e env) key(name string) string {
	if e == "" {
		return name
	}
	return strings.ToUpper(string(e)) + "_" + name
}

func (e env) get(name string) string {
	return strings.TrimSpace(os.Getenv(e.key(name)))
}
