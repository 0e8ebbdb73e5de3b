// Package crm talks to the Salesforce REST API: it updates envelope
// document records and looks them up by signing token.
package crm

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const (
	grantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	assertionTTL       = 5 * time.Minute
	sessionTTL         = 30 * time.Minute
	defaultAPIVersion  = "v59.0"
	defaultObject      = "Envelope_Document__c"
	defaultTokenField  = "Signing_Token__c"
	maxErrorBody       = 2 << 10
)

// ErrUnauthorized is returned when the CRM rejects the session.
var ErrUnauthorized = errors.New("crm: unauthorized")

// Config configures the Salesforce client.
type Config struct {
	ClientID       string
	Username       string
	LoginURL       string
	PrivateKeyPath string
	PrivateKeyPEM  []byte
	APIVersion     string
	// Object is the sObject holding envelope documents.
	Object string
	// TokenField is the field that stores the plaintext signing token.
	TokenField string
	HTTPClient *http.Client
}

type session struct {
	AccessToken string `json:"access_token"`
	InstanceURL string `json:"instance_url"`
	obtained    time.Time
}

// Client is safe for concurrent use. Sessions are cached and refreshed
// through a single in-flight authentication.
type Client struct {
	cfg   Config
	key   *rsa.PrivateKey
	http  *http.Client
	now   func() time.Time
	group singleflight.Group

	mu      sync.Mutex
	session *session
}

// New parses the signing key and returns a client.
func New(cfg Config) (*Client, error) {
	if cfg.ClientID == "" || cfg.Username == "" || cfg.LoginURL == "" {
		return nil, errors.New("crm: client id, username and login url are required")
	}

	pemBytes := cfg.PrivateKeyPEM
	if len(pemBytes) == 0 {
		if cfg.PrivateKeyPath == "" {
			return nil, errors.New("crm: private key is required")
		}
		b, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("crm: read private key: %w", err)
		}
		pemBytes = b
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("crm: parse private key: %w", err)
	}

	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.Object == "" {
		cfg.Object = defaultObject
	}
	if cfg.TokenField == "" {
		cfg.TokenField = defaultTokenField
	}
	cfg.LoginURL = strings.TrimRight(cfg.LoginURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	return &Client{cfg: cfg, key: key, http: httpClient, now: time.Now}, nil
}

// EnvelopeUpdate is the set of fields pushed after a lifecycle change. Zero
// values are omitted from the update.
type EnvelopeUpdate struct {
	StoragePath string
	Status      string
	SignedAt    *time.Time
	ExpiresAt   *time.Time
}

// Fields renders the update as Salesforce field names.
func (u EnvelopeUpdate) Fields() map[string]any {
	fields := make(map[string]any, 4)
	if u.StoragePath != "" {
		fields["Dropbox_Path__c"] = u.StoragePath
	}
	if u.Status != "" {
		fields["Status__c"] = u.Status
	}
	if u.SignedAt != nil {
		fields["Signed_Date__c"] = u.SignedAt.UTC().Format(time.RFC3339)
	}
	if u.ExpiresAt != nil {
		fields["Expiration_Date__c"] = u.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return fields
}

// UpdateEnvelope patches the envelope document record.
func (c *Client) UpdateEnvelope(ctx context.Context, recordID string, upd EnvelopeUpdate) error {
	if recordID == "" {
		return errors.New("crm: empty record id")
	}
	body, err := json.Marshal(upd.Fields())
	if err != nil {
		return fmt.Errorf("crm: encode update: %w", err)
	}

	path := fmt.Sprintf("/services/data/%s/sobjects/%s/%s", c.cfg.APIVersion, c.cfg.Object, url.PathEscape(recordID))
	resp, err := c.do(ctx, http.MethodPatch, path, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("crm: update %s: %w", recordID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("crm: update %s: %s", recordID, describe(resp))
	}
	return nil
}

// FindEnvelopeIDByToken returns the id of the envelope document carrying
// token, or "" when there is none yet.
func (c *Client) FindEnvelopeIDByToken(ctx context.Context, token string) (string, error) {
	soql := fmt.Sprintf("SELECT Id FROM %s WHERE %s = '%s' LIMIT 1", c.cfg.Object, c.cfg.TokenField, escapeSOQL(token))
	path := fmt.Sprintf("/services/data/%s/query?q=%s", c.cfg.APIVersion, url.QueryEscape(soql))

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", fmt.Errorf("crm: query by token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("crm: query by token: %s", describe(resp))
	}

	var result struct {
		Records []struct {
			ID string `json:"Id"`
		} `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("crm: decode query result: %w", err)
	}
	if len(result.Records) == 0 {
		return "", nil
	}
	return result.Records[0].ID, nil
}

// do sends an authenticated request. A 401 drops the cached session so the
// next call re-authenticates.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	s, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(s.InstanceURL, "/")+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		c.invalidate(s)
		return nil, ErrUnauthorized
	}
	return resp, nil
}

func (c *Client) token(ctx context.Context) (*session, error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s != nil && c.now().Sub(s.obtained) < sessionTTL {
		return s, nil
	}

	v, err, _ := c.group.Do("session", func() (any, error) {
		s, err := c.authenticate(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.session = s
		c.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*session), nil
}

func (c *Client) invalidate(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == s {
		c.session = nil
	}
}

// authenticate runs the OAuth 2.0 JWT bearer flow.
func (c *Client) authenticate(ctx context.Context) (*session, error) {
	now := c.now()
	claims := jwt.MapClaims{
		"iss": c.cfg.ClientID,
		"sub": c.cfg.Username,
		"aud": c.cfg.LoginURL,
		"exp": now.Add(assertionTTL).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.key)
	if err != nil {
		return nil, fmt.Errorf("crm: sign assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {grantTypeJWTBearer},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.LoginURL+"/services/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("crm: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crm: token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("crm: token request: %s", describe(resp))
	}

	var s session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("crm: decode token response: %w", err)
	}
	if s.AccessToken == "" || s.InstanceURL == "" {
		return nil, errors.New("crm: token response missing access_token or instance_url")
	}
	s.obtained = now
	return &s, nil
}

func describe(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
}

// escapeSOQL escapes a value for use inside a single-quoted SOQL literal.
func escapeSOQL(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
