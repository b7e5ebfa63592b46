package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/famedly/uia-proxy/internal/apierror"
	"github.com/famedly/uia-proxy/internal/session"
)

// crmKeys is the (jwt-key, jwt-algorithm) pair fetched from the CRM base
// URL (spec.md §4.5.5).
type crmKeys struct {
	Key       string `json:"jwt-key"`
	Algorithm string `json:"jwt-algorithm"`
}

// crmClaims is the set of JWT claims the crm stage cares about.
type crmClaims struct {
	Subject       string `json:"sub"`
	Name          string `json:"name"`
	PharmacyID    string `json:"pharmacy_id"`
	PharmacyAdmin bool   `json:"pharmacy_admin"`
	jwt.RegisteredClaims
}

// CRMStage implements com.famedly.login.crm (spec.md §4.5.5): it verifies
// a JWT issued by a pharmacy CRM system against keys fetched from a
// configured base URL, refetching once on a verification failure before
// giving up.
type CRMStage struct {
	BaseURL    string
	PharmacyID string
	HTTPClient *http.Client

	mu   sync.Mutex
	keys *crmKeys
}

func (c *CRMStage) Type() string              { return "com.famedly.login.crm" }
func (c *CRMStage) IsActive(session.Data) bool { return true }
func (c *CRMStage) GetParams(session.Data) any { return nil }

func (c *CRMStage) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *CRMStage) Auth(ctx context.Context, payload map[string]any, _ any) AuthResponse {
	rawToken, _ := payload["token"].(string)
	if rawToken == "" {
		return AuthResponse{Success: false, Err: apierror.BadJSON("missing token")}
	}

	keys, err := c.cachedKeys(ctx)
	if err != nil {
		return AuthResponse{Success: false, Err: apierror.Unknown(500, "failed to fetch CRM keys")}
	}

	claims, err := c.verify(rawToken, keys)
	if err != nil {
		// Refetch once and retry, in case the CRM rotated its key.
		keys, ferr := c.fetchKeys(ctx)
		if ferr != nil {
			return AuthResponse{Success: false, Err: apierror.Unauthorized("token verification failed")}
		}
		c.storeKeys(keys)
		claims, err = c.verify(rawToken, keys)
		if err != nil {
			return AuthResponse{Success: false, Err: apierror.Unauthorized("token verification failed")}
		}
	}

	if claims.PharmacyID != c.PharmacyID {
		return AuthResponse{Success: false, Err: apierror.Unauthorized("pharmacy_id does not match")}
	}

	admin := claims.PharmacyAdmin
	return AuthResponse{
		Success: true,
		Data: session.Data{
			Username:    claims.Subject,
			Displayname: claims.Name,
			Admin:       &admin,
		},
	}
}

func (c *CRMStage) verify(rawToken string, keys *crmKeys) (*crmClaims, error) {
	claims := &crmClaims{}
	_, err := jwt.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != keys.Algorithm {
			return nil, fmt.Errorf("crm: unexpected signing algorithm %s", t.Method.Alg())
		}
		return []byte(keys.Key), nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (c *CRMStage) cachedKeys(ctx context.Context) (*crmKeys, error) {
	c.mu.Lock()
	keys := c.keys
	c.mu.Unlock()
	if keys != nil {
		return keys, nil
	}
	keys, err := c.fetchKeys(ctx)
	if err != nil {
		return nil, err
	}
	c.storeKeys(keys)
	return keys, nil
}

func (c *CRMStage) storeKeys(keys *crmKeys) {
	c.mu.Lock()
	c.keys = keys
	c.mu.Unlock()
}

func (c *CRMStage) fetchKeys(ctx context.Context) (*crmKeys, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.BaseURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("crm: key endpoint returned %d", resp.StatusCode)
	}

	var keys crmKeys
	if err := json.NewDecoder(resp.Body).Decode(&keys); err != nil {
		return nil, err
	}
	return &keys, nil
}
