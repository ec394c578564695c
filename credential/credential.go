// Package credential implements the single-credential store and the
// multi-account rotation pool.
package credential

// Type discriminates a Credential's variant.
type Type string

const (
	TypeOAuth Type = "oauth"
	TypeAPI   Type = "api"
)

// Credential is a tagged variant: OAuth (access/refresh/expiry/account
// id/extra provider data) or API key (opaque token, never expires).
type Credential struct {
	Type          Type
	AccessToken   string
	RefreshToken  string
	ExpiresAtMs   int64
	AccountID     string
	EnterpriseURL string
	Extra         map[string]string
}

// IsExpired reports whether an OAuth credential's absolute expiry has
// passed. API credentials never expire.
func (c Credential) IsExpired(nowMs int64) bool {
	if c.Type != TypeOAuth {
		return false
	}
	if c.ExpiresAtMs == 0 {
		return false
	}
	return c.ExpiresAtMs <= nowMs
}

// credentialJSON is the on-disk shape, with field names chosen so a
// hand-edited accounts.json / credentials.json stays readable.
type credentialJSON struct {
	Type          string            `json:"type"`
	Access        string            `json:"access,omitempty"`
	Refresh       string            `json:"refresh,omitempty"`
	Expires       int64             `json:"expires,omitempty"`
	Key           string            `json:"key,omitempty"`
	AccountID     string            `json:"accountId,omitempty"`
	EnterpriseURL string            `json:"enterpriseUrl,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

func (c Credential) toJSON() credentialJSON {
	switch c.Type {
	case TypeOAuth:
		return credentialJSON{
			Type: string(TypeOAuth), Access: c.AccessToken, Refresh: c.RefreshToken,
			Expires: c.ExpiresAtMs, AccountID: c.AccountID, EnterpriseURL: c.EnterpriseURL,
			Extra: c.Extra,
		}
	case TypeAPI:
		return credentialJSON{Type: string(TypeAPI), Key: c.AccessToken}
	default:
		return credentialJSON{Type: string(c.Type)}
	}
}

func credentialFromJSON(d credentialJSON) Credential {
	switch Type(d.Type) {
	case TypeAPI:
		return Credential{Type: TypeAPI, AccessToken: d.Key}
	case TypeOAuth:
		return Credential{
			Type: TypeOAuth, AccessToken: d.Access, RefreshToken: d.Refresh,
			ExpiresAtMs: d.Expires, AccountID: d.AccountID, EnterpriseURL: d.EnterpriseURL,
			Extra: d.Extra,
		}
	default:
		if d.Type == "" {
			return Credential{Type: TypeOAuth}
		}
		return Credential{Type: Type(d.Type)}
	}
}
