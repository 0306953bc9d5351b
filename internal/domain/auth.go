package domain

import (
	"encoding/base64"
	"fmt"
	"net/http"
)

// AuthScheme defines how the access token is presented to the remote service.
type AuthScheme int

const (
	// BasicAuth sends the personal access token as the basic-auth password
	// with an empty user name, which is what Azure DevOps expects for PATs.
	BasicAuth AuthScheme = iota
	// BearerAuth sends the token as an OAuth bearer token.
	BearerAuth
)

// String returns the string representation of AuthScheme.
func (a AuthScheme) String() string {
	switch a {
	case BasicAuth:
		return "basic"
	case BearerAuth:
		return "bearer"
	default:
		return "unknown"
	}
}

// ParseAuthScheme converts a string to AuthScheme.
func ParseAuthScheme(s string) (AuthScheme, error) {
	switch s {
	case "basic", "":
		return BasicAuth, nil
	case "bearer":
		return BearerAuth, nil
	default:
		return BasicAuth, fmt.Errorf("invalid remote auth_scheme '%s': must be 'basic' or 'bearer'", s)
	}
}

// NewAuthenticatedClient returns an HTTP client that attaches the context's
// credential to every request. The client shares the default pooled
// transport and is safe for concurrent use.
func NewAuthenticatedClient(conn ConnectionContext, scheme AuthScheme) *http.Client {
	return &http.Client{
		Transport: &authenticatedTransport{
			base:   http.DefaultTransport,
			scheme: scheme,
			token:  conn.AccessToken(),
		},
	}
}

// authenticatedTransport is an http.RoundTripper that adds authentication headers.
type authenticatedTransport struct {
	base   http.RoundTripper
	scheme AuthScheme
	token  string
}

// RoundTrip implements http.RoundTripper by adding authentication headers to requests.
func (t *authenticatedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original
	clonedReq := req.Clone(req.Context())

	switch t.scheme {
	case BasicAuth:
		encoded := base64.StdEncoding.EncodeToString([]byte(":" + t.token))
		clonedReq.Header.Set("Authorization", "Basic "+encoded)
	case BearerAuth:
		clonedReq.Header.Set("Authorization", "Bearer "+t.token)
	}

	return t.base.RoundTrip(clonedReq)
}
