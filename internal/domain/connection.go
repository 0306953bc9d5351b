package domain

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ConnectionContext holds the resolved endpoint and credential for the
// remote service. Its fields are unexported so a constructed value cannot
// be mutated; copies share nothing mutable.
type ConnectionContext struct {
	organizationURL string
	projectName     string
	accessToken     string
}

// NewConnectionContext validates and builds a ConnectionContext.
// All three values must be non-empty and the organization URL must be an
// absolute http(s) URL.
func NewConnectionContext(organizationURL, projectName, accessToken string) (ConnectionContext, error) {
	organizationURL = strings.TrimRight(strings.TrimSpace(organizationURL), "/")
	projectName = strings.TrimSpace(projectName)
	accessToken = strings.TrimSpace(accessToken)

	var missing []string
	if organizationURL == "" {
		missing = append(missing, "organization URL")
	}
	if projectName == "" {
		missing = append(missing, "project name")
	}
	if accessToken == "" {
		missing = append(missing, "personal access token")
	}
	if len(missing) > 0 {
		return ConnectionContext{}, NewConfigurationError("missing Azure DevOps configuration: %s", strings.Join(missing, ", "))
	}

	parsedURL, err := url.Parse(organizationURL)
	if err != nil {
		return ConnectionContext{}, NewConfigurationError("organization URL is invalid: %v", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return ConnectionContext{}, NewConfigurationError("organization URL must use http or https scheme")
	}
	if parsedURL.Host == "" {
		return ConnectionContext{}, NewConfigurationError("organization URL must include a host")
	}

	return ConnectionContext{
		organizationURL: organizationURL,
		projectName:     projectName,
		accessToken:     accessToken,
	}, nil
}

// OrganizationURL returns the organization endpoint without a trailing slash.
func (c ConnectionContext) OrganizationURL() string { return c.organizationURL }

// ProjectName returns the project the server is scoped to.
func (c ConnectionContext) ProjectName() string { return c.projectName }

// AccessToken returns the credential attached to every remote call.
func (c ConnectionContext) AccessToken() string { return c.accessToken }

// String omits the token.
func (c ConnectionContext) String() string {
	return fmt.Sprintf("%s/%s", c.organizationURL, c.projectName)
}

// ContextProvider resolves the connection context.
type ContextProvider interface {
	Context() (ConnectionContext, error)
}

// credentialEnv lists the process variables that carry the connection
// settings. The AZURE_DEVOPS_* names are accepted as fallbacks.
type credentialEnv struct {
	OrganizationURL string `env:"ADO_ORGANIZATION_URL"`
	ProjectName     string `env:"ADO_PROJECT_NAME"`
	AccessToken     string `env:"ADO_PERSONAL_ACCESS_TOKEN"`

	AltOrganizationURL string `env:"AZURE_DEVOPS_ORG_URL"`
	AltProjectName     string `env:"AZURE_DEVOPS_PROJECT"`
	AltAccessToken     string `env:"AZURE_DEVOPS_PAT"`
}

// CredentialProvider reads the connection context from the environment on
// first use and memoizes the outcome, error included, for the process
// lifetime. Configuration errors are not transient, so nothing is retried.
type CredentialProvider struct {
	envFile     string
	environment map[string]string

	once    sync.Once
	conn    ConnectionContext
	connErr error
}

// NewCredentialProvider creates a provider over the process environment.
// If envFile is non-empty and exists it is loaded first; variables already
// set in the environment take precedence over the file.
func NewCredentialProvider(envFile string) *CredentialProvider {
	return &CredentialProvider{envFile: envFile}
}

// NewCredentialProviderFromMap creates a provider over a fixed variable set
// instead of the process environment.
func NewCredentialProviderFromMap(environment map[string]string) *CredentialProvider {
	if environment == nil {
		environment = map[string]string{}
	}
	return &CredentialProvider{environment: environment}
}

// Context returns the memoized connection context.
func (p *CredentialProvider) Context() (ConnectionContext, error) {
	p.once.Do(func() {
		p.conn, p.connErr = p.load()
	})
	return p.conn, p.connErr
}

func (p *CredentialProvider) load() (ConnectionContext, error) {
	if p.environment == nil && p.envFile != "" {
		if err := godotenv.Load(p.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return ConnectionContext{}, NewConfigurationError("failed to load %s: %v", p.envFile, err).WithCause(err)
		}
	}

	var vars credentialEnv
	opts := env.Options{Environment: p.environment}
	if err := env.ParseWithOptions(&vars, opts); err != nil {
		return ConnectionContext{}, NewConfigurationError("failed to read environment: %v", err).WithCause(err)
	}

	return NewConnectionContext(
		firstNonEmpty(vars.OrganizationURL, vars.AltOrganizationURL),
		firstNonEmpty(vars.ProjectName, vars.AltProjectName),
		firstNonEmpty(vars.AccessToken, vars.AltAccessToken),
	)
}

// StaticContextProvider serves an already-built context.
type StaticContextProvider struct {
	Conn ConnectionContext
}

// Context implements ContextProvider.
func (p StaticContextProvider) Context() (ConnectionContext, error) {
	return p.Conn, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
