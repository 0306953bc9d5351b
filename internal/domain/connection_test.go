package domain

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewConnectionContext(t *testing.T) {
	tests := []struct {
		name    string
		org     string
		project string
		token   string
		wantErr string
	}{
		{"valid", "https://dev.azure.com/fabrikam/", " Fabrikam ", "pat", ""},
		{"on-premises http", "http://tfs.local:8080/tfs/DefaultCollection", "Fabrikam", "pat", ""},
		{"all missing", "", "", "", "organization URL, project name, personal access token"},
		{"token missing", "https://dev.azure.com/fabrikam", "Fabrikam", "  ", "personal access token"},
		{"bad scheme", "ftp://dev.azure.com/fabrikam", "Fabrikam", "pat", "http or https"},
		{"no host", "https:///fabrikam", "Fabrikam", "pat", "must include a host"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := NewConnectionContext(tt.org, tt.project, tt.token)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if strings.HasSuffix(conn.OrganizationURL(), "/") {
					t.Errorf("OrganizationURL() = %q, want no trailing slash", conn.OrganizationURL())
				}
				if conn.ProjectName() != "Fabrikam" {
					t.Errorf("ProjectName() = %q, want Fabrikam", conn.ProjectName())
				}
				return
			}
			var toolErr *ToolError
			if !errors.As(err, &toolErr) || toolErr.Kind != KindConfiguration {
				t.Fatalf("error = %v, want ConfigurationError", err)
			}
			if !strings.Contains(toolErr.Message, tt.wantErr) {
				t.Errorf("Message = %q, want it to contain %q", toolErr.Message, tt.wantErr)
			}
		})
	}
}

func TestConnectionContext_StringOmitsToken(t *testing.T) {
	conn, err := NewConnectionContext("https://dev.azure.com/fabrikam", "Fabrikam", "super-secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(conn.String(), "super-secret") {
		t.Errorf("String() = %q leaks the token", conn.String())
	}
	if conn.AccessToken() != "super-secret" {
		t.Errorf("AccessToken() = %q", conn.AccessToken())
	}
}

func TestCredentialProvider_FromMap(t *testing.T) {
	t.Run("primary names", func(t *testing.T) {
		p := NewCredentialProviderFromMap(map[string]string{
			"ADO_ORGANIZATION_URL":      "https://dev.azure.com/fabrikam",
			"ADO_PROJECT_NAME":          "Fabrikam",
			"ADO_PERSONAL_ACCESS_TOKEN": "pat",
		})
		conn, err := p.Context()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if conn.ProjectName() != "Fabrikam" {
			t.Errorf("ProjectName() = %q", conn.ProjectName())
		}
	})

	t.Run("fallback names", func(t *testing.T) {
		p := NewCredentialProviderFromMap(map[string]string{
			"AZURE_DEVOPS_ORG_URL": "https://dev.azure.com/contoso",
			"AZURE_DEVOPS_PROJECT": "Contoso",
			"AZURE_DEVOPS_PAT":     "pat",
		})
		conn, err := p.Context()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if conn.OrganizationURL() != "https://dev.azure.com/contoso" {
			t.Errorf("OrganizationURL() = %q", conn.OrganizationURL())
		}
	})

	t.Run("primary wins", func(t *testing.T) {
		p := NewCredentialProviderFromMap(map[string]string{
			"ADO_PROJECT_NAME":          "Primary",
			"AZURE_DEVOPS_PROJECT":      "Fallback",
			"ADO_ORGANIZATION_URL":      "https://dev.azure.com/fabrikam",
			"ADO_PERSONAL_ACCESS_TOKEN": "pat",
		})
		conn, err := p.Context()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if conn.ProjectName() != "Primary" {
			t.Errorf("ProjectName() = %q, want Primary", conn.ProjectName())
		}
	})

	t.Run("missing values are memoized", func(t *testing.T) {
		env := map[string]string{"ADO_ORGANIZATION_URL": "https://dev.azure.com/fabrikam"}
		p := NewCredentialProviderFromMap(env)
		_, first := p.Context()
		if first == nil {
			t.Fatal("expected ConfigurationError")
		}

		// Later changes are not observed: the first outcome sticks.
		env["ADO_PROJECT_NAME"] = "Fabrikam"
		env["ADO_PERSONAL_ACCESS_TOKEN"] = "pat"
		_, second := p.Context()
		if second == nil || second.Error() != first.Error() {
			t.Errorf("second error = %v, want %v", second, first)
		}
	})
}

func TestCredentialProvider_EnvFile(t *testing.T) {
	for _, name := range []string{
		"ADO_ORGANIZATION_URL", "ADO_PROJECT_NAME", "ADO_PERSONAL_ACCESS_TOKEN",
		"AZURE_DEVOPS_ORG_URL", "AZURE_DEVOPS_PROJECT", "AZURE_DEVOPS_PAT",
	} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
	t.Setenv("ADO_PROJECT_NAME", "FromProcess")

	path := filepath.Join(t.TempDir(), ".env")
	content := "ADO_ORGANIZATION_URL=https://dev.azure.com/fromfile\n" +
		"ADO_PROJECT_NAME=FromFile\n" +
		"ADO_PERSONAL_ACCESS_TOKEN=file-pat\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write env file: %v", err)
	}
	// godotenv sets these directly; make sure they are cleared afterwards.
	t.Cleanup(func() {
		os.Unsetenv("ADO_ORGANIZATION_URL")
		os.Unsetenv("ADO_PERSONAL_ACCESS_TOKEN")
	})

	conn, err := NewCredentialProvider(path).Context()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conn.OrganizationURL() != "https://dev.azure.com/fromfile" {
		t.Errorf("OrganizationURL() = %q, want value from file", conn.OrganizationURL())
	}
	if conn.ProjectName() != "FromProcess" {
		t.Errorf("ProjectName() = %q, want process value to win", conn.ProjectName())
	}
}

func TestCredentialProvider_MissingEnvFileIsIgnored(t *testing.T) {
	t.Setenv("ADO_ORGANIZATION_URL", "https://dev.azure.com/fabrikam")
	t.Setenv("ADO_PROJECT_NAME", "Fabrikam")
	t.Setenv("ADO_PERSONAL_ACCESS_TOKEN", "pat")

	_, err := NewCredentialProvider(filepath.Join(t.TempDir(), "absent.env")).Context()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
