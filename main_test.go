package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"azure-devops-mcp-server/internal/domain"
	"azure-devops-mcp-server/internal/infrastructure/adotest"
)

// setConnectionEnv points the process environment at the fake organization.
func setConnectionEnv(t *testing.T, fake *adotest.Server) {
	t.Helper()
	t.Setenv("ADO_ORGANIZATION_URL", fake.URL)
	t.Setenv("ADO_PROJECT_NAME", fake.Project)
	t.Setenv("ADO_PERSONAL_ACCESS_TOKEN", adotest.Token)
	t.Setenv("AZURE_DEVOPS_ORG_URL", "")
	t.Setenv("AZURE_DEVOPS_PROJECT", "")
	t.Setenv("AZURE_DEVOPS_PAT", "")
}

type cliResult struct {
	code   int
	stdout string
	stderr string
}

func runCLI(t *testing.T, args ...string) cliResult {
	t.Helper()
	var stdout, stderr bytes.Buffer
	envFile := filepath.Join(t.TempDir(), "missing.env")
	args = append([]string{"--env-file", envFile}, args...)
	code := run(context.Background(), args, strings.NewReader(""), &stdout, &stderr)
	return cliResult{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func decodeResult(t *testing.T, out string) domain.ToolResult {
	t.Helper()
	var result struct {
		Status  domain.ResultStatus    `json:"status"`
		Payload map[string]interface{} `json:"payload"`
		Error   *domain.ToolError      `json:"error"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("failed to decode output %q: %v", out, err)
	}
	return domain.ToolResult{Status: result.Status, Payload: result.Payload, Error: result.Error}
}

func TestCallCreateThenUpdate(t *testing.T) {
	fake := adotest.NewServer("Fabrikam")
	defer fake.Close()
	setConnectionEnv(t, fake)

	res := runCLI(t, "call", "create", "--args", `{"type":"Task","title":"T1","fields":{"tags":"cli"}}`)
	if res.code != 0 {
		t.Fatalf("expected exit 0, got %d (stdout=%s stderr=%s)", res.code, res.stdout, res.stderr)
	}
	created := decodeResult(t, res.stdout)
	payload := created.Payload.(map[string]interface{})
	id, ok := payload["id"].(float64)
	if !ok || id <= 0 {
		t.Fatalf("expected positive id, got %v", payload["id"])
	}

	res = runCLI(t, "call", "update", "--args", `{"id":`+jsonNumber(id)+`,"title":"T2"}`)
	if res.code != 0 {
		t.Fatalf("expected exit 0, got %d (stdout=%s)", res.code, res.stdout)
	}
	updated := decodeResult(t, res.stdout)
	if title := updated.Payload.(map[string]interface{})["title"]; title != "T2" {
		t.Errorf("expected title T2, got %v", title)
	}

	item, _ := fake.Item(int(id))
	if item.StringField(domain.FieldTags) != "cli" {
		t.Errorf("expected tags preserved, got %q", item.StringField(domain.FieldTags))
	}
}

func TestCallUnknownTool(t *testing.T) {
	fake := adotest.NewServer("Fabrikam")
	defer fake.Close()
	setConnectionEnv(t, fake)

	res := runCLI(t, "call", "delete", "--args", `{"id":1}`)
	if res.code != 1 {
		t.Fatalf("expected exit 1, got %d", res.code)
	}
	result := decodeResult(t, res.stdout)
	if result.Kind() != domain.KindUnknownTool {
		t.Errorf("expected UnknownTool, got %s", result.Kind())
	}
	if len(fake.Requests()) != 0 {
		t.Errorf("expected no remote requests, got %d", len(fake.Requests()))
	}
}

func TestCallMissingToken(t *testing.T) {
	fake := adotest.NewServer("Fabrikam")
	defer fake.Close()
	setConnectionEnv(t, fake)
	t.Setenv("ADO_PERSONAL_ACCESS_TOKEN", "")

	for _, tool := range []string{"search", "create", "update", "get_states", "delete"} {
		res := runCLI(t, "call", tool, "--args", `{"type":"Bug","query_text":"x","id":1,"title":"t"}`)
		if res.code != 1 {
			t.Errorf("%s: expected exit 1, got %d", tool, res.code)
			continue
		}
		r := decodeResult(t, res.stdout)
		if kind := r.Kind(); kind != domain.KindConfiguration {
			t.Errorf("%s: expected ConfigurationError, got %s", tool, kind)
		}
	}
	if len(fake.Requests()) != 0 {
		t.Errorf("expected no network access, got %d requests", len(fake.Requests()))
	}
}

func TestCallInvalidArgsJSON(t *testing.T) {
	res := runCLI(t, "call", "search", "--args", `{not json`)
	if res.code != 1 {
		t.Fatalf("expected exit 1, got %d", res.code)
	}
	if !strings.Contains(res.stderr, "invalid --args") {
		t.Errorf("expected --args error on stderr, got %q", res.stderr)
	}
}

func TestToolsCommand(t *testing.T) {
	res := runCLI(t, "tools")
	if res.code != 0 {
		t.Fatalf("expected exit 0, got %d (%s)", res.code, res.stderr)
	}
	var tools []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(res.stdout), &tools); err != nil {
		t.Fatalf("failed to decode tools: %v", err)
	}
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	if got := strings.Join(names, ","); got != "search,create,update,get_states" {
		t.Errorf("expected search,create,update,get_states, got %s", got)
	}
}

func TestServeRequiresConfiguration(t *testing.T) {
	t.Setenv("ADO_ORGANIZATION_URL", "")
	t.Setenv("ADO_PROJECT_NAME", "")
	t.Setenv("ADO_PERSONAL_ACCESS_TOKEN", "")
	t.Setenv("AZURE_DEVOPS_ORG_URL", "")
	t.Setenv("AZURE_DEVOPS_PROJECT", "")
	t.Setenv("AZURE_DEVOPS_PAT", "")

	res := runCLI(t, "serve")
	if res.code != 1 {
		t.Fatalf("expected exit 1, got %d", res.code)
	}
	if !strings.Contains(res.stderr, "ConfigurationError") {
		t.Errorf("expected ConfigurationError on stderr, got %q", res.stderr)
	}
}

func TestServeStdioEndsWithInput(t *testing.T) {
	fake := adotest.NewServer("Fabrikam")
	defer fake.Close()
	setConnectionEnv(t, fake)

	// Empty stdin: the transport sees EOF and the command exits cleanly.
	res := runCLI(t, "serve")
	if res.code != 0 {
		t.Fatalf("expected exit 0, got %d (%s)", res.code, res.stderr)
	}
}

func TestConfigFileIsApplied(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "search:\n  default_max_results: 5\n  max_results_ceiling: 50\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	res := runCLI(t, "--config", path, "tools")
	if res.code != 0 {
		t.Fatalf("expected exit 0, got %d (%s)", res.code, res.stderr)
	}
	if !strings.Contains(res.stdout, `"maximum": 50`) {
		t.Errorf("expected max_results capped at 50 in schema, got %s", res.stdout)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("transport:\n  type: carrier-pigeon\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if res := runCLI(t, "--config", bad, "tools"); res.code != 1 {
		t.Errorf("expected exit 1 for invalid config, got %d", res.code)
	}
}

func jsonNumber(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}
