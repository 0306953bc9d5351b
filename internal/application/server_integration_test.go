package application

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"azure-devops-mcp-server/internal/domain"
	"azure-devops-mcp-server/internal/infrastructure"
	"azure-devops-mcp-server/internal/infrastructure/adotest"
)

// newIntegrationServer wires the full stack against a fake organization.
func newIntegrationServer(t *testing.T) (*Server, *adotest.Server) {
	t.Helper()
	fake := adotest.NewServer("Fabrikam")
	t.Cleanup(fake.Close)

	cfg := testConfig()
	factory := func(conn domain.ConnectionContext) (domain.WorkItemClient, error) {
		httpClient := domain.NewAuthenticatedClient(conn, domain.BasicAuth)
		return infrastructure.NewAzureDevOpsClient(conn, httpClient, infrastructure.ClientOptions{
			Timeout: 5 * time.Second,
		}), nil
	}
	d := NewDispatcher(domain.StaticContextProvider{Conn: fake.Connection()}, factory, cfg, discardLogger())
	return NewServer(d, cfg, discardLogger(), "test"), fake
}

func payloadOf(t *testing.T, result domain.ToolResult) map[string]interface{} {
	t.Helper()
	if result.IsError() {
		t.Fatalf("unexpected failure: %+v", result.Error)
	}
	return result.Payload.(map[string]interface{})
}

func TestServerIntegration_CreateThenUpdate(t *testing.T) {
	s, fake := newIntegrationServer(t)

	created, _ := callTool(t, s, ToolCreate, map[string]interface{}{
		"type":        "Task",
		"title":       "T1",
		"description": "first line\nsecond line",
		"fields":      map[string]interface{}{"tags": "backend", "priority": 2},
	})
	createdPayload := payloadOf(t, created)
	id := int(createdPayload["id"].(float64))
	if id <= 0 {
		t.Fatalf("expected a server-assigned id, got %d", id)
	}
	if createdPayload["state"] != "To Do" {
		t.Errorf("expected initial state To Do, got %v", createdPayload["state"])
	}

	updated, _ := callTool(t, s, ToolUpdate, map[string]interface{}{"id": id, "title": "T2"})
	updatedPayload := payloadOf(t, updated)
	if updatedPayload["title"] != "T2" {
		t.Errorf("expected title T2, got %v", updatedPayload["title"])
	}

	item, ok := fake.Item(id)
	if !ok {
		t.Fatalf("work item %d missing from fake", id)
	}
	if item.StringField(domain.FieldTags) != "backend" {
		t.Errorf("expected tags untouched, got %q", item.StringField(domain.FieldTags))
	}
	if item.StringField(domain.FieldDescription) != "<div>first line<br>second line</div>" {
		t.Errorf("expected description untouched, got %q", item.StringField(domain.FieldDescription))
	}
	if item.Rev != 2 {
		t.Errorf("expected rev 2 after one update, got %d", item.Rev)
	}
}

func TestServerIntegration_CreateNeverSendsID(t *testing.T) {
	s, fake := newIntegrationServer(t)

	result, _ := callTool(t, s, ToolCreate, map[string]interface{}{
		"type":   "Bug",
		"id":     4242,
		"title":  "crash",
		"fields": map[string]interface{}{"System.Id": 4242},
	})
	payload := payloadOf(t, result)
	if int(payload["id"].(float64)) == 4242 {
		t.Error("expected the caller id to be ignored")
	}
	if len(result.Warnings) != 1 {
		t.Errorf("expected an id warning, got %v", result.Warnings)
	}

	for _, req := range fake.Requests() {
		if req.Method == http.MethodPost && strings.Contains(req.Path, "workitems/$") {
			if strings.Contains(string(req.Body), domain.FieldID) {
				t.Errorf("create body carried %s: %s", domain.FieldID, req.Body)
			}
			if req.ContentType != "application/json-patch+json" {
				t.Errorf("expected json-patch content type, got %q", req.ContentType)
			}
		}
	}
}

func TestServerIntegration_StateChange(t *testing.T) {
	s, fake := newIntegrationServer(t)
	id := fake.Seed("Bug", "login fails", "Active", nil)

	rejected, _ := callTool(t, s, ToolUpdate, map[string]interface{}{"id": id, "state": "Done", "reason": "Fixed"})
	if rejected.Kind() != domain.KindRemoteValidation {
		t.Fatalf("expected RemoteValidationError for an invalid state, got %s", rejected.Kind())
	}
	if !strings.Contains(rejected.Error.Message, "Done") {
		t.Errorf("expected remote message to name the state, got %q", rejected.Error.Message)
	}

	accepted, _ := callTool(t, s, ToolUpdate, map[string]interface{}{"id": id, "state": "Resolved", "reason": "Fixed"})
	if payloadOf(t, accepted)["state"] != "Resolved" {
		t.Errorf("expected state Resolved, got %v", accepted.Payload)
	}
}

func TestServerIntegration_UpdateMissingItem(t *testing.T) {
	s, _ := newIntegrationServer(t)

	result, isError := callTool(t, s, ToolUpdate, map[string]interface{}{"id": 999, "title": "x"})
	if !isError || result.Kind() != domain.KindNotFound {
		t.Fatalf("expected NotFound, got %s", result.Kind())
	}
	if !strings.Contains(result.Error.Message, "999") {
		t.Errorf("expected message naming the id, got %q", result.Error.Message)
	}
}

func TestServerIntegration_GetStates(t *testing.T) {
	s, fake := newIntegrationServer(t)

	first, _ := callTool(t, s, ToolGetStates, map[string]interface{}{"type": "Bug"})
	second, _ := callTool(t, s, ToolGetStates, map[string]interface{}{"type": "Bug"})

	a, _ := json.Marshal(payloadOf(t, first))
	b, _ := json.Marshal(payloadOf(t, second))
	if string(a) != string(b) {
		t.Errorf("expected identical results, got %s and %s", a, b)
	}

	states := payloadOf(t, first)["states"].([]interface{})
	var names []string
	for _, state := range states {
		names = append(names, state.(string))
	}
	if got := strings.Join(names, ","); got != "New,Active,Resolved,Closed" {
		t.Errorf("expected workflow order, got %s", got)
	}

	missing, _ := callTool(t, s, ToolGetStates, map[string]interface{}{"type": "Epic"})
	if missing.Kind() != domain.KindNotFound {
		t.Errorf("expected NotFound for unknown type, got %s", missing.Kind())
	}
	if len(fake.Requests()) != 3 {
		t.Errorf("expected one request per call, got %d", len(fake.Requests()))
	}
}

func TestServerIntegration_SearchPaging(t *testing.T) {
	s, fake := newIntegrationServer(t)
	for i := 0; i < 5; i++ {
		fake.Seed("Bug", "checkout error", "Active", nil)
	}
	fake.Seed("Bug", "unrelated", "Active", nil)
	fake.Seed("Task", "checkout error", "Doing", nil)

	seen := map[int]bool{}
	args := map[string]interface{}{
		"query_text":  "Checkout",
		"filters":     map[string]interface{}{"type": "Bug"},
		"max_results": 2,
	}
	pages := 0
	for {
		result, _ := callTool(t, s, ToolSearch, args)
		payload := payloadOf(t, result)
		pages++
		for _, raw := range payload["items"].([]interface{}) {
			item := raw.(map[string]interface{})
			id := int(item["id"].(float64))
			if seen[id] {
				t.Errorf("item %d returned twice", id)
			}
			seen[id] = true
			if item["type"] != "Bug" {
				t.Errorf("expected only bugs, got %v", item["type"])
			}
		}
		token, _ := payload["continuation_token"].(string)
		if token == "" {
			break
		}
		args["continuation_token"] = token
		if pages > 5 {
			t.Fatal("paging did not terminate")
		}
	}

	if len(seen) != 5 {
		t.Errorf("expected 5 matching bugs, got %d", len(seen))
	}
	if pages != 3 {
		t.Errorf("expected 3 pages, got %d", pages)
	}
}

func TestServerIntegration_SearchTokenOutsideWindow(t *testing.T) {
	s, fake := newIntegrationServer(t)
	fake.Seed("Bug", "checkout error", "Active", nil)

	for _, offset := range []int{math.MaxInt - 5, 20000} {
		result, isError := callTool(t, s, ToolSearch, map[string]interface{}{
			"query_text":         "checkout",
			"continuation_token": domain.EncodeContinuationToken(offset),
		})
		if !isError || result.Kind() != domain.KindValidation {
			t.Errorf("offset %d: expected ValidationError, got %+v", offset, result)
		}
	}
	if n := len(fake.Requests()); n != 0 {
		t.Errorf("expected no remote requests, got %d", n)
	}
}

func TestServerIntegration_TransientFaultRetried(t *testing.T) {
	s, fake := newIntegrationServer(t)
	fake.FailNext(http.StatusServiceUnavailable, "Service Unavailable")

	result, _ := callTool(t, s, ToolGetStates, map[string]interface{}{"type": "Task"})
	if result.IsError() {
		t.Fatalf("expected success after retry, got %+v", result.Error)
	}
	if len(fake.Requests()) != 2 {
		t.Errorf("expected 2 requests, got %d", len(fake.Requests()))
	}
}

func TestServerIntegration_RejectedToken(t *testing.T) {
	s, fake := newIntegrationServer(t)
	fake.FailNext(http.StatusNonAuthoritativeInfo, "")

	result, _ := callTool(t, s, ToolSearch, map[string]interface{}{"query_text": "x"})
	if result.Kind() != domain.KindAuth {
		t.Fatalf("expected AuthError, got %s", result.Kind())
	}
	if result.Error.Retryable {
		t.Error("expected auth errors to be non-retryable")
	}
}

func TestServerIntegration_StatesResource(t *testing.T) {
	s, _ := newIntegrationServer(t)

	resp := rpc(t, s, `{"jsonrpc":"2.0","id":9,"method":"resources/read","params":{"uri":"`+StatesResourceURI+`"}}`)
	result, ok := resp["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected result, got %v", resp)
	}
	contents := result["contents"].([]interface{})
	if len(contents) != 1 {
		t.Fatalf("expected one content entry, got %d", len(contents))
	}
	entry := contents[0].(map[string]interface{})
	if entry["mimeType"] != "application/json" {
		t.Errorf("expected JSON mime type, got %v", entry["mimeType"])
	}

	var catalog StatesCatalog
	if err := json.Unmarshal([]byte(entry["text"].(string)), &catalog); err != nil {
		t.Fatalf("resource text is not a catalog: %v", err)
	}
	if catalog.Project != "Fabrikam" || len(catalog.Types) != 2 {
		t.Fatalf("unexpected catalog %+v", catalog)
	}
	if catalog.Types[0].Type != "Task" || catalog.Types[1].Type != "Bug" {
		t.Errorf("expected types in remote order, got %s, %s", catalog.Types[0].Type, catalog.Types[1].Type)
	}
}

func TestServerIntegration_ConcurrentRequests(t *testing.T) {
	s, fake := newIntegrationServer(t)
	id := fake.Seed("Task", "shared", "To Do", nil)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var resp callOutcome
			switch i % 3 {
			case 0:
				resp = handle(s, ToolSearch, map[string]interface{}{"query_text": "shared"})
			case 1:
				resp = handle(s, ToolUpdate, map[string]interface{}{"id": id, "fields": map[string]interface{}{"tags": "t"}})
			default:
				resp = handle(s, ToolGetStates, map[string]interface{}{"type": "Task"})
			}
			if resp.err != "" {
				errs <- resp.err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

type callOutcome struct {
	err string
}

// handle runs one tools/call without touching *testing.T, so it is safe
// from worker goroutines.
func handle(s *Server, tool string, args map[string]interface{}) callOutcome {
	params, _ := json.Marshal(map[string]interface{}{"name": tool, "arguments": args})
	resp := s.MCPServer().HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":`+string(params)+`}`))
	raw, err := json.Marshal(resp)
	if err != nil {
		return callOutcome{err: err.Error()}
	}
	if strings.Contains(string(raw), `"isError":true`) || strings.Contains(string(raw), `"error":{`) {
		return callOutcome{err: tool + " failed: " + string(raw)}
	}
	return callOutcome{}
}
