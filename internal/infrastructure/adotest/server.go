// Package adotest provides an in-memory Azure DevOps work item service for
// tests. It speaks the subset of the REST API used by the infrastructure
// client: WIQL queries, batch reads, JSON Patch create/update and the work
// item type catalog.
package adotest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"azure-devops-mcp-server/internal/domain"
)

// Token is the access token the fake accepts.
const Token = "test-pat"

// Request is one request observed by the fake.
type Request struct {
	Method        string
	Path          string
	Query         map[string][]string
	ContentType   string
	Authorization string
	Body          []byte
}

type failure struct {
	status  int
	message string
}

// Server is a fake Azure DevOps organization hosting a single project.
type Server struct {
	*httptest.Server

	Project string

	mu        sync.Mutex
	nextID    int
	items     map[int]*domain.WorkItem
	typeNames []string
	states    map[string][]domain.WorkItemState
	requests  []Request
	failures  []failure
}

// NewServer starts a fake organization with the Task and Bug types.
func NewServer(project string) *Server {
	s := &Server{
		Project: project,
		nextID:  1,
		items:   make(map[int]*domain.WorkItem),
		states:  make(map[string][]domain.WorkItemState),
	}
	s.AddType("Task",
		domain.WorkItemState{Name: "To Do", Category: "Proposed", Color: "b2b2b2"},
		domain.WorkItemState{Name: "Doing", Category: "InProgress", Color: "007acc"},
		domain.WorkItemState{Name: "Done", Category: "Completed", Color: "339933"},
	)
	s.AddType("Bug",
		domain.WorkItemState{Name: "New", Category: "Proposed", Color: "b2b2b2"},
		domain.WorkItemState{Name: "Active", Category: "InProgress", Color: "007acc"},
		domain.WorkItemState{Name: "Resolved", Category: "Resolved", Color: "ff9d00"},
		domain.WorkItemState{Name: "Closed", Category: "Completed", Color: "339933"},
	)
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Connection returns a connection context pointing at the fake.
func (s *Server) Connection() domain.ConnectionContext {
	conn, err := domain.NewConnectionContext(s.URL, s.Project, Token)
	if err != nil {
		panic(err)
	}
	return conn
}

// AddType registers a work item type with its ordered states.
func (s *Server) AddType(name string, states ...domain.WorkItemState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(name)
	if _, ok := s.states[key]; !ok {
		s.typeNames = append(s.typeNames, name)
	}
	s.states[key] = states
}

// Seed stores a work item directly and returns its id.
func (s *Server) Seed(itemType, title, state string, extra map[string]interface{}) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields := map[string]interface{}{
		domain.FieldWorkItemType: itemType,
		domain.FieldTitle:        title,
		domain.FieldState:        state,
		domain.FieldTeamProject:  s.Project,
	}
	for k, v := range extra {
		fields[k] = v
	}
	return s.store(fields)
}

// Item returns a copy of a stored work item.
func (s *Server) Item(id int) (domain.WorkItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return domain.WorkItem{}, false
	}
	return copyItem(item), true
}

// ItemCount returns the number of stored work items.
func (s *Server) ItemCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// FailNext queues a failure for the next request. Queued failures are
// consumed in order, one per request.
func (s *Server) FailNext(status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{status: status, message: message})
}

// Requests returns the requests observed so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *Server) store(fields map[string]interface{}) int {
	id := s.nextID
	s.nextID++
	fields[domain.FieldID] = id
	s.items[id] = &domain.WorkItem{
		ID:     id,
		Rev:    1,
		Fields: fields,
		URL:    fmt.Sprintf("%s/%s/_apis/wit/workItems/%d", s.URL, s.Project, id),
	}
	return id
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, Request{
		Method:        r.Method,
		Path:          r.URL.Path,
		Query:         r.URL.Query(),
		ContentType:   r.Header.Get("Content-Type"),
		Authorization: r.Header.Get("Authorization"),
		Body:          body,
	})

	if r.Header.Get("Authorization") == "" {
		writeError(w, http.StatusUnauthorized, "TF400813: The user is not authorized to access this resource.")
		return
	}

	if len(s.failures) > 0 {
		f := s.failures[0]
		s.failures = s.failures[1:]
		if f.status == http.StatusNonAuthoritativeInfo {
			w.Header().Set("Content-Type", "text/html")
			w.WriteHeader(f.status)
			w.Write([]byte("<html><body>Sign In</body></html>"))
			return
		}
		writeError(w, f.status, f.message)
		return
	}

	prefix := "/" + s.Project + "/_apis/wit/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		writeError(w, http.StatusNotFound, "TF200016: The following project does not exist.")
		return
	}
	route := strings.TrimPrefix(r.URL.Path, prefix)

	switch {
	case r.Method == http.MethodPost && route == "wiql":
		s.handleWIQL(w, r, body)
	case r.Method == http.MethodPost && route == "workitemsbatch":
		s.handleBatch(w, body)
	case r.Method == http.MethodPost && strings.HasPrefix(route, "workitems/$"):
		s.handleCreate(w, strings.TrimPrefix(route, "workitems/$"), body)
	case r.Method == http.MethodPatch && strings.HasPrefix(route, "workitems/"):
		s.handleUpdate(w, strings.TrimPrefix(route, "workitems/"), body)
	case r.Method == http.MethodGet && route == "workitemtypes":
		s.handleTypes(w)
	case r.Method == http.MethodGet && strings.HasPrefix(route, "workitemtypes/") && strings.HasSuffix(route, "/states"):
		s.handleStates(w, strings.TrimSuffix(strings.TrimPrefix(route, "workitemtypes/"), "/states"))
	default:
		writeError(w, http.StatusNotFound, "route not found: "+r.Method+" "+r.URL.Path)
	}
}

var (
	containsPattern = regexp.MustCompile(`\[System\.Title\] CONTAINS '((?:[^']|'')*)'`)
	equalsPattern   = regexp.MustCompile(`\[([\w.]+)\] = ('(?:[^']|'')*'|[-\w.]+)`)
	inPattern       = regexp.MustCompile(`\[([\w.]+)\] IN \(([^)]*)\)`)
)

func (s *Server) handleWIQL(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Query == "" {
		writeError(w, http.StatusBadRequest, "VS403437: The query is empty or malformed.")
		return
	}

	var matchers []func(*domain.WorkItem) bool
	for _, m := range containsPattern.FindAllStringSubmatch(req.Query, -1) {
		needle := strings.ToLower(unquote(m[1]))
		matchers = append(matchers, func(item *domain.WorkItem) bool {
			return strings.Contains(strings.ToLower(item.StringField(domain.FieldTitle)), needle)
		})
	}
	for _, m := range equalsPattern.FindAllStringSubmatch(req.Query, -1) {
		field, want := m[1], literal(m[2])
		matchers = append(matchers, func(item *domain.WorkItem) bool {
			return strings.EqualFold(item.StringField(field), want)
		})
	}
	for _, m := range inPattern.FindAllStringSubmatch(req.Query, -1) {
		field := m[1]
		var wants []string
		for _, part := range strings.Split(m[2], ", ") {
			wants = append(wants, literal(part))
		}
		matchers = append(matchers, func(item *domain.WorkItem) bool {
			got := item.StringField(field)
			for _, want := range wants {
				if strings.EqualFold(got, want) {
					return true
				}
			}
			return false
		})
	}

	var ids []int
	for id, item := range s.items {
		matched := true
		for _, match := range matchers {
			if !match(item) {
				matched = false
				break
			}
		}
		if matched {
			ids = append(ids, id)
		}
	}
	// Newest first, standing in for ORDER BY ChangedDate DESC.
	sort.Sort(sort.Reverse(sort.IntSlice(ids)))

	if top, err := strconv.Atoi(r.URL.Query().Get("$top")); err == nil && top >= 0 && top < len(ids) {
		ids = ids[:top]
	}

	refs := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, map[string]interface{}{"id": id, "url": s.items[id].URL})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queryType": "flat",
		"workItems": refs,
	})
}

func (s *Server) handleBatch(w http.ResponseWriter, body []byte) {
	var req struct {
		IDs    []int    `json:"ids"`
		Fields []string `json:"fields"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "VS403528: The batch request is malformed.")
		return
	}
	if len(req.IDs) > domain.RemoteBatchLimit {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("VS403474: The maximum number of work items in a batch is %d.", domain.RemoteBatchLimit))
		return
	}

	values := make([]domain.WorkItem, 0, len(req.IDs))
	for _, id := range req.IDs {
		item, ok := s.items[id]
		if !ok {
			continue
		}
		out := copyItem(item)
		if len(req.Fields) > 0 {
			projected := make(map[string]interface{}, len(req.Fields))
			for _, f := range req.Fields {
				if v, ok := out.Fields[f]; ok {
					projected[f] = v
				}
			}
			out.Fields = projected
		}
		values = append(values, out)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(values), "value": values})
}

type patchOperation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value"`
}

func decodePatch(body []byte) (map[string]interface{}, error) {
	var ops []patchOperation
	if err := json.Unmarshal(body, &ops); err != nil {
		return nil, err
	}
	fields := make(map[string]interface{}, len(ops))
	for _, op := range ops {
		if op.Op != "add" && op.Op != "replace" {
			return nil, fmt.Errorf("unsupported operation %q", op.Op)
		}
		if !strings.HasPrefix(op.Path, "/fields/") {
			return nil, fmt.Errorf("unsupported path %q", op.Path)
		}
		fields[strings.TrimPrefix(op.Path, "/fields/")] = op.Value
	}
	return fields, nil
}

func (s *Server) handleCreate(w http.ResponseWriter, typeName string, body []byte) {
	states, canonical, ok := s.lookupType(typeName)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("VS402323: Work item type %s does not exist.", typeName))
		return
	}
	fields, err := decodePatch(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VS403117: "+err.Error())
		return
	}
	if _, ok := fields[domain.FieldID]; ok {
		writeError(w, http.StatusBadRequest, "TF401326: Invalid field status 'ReadOnly' for field 'System.Id'.")
		return
	}
	if title, _ := fields[domain.FieldTitle].(string); strings.TrimSpace(title) == "" {
		writeError(w, http.StatusBadRequest, "TF401320: Rule Error for field Title. Error code: Required, HasValues, LimitedToValues, AllowsOldValue, InvalidEmpty.")
		return
	}
	if state, ok := fields[domain.FieldState].(string); ok && !hasState(states, state) {
		writeError(w, http.StatusBadRequest, invalidStateMessage(state))
		return
	}
	if _, ok := fields[domain.FieldState]; !ok && len(states) > 0 {
		fields[domain.FieldState] = states[0].Name
	}
	fields[domain.FieldWorkItemType] = canonical
	fields[domain.FieldTeamProject] = s.Project

	id := s.store(fields)
	writeJSON(w, http.StatusOK, copyItem(s.items[id]))
}

func (s *Server) handleUpdate(w http.ResponseWriter, rawID string, body []byte) {
	id, err := strconv.Atoi(rawID)
	item, ok := s.items[id]
	if err != nil || !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("TF401232: Work item %s does not exist, or you do not have permissions to read it.", rawID))
		return
	}
	fields, err := decodePatch(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VS403117: "+err.Error())
		return
	}
	if state, ok := fields[domain.FieldState].(string); ok {
		states, _, _ := s.lookupType(item.StringField(domain.FieldWorkItemType))
		if !hasState(states, state) {
			writeError(w, http.StatusBadRequest, invalidStateMessage(state))
			return
		}
	}
	for k, v := range fields {
		item.Fields[k] = v
	}
	item.Rev++
	writeJSON(w, http.StatusOK, copyItem(item))
}

func (s *Server) handleTypes(w http.ResponseWriter) {
	values := make([]map[string]interface{}, 0, len(s.typeNames))
	for _, name := range s.typeNames {
		values = append(values, map[string]interface{}{"name": name, "referenceName": "System." + name})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(values), "value": values})
}

func (s *Server) handleStates(w http.ResponseWriter, typeName string) {
	states, _, ok := s.lookupType(typeName)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("VS402323: Work item type %s does not exist.", typeName))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(states), "value": states})
}

func (s *Server) lookupType(name string) ([]domain.WorkItemState, string, bool) {
	states, ok := s.states[strings.ToLower(name)]
	if !ok {
		return nil, "", false
	}
	for _, n := range s.typeNames {
		if strings.EqualFold(n, name) {
			return states, n, true
		}
	}
	return states, name, true
}

func hasState(states []domain.WorkItemState, name string) bool {
	for _, st := range states {
		if strings.EqualFold(st.Name, name) {
			return true
		}
	}
	return false
}

func invalidStateMessage(state string) string {
	return fmt.Sprintf("TF401320: Rule Error for field State. Error code: Required, InvalidListValue. The value '%s' is not in the list of supported values.", state)
}

func copyItem(item *domain.WorkItem) domain.WorkItem {
	fields := make(map[string]interface{}, len(item.Fields))
	for k, v := range item.Fields {
		fields[k] = v
	}
	return domain.WorkItem{ID: item.ID, Rev: item.Rev, Fields: fields, URL: item.URL}
}

func unquote(s string) string {
	return strings.ReplaceAll(s, "''", "'")
}

func literal(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && strings.HasPrefix(s, "'") && strings.HasSuffix(s, "'") {
		return unquote(s[1 : len(s)-1])
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"$id":       "1",
		"message":   message,
		"typeKey":   "WorkItemTrackingException",
		"errorCode": 0,
	})
}
