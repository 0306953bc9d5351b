package application

import (
	"fmt"
	"testing"

	"azure-devops-mcp-server/internal/domain"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: search never asks the remote service for more than the
// configured ceiling, and never for fewer than one item.
func TestProperty_SearchMaxResultsBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("max_results is clamped into [1, ceiling]", prop.ForAll(
		func(requested int64, ceiling int) bool {
			cfg := testConfig()
			cfg.Search.MaxResultsCeiling = ceiling
			cfg.Search.DefaultMaxResults = 1

			client := &recordingClient{}
			d := newTestDispatcher(t, client, cfg)

			result := invoke(d, ToolSearch, map[string]interface{}{
				"query_text":  "x",
				"max_results": float64(requested),
			})
			if result.IsError() {
				return false
			}
			got := client.lastCriteria.MaxResults
			return got >= 1 && got <= ceiling
		},
		gen.Int64Range(-1<<40, 1<<40),
		gen.IntRange(1, domain.RemoteBatchLimit),
	))

	properties.TestingRun(t)
}

// Property: an update that names no field to change is rejected locally
// and never reaches the remote service.
func TestProperty_EmptyUpdateNeverReachesRemote(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("update without fields is a ValidationError", prop.ForAll(
		func(id int, withEmptyMap bool, withSystemID bool) bool {
			args := map[string]interface{}{"id": float64(id)}
			if withEmptyMap {
				args["fields"] = map[string]interface{}{}
			}
			if withSystemID {
				args["fields"] = map[string]interface{}{"System.Id": float64(id)}
			}

			client := &recordingClient{}
			d := newTestDispatcher(t, client, nil)

			result := invoke(d, ToolUpdate, args)
			return result.Kind() == domain.KindValidation && client.callCount() == 0
		},
		gen.IntRange(1, 1000000),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// Property: a caller-supplied id is never forwarded on create, whether it
// arrives as an argument or inside fields.
func TestProperty_CreateNeverForwardsID(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("System.Id is absent from created fields", prop.ForAll(
		func(id int, title string, idKey string, asArgument bool) bool {
			args := map[string]interface{}{
				"type":  "Task",
				"title": "t-" + title,
			}
			if asArgument {
				args["id"] = float64(id)
			} else {
				args["fields"] = map[string]interface{}{idKey: float64(id)}
			}

			client := &recordingClient{}
			d := newTestDispatcher(t, client, nil)

			result := invoke(d, ToolCreate, args)
			if result.IsError() {
				return false
			}
			_, forwarded := client.lastFields[domain.FieldID]
			return !forwarded && len(result.Warnings) == 1
		},
		gen.IntRange(-100, 100000),
		gen.AlphaString(),
		gen.OneConstOf("id", "ID", "System.Id"),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// Property: tool names outside the registry always yield UnknownTool and
// never construct a client.
func TestProperty_UnknownToolRejected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("unregistered names are UnknownTool", prop.ForAll(
		func(name string) bool {
			if KnownTool(name) {
				return true
			}
			builds := 0
			factory := func(domain.ConnectionContext) (domain.WorkItemClient, error) {
				builds++
				return &recordingClient{}, nil
			}
			d := NewDispatcher(domain.StaticContextProvider{Conn: testConnection(t)}, factory, testConfig(), discardLogger())
			result := invoke(d, name, map[string]interface{}{"query_text": "x"})
			return result.Kind() == domain.KindUnknownTool && builds == 0
		},
		gen.AnyString().Map(func(s string) string { return fmt.Sprintf("tool_%s", s) }),
	))

	properties.TestingRun(t)
}
