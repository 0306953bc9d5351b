package infrastructure

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"azure-devops-mcp-server/internal/domain"
)

// BuildWIQL renders search criteria as a flat WIQL query scoped to a project.
// Field names must already be resolved reference names; string literals are
// quoted by doubling single quotes.
func BuildWIQL(project string, criteria domain.SearchCriteria) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT [%s], [%s], [%s], [%s] FROM WorkItems",
		domain.FieldID, domain.FieldTitle, domain.FieldState, domain.FieldWorkItemType)
	fmt.Fprintf(&b, " WHERE [%s] = %s", domain.FieldTeamProject, quoteWIQL(project))

	if text := strings.TrimSpace(criteria.QueryText); text != "" {
		fmt.Fprintf(&b, " AND [%s] CONTAINS %s", domain.FieldTitle, quoteWIQL(text))
	}

	names := make([]string, 0, len(criteria.Filters))
	for name := range criteria.Filters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteString(" AND ")
		b.WriteString(filterClause(name, criteria.Filters[name]))
	}

	fmt.Fprintf(&b, " ORDER BY [%s] DESC", domain.FieldChangedDate)
	return b.String()
}

func filterClause(field string, value interface{}) string {
	if values, ok := value.([]interface{}); ok {
		literals := make([]string, 0, len(values))
		for _, v := range values {
			literals = append(literals, literalWIQL(v))
		}
		return fmt.Sprintf("[%s] IN (%s)", field, strings.Join(literals, ", "))
	}
	return fmt.Sprintf("[%s] = %s", field, literalWIQL(value))
}

func literalWIQL(value interface{}) string {
	switch v := value.(type) {
	case string:
		return quoteWIQL(v)
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return quoteWIQL(fmt.Sprint(v))
	}
}

func quoteWIQL(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
