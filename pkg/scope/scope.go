package scope

import "context"

// Scope kinds understood by the Postgres resolver.
const (
	SectorScope     = "sector"      // All patents in one taxonomy sector
	PatentListScope = "patent_list" // Explicit comma-separated patent IDs
	AllScope        = "all"         // The whole corpus
)

// Resolver maps a workflow scope to its ordered list of target identifiers.
// Unsupported scope kinds resolve to an empty list, not an error; planners
// treat empty as a planning failure.
type Resolver interface {
	Resolve(ctx context.Context, scopeType, scopeID string) ([]string, error)
	// Describe returns the scope's contextual entity (e.g., the sector name)
	// used as the focus area in prompts.
	Describe(scopeType, scopeID string) string
}

// Loader fetches target data for prompt construction, keyed by target ID.
type Loader interface {
	Load(ctx context.Context, targetIDs []string) (map[string]map[string]interface{}, error)
}
