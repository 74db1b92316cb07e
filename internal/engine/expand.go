package engine

import "strings"

// Short queries embed poorly: a two-word query rarely lands near the richer
// chunks it should match. Queries under this length get enriched with domain
// synonyms before embedding. Pure local text work, no API calls.
const expandBelowLength = 60

var expansions = map[string]string{
	"caching":     "caching response cache semantic cache performance",
	"testing":     "testing unit test integration test e2e coverage",
	"deployment":  "deployment deploy production CI/CD docker kubernetes",
	"security":    "security authentication authorization OWASP vulnerability",
	"performance": "performance optimization speed latency throughput",
	"migration":   "migration upgrade breaking changes version update",
	"api":         "API REST GraphQL endpoint request response",
	"database":    "database SQL ORM query schema migration",
	"auth":        "authentication authorization JWT OAuth session tokens",
	"docker":      "Docker container image compose kubernetes deployment",
	"rag":         "RAG retrieval augmented generation vector embeddings search",
	"chunking":    "chunking text splitting segmentation embedding retrieval",
	"monitoring":  "monitoring logging metrics observability health check",
}

// ExpandQuery enriches short queries with synonym context for a better
// embedding match. Long queries are already descriptive and pass through.
func ExpandQuery(query string) string {
	if len(query) > expandBelowLength {
		return query
	}

	lowered := strings.ToLower(query)
	for term, expansion := range expansions {
		if strings.Contains(lowered, term) {
			return query + " " + expansion
		}
	}
	return query
}
