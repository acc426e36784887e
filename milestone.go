package useaid

// Milestone categories.
const (
	CategoryFeature    = "feature"
	CategoryBugfix     = "bugfix"
	CategoryRefactor   = "refactor"
	CategoryTest       = "test"
	CategoryDocs       = "docs"
	CategorySetup      = "setup"
	CategoryDeployment = "deployment"
	CategoryOther      = "other"
)

// Milestone complexities.
const (
	ComplexitySimple  = "simple"
	ComplexityMedium  = "medium"
	ComplexityComplex = "complex"
)

var validCategories = map[string]bool{
	CategoryFeature:    true,
	CategoryBugfix:     true,
	CategoryRefactor:   true,
	CategoryTest:       true,
	CategoryDocs:       true,
	CategorySetup:      true,
	CategoryDeployment: true,
	CategoryOther:      true,
}

var validComplexities = map[string]bool{
	ComplexitySimple:  true,
	ComplexityMedium:  true,
	ComplexityComplex: true,
}

// NormalizeCategory maps unrecognized categories to "other".
func NormalizeCategory(category string) string {
	if validCategories[category] {
		return category
	}
	return CategoryOther
}

// NormalizeComplexity maps unrecognized complexities to "medium".
func NormalizeComplexity(complexity string) string {
	if validComplexities[complexity] {
		return complexity
	}
	return ComplexityMedium
}

// Milestone is a notable outcome reported during or at the end of a
// session. ChainHash points at the milestone record inside the session's
// chain, tying the index entry to the tamper-evident log.
type Milestone struct {
	ID              string   `json:"id"`
	SessionID       string   `json:"session_id"`
	Category        string   `json:"category"`
	Complexity      string   `json:"complexity"`
	Title           string   `json:"title"`
	PrivateTitle    string   `json:"private_title,omitempty"`
	DurationMinutes int      `json:"duration_minutes"`
	Languages       []string `json:"languages,omitempty"`
	Client          string   `json:"client,omitempty"`
	CreatedAt       string   `json:"created_at"`
	ChainHash       string   `json:"chain_hash,omitempty"`
}
