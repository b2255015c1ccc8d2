package model

// ProblemAnalysis is stage 1's output: the business context and ranked
// problems distilled from the questionnaire answers.
type ProblemAnalysis struct {
	BusinessContext    BusinessContext `json:"businessContext"`
	Problems           []Problem       `json:"problems"`
	AIOpportunityScore int             `json:"aiOpportunityScore"`
}

// BusinessContext summarizes the submitting company.
type BusinessContext struct {
	Industry     string `json:"industry"`
	CompanySize  string `json:"companySize"`
	UrgencyLevel string `json:"urgencyLevel"`
}

// Problem is a single automation opportunity identified in stage 1.
type Problem struct {
	Area     string `json:"area"`
	Severity int    `json:"severity"`
	Summary  string `json:"summary"`
}

// ToolResearch is stage 2's output: candidate tools researched against the
// stage 1 problems.
type ToolResearch struct {
	Candidates []ToolCandidate `json:"candidates"`
}

// ToolCandidate is one researched tool.
type ToolCandidate struct {
	Name           string `json:"name"`
	Vendor         string `json:"vendor"`
	Category       string `json:"category"`
	WebsiteURL     string `json:"websiteUrl"`
	RelevanceScore int    `json:"relevanceScore"`
	Notes          string `json:"notes,omitempty"`
}

// CuratedTools is stage 3's output: the prioritized shortlist.
type CuratedTools struct {
	Recommendations []Recommendation `json:"recommendations"`
}

// Recommendation maps a curated tool onto the problem it addresses.
type Recommendation struct {
	ToolName             string `json:"toolName"`
	ProblemArea          string `json:"problemArea"`
	Priority             string `json:"priority"` // high | medium | low
	EstimatedImpactScore int    `json:"estimatedImpactScore"`
	ImplementationNotes  string `json:"implementationNotes,omitempty"`
}

// FinalReport is stage 4's output: the client-facing report document.
type FinalReport struct {
	ExecutiveSummary  string          `json:"executiveSummary"`
	Sections          []ReportSection `json:"sections"`
	NextSteps         []string        `json:"nextSteps"`
	ProjectedROINotes string          `json:"projectedRoiNotes,omitempty"`
}

// ReportSection is one titled body of the final report.
type ReportSection struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}
