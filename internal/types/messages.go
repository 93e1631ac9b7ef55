package types

// SeedMessage carries a seed transaction picked up from the import directory.
type SeedMessage struct {
	SeedFile string
	Input    *Input
}

// SolutionMessage is published for downstream consumers of confirmed findings.
type SolutionMessage struct {
	CampaignID  string `json:"campaign_id"`
	SolutionID  string `json:"solution_id"`
	BugIdx      BugIdx `json:"bug_idx"`
	BugKind     string `json:"bug_kind"`
	Description string `json:"description"`
	Minimized   bool   `json:"minimized"`
	Steps       int    `json:"steps"`
	Artifact    string `json:"artifact"`
}
