package routes

var (
	BearerAuth = []map[string][]string{
		{"bearer": {}},
	}
	RunTokenAuth = []map[string][]string{
		{"runToken": {}},
	}
)

type Tag string

const (
	TagHealth Tag = "health"
	TagIam    Tag = "iam"
	TagRuns   Tag = "runs"
	TagAgents Tag = "agents"
)

func (t Tag) String() string { return string(t) }

func AllTags() []string {
	return []string{
		TagHealth.String(),
		TagIam.String(),
		TagRuns.String(),
		TagAgents.String(),
	}
}
