package bootstrap

import (
	"net/url"
	"slices"

	"github.com/aristath/appstartup/internal/config"
)

// MatchRequest describes what launched the application. URI, Action,
// InsightIntent and Customization are checked against each task's match
// rules; PreStageLoad picks the scheduler phase.
type MatchRequest struct {
	URI           string
	Action        string
	InsightIntent string
	Customization string // Empty means the app config's customization
	PreStageLoad  bool
}

func (q MatchRequest) hasRuleInput() bool {
	return q.URI != "" || q.Action != "" || q.InsightIntent != "" || q.Customization != ""
}

// SelectTasks returns the names of the tasks a run for q starts from, in
// manifest order. When some tasks' match rules match q, those are selected
// even if excluded from auto start; otherwise the auto-start tasks are.
// Either way only tasks of q's phase are kept. Dependencies are left to the
// scheduler, which pulls them in regardless of phase or exclusion.
func SelectTasks(specs []config.TaskSpec, q MatchRequest) []string {
	var matched []config.TaskSpec
	if q.hasRuleInput() {
		for _, spec := range specs {
			if matchesRules(spec.MatchRules, q) {
				matched = append(matched, spec)
			}
		}
	}
	if len(matched) == 0 {
		for _, spec := range specs {
			if !spec.ExcludeFromAutoStart {
				matched = append(matched, spec)
			}
		}
	}

	var names []string
	for _, spec := range matched {
		if spec.PreStageLoad() == q.PreStageLoad {
			names = append(names, spec.Name)
		}
	}
	return names
}

func matchesRules(rules config.MatchRules, q MatchRequest) bool {
	if q.URI != "" {
		uri := normalizeURI(q.URI)
		for _, candidate := range rules.URIs {
			if normalizeURI(candidate) == uri {
				return true
			}
		}
	}
	return (q.Action != "" && slices.Contains(rules.Actions, q.Action)) ||
		(q.InsightIntent != "" && slices.Contains(rules.InsightIntents, q.InsightIntent)) ||
		(q.Customization != "" && slices.Contains(rules.Customization, q.Customization))
}

// normalizeURI drops the query and fragment, which never take part in
// matching.
func normalizeURI(s string) string {
	u, err := url.Parse(s)
	if err != nil {
		return s
	}
	u.RawQuery, u.ForceQuery = "", false
	u.Fragment, u.RawFragment = "", ""
	return u.String()
}
