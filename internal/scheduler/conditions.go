package scheduler

import (
	"fmt"
	"strings"

	"github.com/cadencehq/cadence/internal/domain"
)

// stepConditionsMet gates a touch step on lead state. Supported conditions:
//
//	status           lead status must match (string or list of strings)
//	metadata.<key>   lead metadata value must equal the given value
//
// Unknown condition keys are ignored so old sequences keep running after new
// condition types ship.
func stepConditionsMet(cond map[string]any, lead *domain.Lead) bool {
	for k, v := range cond {
		switch {
		case k == "status":
			if !statusMatches(v, lead.Status) {
				return false
			}
		case strings.HasPrefix(k, "metadata."):
			key := strings.TrimPrefix(k, "metadata.")
			got, ok := lead.Metadata[key]
			if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", v) {
				return false
			}
		}
	}
	return true
}

func statusMatches(want any, status domain.LeadStatus) bool {
	switch w := want.(type) {
	case string:
		return w == string(status)
	case []any:
		for _, item := range w {
			if fmt.Sprintf("%v", item) == string(status) {
				return true
			}
		}
	case []string:
		for _, item := range w {
			if item == string(status) {
				return true
			}
		}
	}
	return false
}
