package registry

import (
	"fmt"
	"strings"

	"github.com/xiaot623/fleetd/internal/domain"
)

// matches applies filter to a. Query is a case-insensitive substring match
// over the id and the profile's keys and values.
func matches(a *domain.Agent, filter domain.AgentFilter) bool {
	if filter.Status != "" && a.Status != filter.Status {
		return false
	}
	if filter.RiskLevel != "" && a.RiskLevel != filter.RiskLevel {
		return false
	}
	if filter.Query == "" {
		return true
	}
	q := strings.ToLower(filter.Query)
	if strings.Contains(strings.ToLower(a.AgentID), q) {
		return true
	}
	for k, v := range a.Profile {
		if strings.Contains(strings.ToLower(k), q) {
			return true
		}
		if strings.Contains(strings.ToLower(fmt.Sprint(v)), q) {
			return true
		}
	}
	return false
}
