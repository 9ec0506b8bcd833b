package store

import "github.com/otakuogeek/Callcenter-MCP-sub003/internal/models"

// transferTransitions is the single source of truth for transfer
// status guards. rejected and completed are terminal.
var transferTransitions = map[string][]string{
	"accept":   {models.TransferPending},
	"reject":   {models.TransferPending, models.TransferAccepted},
	"complete": {models.TransferPending, models.TransferAccepted},
}

func ValidTransferTransition(action, fromStatus string) bool {
	for _, status := range TransferSources(action) {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// TransferSources lists the statuses an action may move a transfer out
// of. The postgres layer embeds this list in its guarded updates so the
// SQL and the table cannot drift apart.
func TransferSources(action string) []string {
	return transferTransitions[action]
}
