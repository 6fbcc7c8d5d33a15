package subscription

import "github.com/crosslogic/metering/pkg/models"

// transitions lists every allowed status change. Anything absent is rejected,
// including every edge out of expired.
var transitions = map[models.Status]map[models.Status]struct{}{
	models.StatusTrial: {
		models.StatusActive:  {},
		models.StatusExpired: {},
	},
	models.StatusActive: {
		models.StatusPastDue:   {},
		models.StatusCancelled: {},
	},
	models.StatusPastDue: {
		models.StatusActive:    {},
		models.StatusCancelled: {},
	},
	models.StatusCancelled: {
		models.StatusExpired: {},
	},
}

// IsValidTransition reports whether a subscription may move from one status to another.
func IsValidTransition(from, to models.Status) bool {
	_, ok := transitions[from][to]
	return ok
}

// ShouldDowngradeOnExpiry reports whether a subscription in status s must fall back to the free tier.
func ShouldDowngradeOnExpiry(s models.Status) bool {
	return s == models.StatusExpired || s == models.StatusCancelled
}
