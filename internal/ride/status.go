package ride

import "github.com/example/ride-dispatch/internal/models"

// Rule describes one allowed edge of the lifecycle.
type Rule struct {
	Roles     []models.Role
	NeedsCode bool
}

func (r Rule) Permits(role models.Role) bool {
	for _, allowed := range r.Roles {
		if allowed == role {
			return true
		}
	}
	return false
}

var (
	driverOnly = []models.Role{models.RoleDriver}
	eitherSide = []models.Role{models.RoleRequester, models.RoleDriver}
)

// transitions is the complete edge table. Anything absent is rejected.
var transitions = map[models.Status]map[models.Status]Rule{
	models.StatusPending: {
		models.StatusAccepted:  {Roles: driverOnly},
		models.StatusCancelled: {Roles: eitherSide},
	},
	models.StatusAccepted: {
		models.StatusOngoing:   {Roles: driverOnly, NeedsCode: true},
		models.StatusCancelled: {Roles: eitherSide},
	},
	models.StatusOngoing: {
		models.StatusCompleted: {Roles: driverOnly},
		models.StatusCancelled: {Roles: eitherSide},
	},
}

// Lookup returns the rule for from -> to, if that edge exists.
func Lookup(from, to models.Status) (Rule, bool) {
	r, ok := transitions[from][to]
	return r, ok
}
