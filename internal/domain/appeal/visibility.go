package appeal

import (
	"strconv"
	"strings"

	"github.com/fightpaperwork/appeals/internal/domain/identity"
)

// queryArgs collects positional arguments while a query is assembled.
type queryArgs struct {
	args []any
}

// add appends v and returns its placeholder.
func (q *queryArgs) add(v any) string {
	q.args = append(q.args, v)
	return "$" + strconv.Itoa(len(q.args))
}

// visibleTo returns a predicate over the denials or appeals row aliased as
// alias. A row is visible to the patient on it, to its creating or primary
// professional, and to professionals with an active membership in its domain.
// withSecondary also admits professionals invited onto an appeal.
//
// Membership activity is read from the stored active column, which is always
// written together with the flags it derives from.
func visibleTo(actor identity.Actor, alias string, withSecondary bool, q *queryArgs) string {
	var or []string
	if actor.IsPatient() {
		or = append(or, alias+".patient_id = "+q.add(actor.PatientID))
	}
	if actor.IsProfessional() {
		p := q.add(actor.ProfessionalID)
		or = append(or,
			alias+".creating_professional_id = "+p,
			alias+".primary_professional_id = "+p,
			alias+".domain_id IN (SELECT r.domain_id FROM professional_domain_relations r WHERE r.professional_id = "+p+" AND r.active)",
		)
		if withSecondary {
			or = append(or, "EXISTS (SELECT 1 FROM secondary_appeal_professionals s WHERE s.appeal_id = "+alias+".id AND s.professional_id = "+p+")")
		}
	}
	if len(or) == 0 {
		return "FALSE"
	}
	return "(" + strings.Join(or, " OR ") + ")"
}

// likePattern wraps s for a case-insensitive substring match, escaping the
// LIKE metacharacters it contains.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}
