package game

// Filter narrows record queries by reported outcome. Nil fields are unset.
type Filter struct {
	// MinOutcome keeps records with reported outcome >= *MinOutcome.
	MinOutcome *float64 `json:"min,omitempty"`

	// MaxOutcome keeps records with reported outcome <= *MaxOutcome.
	MaxOutcome *float64 `json:"max,omitempty"`

	// Floor keeps records whose floor value equals *Floor.
	Floor *int64 `json:"floor,omitempty"`

	// BeforeID keeps records with id < *BeforeID.
	BeforeID *int64 `json:"beforeId,omitempty"`
}

// Match reports whether rec passes the filter.
func (f Filter) Match(rec Record) bool {
	if f.MinOutcome != nil && rec.ReportedOutcome < *f.MinOutcome {
		return false
	}
	if f.MaxOutcome != nil && rec.ReportedOutcome > *f.MaxOutcome {
		return false
	}
	if f.Floor != nil && rec.FloorValue != *f.Floor {
		return false
	}
	if f.BeforeID != nil && rec.ID >= *f.BeforeID {
		return false
	}
	return true
}

// Where renders the filter as a SQL predicate over the games table.
// placeholder produces the bind marker for parameter n; numbering starts at
// start so the predicate can follow other parameters.
func (f Filter) Where(placeholder func(n int) string, start int) (string, []any) {
	clause := ""
	args := []any{}
	add := func(cond string, arg any) {
		if clause != "" {
			clause += " AND "
		}
		args = append(args, arg)
		clause += cond + " " + placeholder(start+len(args)-1)
	}
	if f.MinOutcome != nil {
		add("reported_outcome >=", *f.MinOutcome)
	}
	if f.MaxOutcome != nil {
		add("reported_outcome <=", *f.MaxOutcome)
	}
	if f.Floor != nil {
		add("floor_value =", *f.Floor)
	}
	if f.BeforeID != nil {
		add("id <", *f.BeforeID)
	}
	if clause == "" {
		return "1=1", args
	}
	return clause, args
}
