package risk

// Violation is one named reason a trade was rejected.
type Violation struct {
	Code string
	Msg  string
}

// Decision carries the outcome of the pre-trade checks. Rejections are values,
// not errors: a vetoed trade is a normal, logged outcome.
type Decision struct {
	Allowed    bool
	Violations []Violation

	RiskAmount float64
	Legs       []float64
}

// Reject marks the decision failed with a coded reason.
func (d *Decision) Reject(code, msg string) {
	d.Violations = append(d.Violations, Violation{Code: code, Msg: msg})
	d.Allowed = false
}

// Reason flattens the violations into one loggable string.
func (d Decision) Reason() string {
	if len(d.Violations) == 0 {
		return ""
	}
	s := d.Violations[0].Msg
	for _, v := range d.Violations[1:] {
		s += "; " + v.Msg
	}
	return s
}
