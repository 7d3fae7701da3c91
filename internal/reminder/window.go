package reminder

import "time"

// LeadTime is how long before the appointment start a reminder fires.
const LeadTime = 30 * time.Minute

// Outcome is the resolver's verdict for one appointment.
type Outcome int

const (
	OutcomeArmed Outcome = iota
	// OutcomeSkip: the appointment is not on the establishment's current local day.
	OutcomeSkip
	// OutcomePastDue: the lead window has already started.
	OutcomePastDue
)

func (o Outcome) String() string {
	switch o {
	case OutcomeArmed:
		return "armed"
	case OutcomeSkip:
		return "skip"
	case OutcomePastDue:
		return "past_due"
	default:
		return "unknown"
	}
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Decision is the result of Resolve. FireAt is set for Armed and PastDue,
// Delay only for Armed.
type Decision struct {
	Outcome Outcome
	FireAt  time.Time
	Delay   time.Duration
}

// Resolve decides whether and when the reminder for an appointment fires.
//
// startLocal is the wall-clock start (its zone is ignored); loc is the
// establishment's timezone. Appointments on another local calendar day than
// now are skipped even when they are only minutes away: 23:50 today and
// 00:10 tomorrow are on different days.
func Resolve(startLocal time.Time, loc *time.Location, now time.Time) Decision {
	if loc == nil {
		loc = time.UTC
	}
	start := inZone(startLocal, loc)
	if !sameDay(start, now.In(loc)) {
		return Decision{Outcome: OutcomeSkip}
	}

	fireAt := start.Add(-LeadTime)
	if !fireAt.After(now) {
		return Decision{Outcome: OutcomePastDue, FireAt: fireAt.UTC()}
	}
	return Decision{Outcome: OutcomeArmed, FireAt: fireAt.UTC(), Delay: fireAt.Sub(now)}
}

// DueSoon reports whether the appointment starts within (now, now+LeadTime]
// on the establishment's current local day.
func DueSoon(startLocal time.Time, loc *time.Location, now time.Time) bool {
	if loc == nil {
		loc = time.UTC
	}
	start := inZone(startLocal, loc)
	if !sameDay(start, now.In(loc)) {
		return false
	}
	return start.After(now) && !start.After(now.Add(LeadTime))
}

func inZone(wall time.Time, loc *time.Location) time.Time {
	y, mo, d := wall.Date()
	h, mi, s := wall.Clock()
	return time.Date(y, mo, d, h, mi, s, wall.Nanosecond(), loc)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
