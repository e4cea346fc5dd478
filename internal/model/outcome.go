package model

// Outcome 是业务结果码，作为数据返回而非 error。
type Outcome string

const (
	OutcomeOK           Outcome = "OK"
	OutcomeNotFound     Outcome = "NOT_FOUND"
	OutcomeNotOpen      Outcome = "NOT_OPEN"
	OutcomeNotStarted   Outcome = "NOT_STARTED"
	OutcomeEnded        Outcome = "ENDED"
	OutcomeBelowStart   Outcome = "BELOW_START"
	OutcomeBelowHighest Outcome = "BELOW_HIGHEST"
)

// ParseOutcome 把 Lua 脚本返回的结果码映射为 Outcome，未知值返回 false。
func ParseOutcome(s string) (Outcome, bool) {
	switch o := Outcome(s); o {
	case OutcomeOK, OutcomeNotFound, OutcomeNotOpen, OutcomeNotStarted,
		OutcomeEnded, OutcomeBelowStart, OutcomeBelowHighest:
		return o, true
	}
	return "", false
}
