package protocol

// Outcome is the fate of a published message as reported to its publisher.
type Outcome string

const (
	OutcomeBuffered            Outcome = "BUFFERED"
	OutcomeMatched             Outcome = "MATCHED"
	OutcomeCorrelated          Outcome = "CORRELATED"
	OutcomeDuplicate           Outcome = "DUPLICATE"
	OutcomeRejectedExclusivity Outcome = "REJECTED_EXCLUSIVITY"
	OutcomeStartTriggered      Outcome = "START_EVENT_TRIGGERED"
	OutcomeExpired             Outcome = "EXPIRED"
)

// Final reports whether no further answer follows this outcome.
// Matched is interim: the request stays recorded until the correlation is
// acknowledged or the message expires.
func (o Outcome) Final() bool { return o != OutcomeMatched }

// PublishResponse answers a recorded publish request.
type PublishResponse struct {
	Request            RequestData `json:"request"`
	MessageKey         int64       `json:"messageKey"`
	Outcome            Outcome     `json:"outcome"`
	ElementInstanceKey int64       `json:"elementInstanceKey,omitempty"`
	ProcessInstanceKey int64       `json:"processInstanceKey,omitempty"`
	Reason             string      `json:"reason,omitempty"`
}
