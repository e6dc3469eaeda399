package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types. Each is also the NATS subject the event is published on,
// under the "world." prefix.
const (
	EventTypeAgentEntered = "agent.entered"
	EventTypeAgentAction  = "agent.action"

	EventTypeRewardCredited = "ledger.reward"

	EventTypeProposalCreated   = "proposal.created"
	EventTypeProposalVoted     = "proposal.voted"
	EventTypeProposalFinalized = "proposal.finalized"
	EventTypeProposalExecuted  = "proposal.executed"

	EventTypeLotteryOpened     = "lottery.opened"
	EventTypeLotteryTickets    = "lottery.tickets"
	EventTypeLotteryDrawn      = "lottery.drawn"
	EventTypeLotteryRolledOver = "lottery.rolled_over"
	EventTypeLotteryPaid       = "lottery.paid"

	EventTypeBreedingChecked = "breeding.checked"
)

// SubjectPrefix namespaces world events on the bus.
const SubjectPrefix = "world."

// Event is the envelope every world event is published in.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Subject   string          `json:"subject"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	// Origin identifies the emitting process so relayed copies of its own
	// events can be recognized.
	Origin string `json:"origin,omitempty"`
}

// NewEvent creates a new event. subject is the aggregate the event is about
// (an agent address, proposal id or round id).
func NewEvent(eventType, subject, message string, data interface{}) (*Event, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		Subject:   subject,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// ParseEventData parses event data into the specified type
func ParseEventData[T any](event *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
