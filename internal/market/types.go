package market

import (
	"fmt"
	"strings"
)

// Strategy is the policy hint the marketplace uses to select fulfilling
// agents. It is forwarded verbatim, never enforced by the adapters.
type Strategy string

const (
	StrategyCheapest      Strategy = "cheapest"
	StrategyLeastOccupied Strategy = "leastOccupied"
)

// ParseStrategy validates a matching strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.TrimSpace(s) {
	case string(StrategyCheapest):
		return StrategyCheapest, nil
	case string(StrategyLeastOccupied), "":
		// The marketplace defaults to leastOccupied when unspecified.
		return StrategyLeastOccupied, nil
	default:
		return "", fmt.Errorf("unknown matching strategy %q", s)
	}
}

// Task is a unit of work assigned to this agent by the marketplace.
// Backends normalize their native encodings (numeric ids, bigint rewards)
// into this shape at the boundary.
type Task struct {
	ID         string
	OriginalID string // requester-side message/task id, when the backend distinguishes it
	Requester  string // wallet/account address of the posting party
	AgentID    string
	ContextID  string
	Topic      string
	Payload    string
	Strategy   Strategy
	Reward     Amount
	// Cursor is the backend ordering key: a millisecond timestamp on the
	// message network, a block number on the chain.
	Cursor int64
}

// OriginalTaskRef echoes registration-time data inside a result.
type OriginalTaskRef struct {
	ID     string
	Reward Amount
}

// TaskResult is a fulfilled task observed by the requester.
type TaskResult struct {
	TaskID          string
	Result          string // raw JSON payload produced by the executing action
	AssignedAgentID string
	OriginalTask    OriginalTaskRef
	Cursor          int64
}

// TaskRequest describes a task to register.
type TaskRequest struct {
	Topic    string
	Payload  string
	Strategy Strategy
	Reward   Amount
}

// Validate rejects requests the marketplace would bounce anyway.
func (r TaskRequest) Validate() error {
	if strings.TrimSpace(r.Topic) == "" {
		return fmt.Errorf("task topic is required")
	}
	if strings.TrimSpace(r.Payload) == "" {
		return fmt.Errorf("task payload is required")
	}
	if _, err := ParseStrategy(string(r.Strategy)); err != nil {
		return err
	}
	return nil
}

// Assignment is the registration-time record describing who will fulfill a
// task, plus the correlation data the result poller needs.
type Assignment struct {
	TaskID         string
	NumberOfAgents int
	Fee            Amount
	// Cursor marks where result polling for this task may begin: the
	// registration timestamp on AO, the inclusion block on Story.
	Cursor int64
	TxHash string // chain backend only
	// Receipt is the human-readable confirmation surfaced to the requester.
	Receipt string
}

// SendReceipt confirms a delivered task result.
type SendReceipt struct {
	MessageID string
	TxHash    string
}

// AgentProfile describes this agent to the marketplace at registration time.
type AgentProfile struct {
	AgentID     string
	Topic       string
	Fee         Amount
	Description string
}
