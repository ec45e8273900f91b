// Package ao implements the message-network marketplace backend. Tasks and
// results travel as tagged messages addressed to the market process; reads
// are dry-run calls against the gateway's compute unit and paginate with a
// millisecond-timestamp cursor.
package ao

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/kaptinlin/jsonrepair"

	claraerrors "clara/internal/errors"
	"clara/internal/httpclient"
	"clara/internal/logging"
	"clara/internal/market"
)

const (
	protocolTag     = "C.L.A.R.A."
	protocolVersion = "1.0.0"

	actionRegisterTask   = "Register-Task"
	actionRegisterAgent  = "Register-Agent-Profile"
	actionSendResult     = "Send-Result"
	actionLoadNextTask   = "Load-Next-Assigned-Task"
	actionLoadNextResult = "Load-Next-Task-Result"

	maxResponseBodyBytes  = 4 << 20
	defaultGatewayTimeout = 30 * time.Second

	// defaultRewardUnits is applied when a registration names no reward.
	defaultRewardUnits = 100
)

// Config describes the gateway and agent identity.
type Config struct {
	GatewayURL      string
	MarketProcessID string
	AgentID         string // profile id registered with the market
	WalletID        string // arweave address of the agent wallet
	Timeout         time.Duration
}

// Client talks to the market process through an AO gateway.
type Client struct {
	cfg    Config
	http   *http.Client
	logger logging.Logger
}

// New builds the message-network backend.
func New(cfg Config, logger logging.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultGatewayTimeout
	}
	return &Client{
		cfg:    cfg,
		http:   httpclient.NewWithCircuitBreaker(cfg.Timeout, logger, "ao-gateway"),
		logger: logging.OrNop(logger),
	}
}

// Name identifies this backend in logs, metrics and receipts.
func (c *Client) Name() string {
	return "ao"
}

type tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type gatewayMessage struct {
	Process string `json:"process"`
	Owner   string `json:"owner"`
	Data    string `json:"data"`
	Tags    []tag  `json:"tags"`
}

type gatewayReply struct {
	ID       string `json:"id"`
	Error    string `json:"error"`
	Messages []struct {
		Data string `json:"data"`
		Tags []tag  `json:"tags"`
	} `json:"messages"`
}

// registerReply is the market process response to Register-Task.
type registerReply struct {
	TaskID          string      `json:"taskId"`
	OriginalMsgID   string      `json:"originalMsgId"`
	NumberOfAgents  int         `json:"numberOfAgents"`
	Fee             json.Number `json:"fee"`
	Timestamp       int64       `json:"timestamp"`
	AssignedAgentID string      `json:"assignedAgentId"`
}

// taskPayload is the wire shape of an assigned task.
type taskPayload struct {
	ID               string      `json:"id"`
	OriginalID       string      `json:"originalId"`
	Requester        string      `json:"requester"`
	AgentID          string      `json:"agentId"`
	ContextID        json.Number `json:"contextId"`
	Topic            string      `json:"topic"`
	Payload          string      `json:"payload"`
	MatchingStrategy string      `json:"matchingStrategy"`
	Reward           json.Number `json:"reward"`
	Timestamp        int64       `json:"timestamp"`
}

// resultReply is the wire shape of Load-Next-Task-Result: the cursor always
// advances even when result is null.
type resultReply struct {
	Cursor int64 `json:"cursor"`
	Result *struct {
		ID           string      `json:"id"`
		TaskID       string      `json:"taskId"`
		Result       string      `json:"result"`
		AgentID      string      `json:"agentId"`
		Timestamp    int64       `json:"timestamp"`
		OriginalTask *struct {
			ID         string      `json:"id"`
			OriginalID string      `json:"originalId"`
			Reward     json.Number `json:"reward"`
		} `json:"originalTask"`
	} `json:"result"`
}

// RegisterTask submits one Register-Task message and reads the market's
// assignment reply.
func (c *Client) RegisterTask(ctx context.Context, req market.TaskRequest) (market.Assignment, error) {
	reward := req.Reward
	if reward.IsZero() {
		reward = market.AmountFromUnits(defaultRewardUnits)
	}
	msg := gatewayMessage{
		Process: c.cfg.MarketProcessID,
		Owner:   c.cfg.WalletID,
		Data:    req.Payload,
		Tags: []tag{
			{Name: "Action", Value: actionRegisterTask},
			{Name: "Protocol", Value: protocolTag},
			{Name: "Protocol-Version", Value: protocolVersion},
			{Name: "RedStone-Agent-Topic", Value: req.Topic},
			{Name: "RedStone-Agent-Reward", Value: strconv.FormatInt(reward.Units(), 10)},
			{Name: "RedStone-Agent-Matching", Value: string(req.Strategy)},
			{Name: "RedStone-Agent-Id", Value: c.cfg.AgentID},
		},
	}
	reply, err := c.post(ctx, "/message", msg)
	if err != nil {
		return market.Assignment{}, &claraerrors.RegistrationError{Backend: c.Name(), Err: err}
	}

	var reg registerReply
	if err := decodeProcessData(reply, &reg); err != nil {
		return market.Assignment{}, &claraerrors.RegistrationError{Backend: c.Name(), Err: err}
	}

	taskID := reg.OriginalMsgID
	if taskID == "" {
		taskID = reg.TaskID
	}
	if taskID == "" {
		taskID = reply.ID
	}
	fee := numberToAmount(reg.Fee)
	assignment := market.Assignment{
		TaskID:         taskID,
		NumberOfAgents: max(reg.NumberOfAgents, 1),
		Fee:            fee,
		Cursor:         reg.Timestamp,
	}
	assignment.Receipt = formatAssignment(assignment)
	return assignment, nil
}

// RegisterAgent announces the agent profile to the market process.
func (c *Client) RegisterAgent(ctx context.Context, profile market.AgentProfile) error {
	metadata, err := json.Marshal(map[string]string{"description": profile.Description})
	if err != nil {
		return err
	}
	msg := gatewayMessage{
		Process: c.cfg.MarketProcessID,
		Owner:   c.cfg.WalletID,
		Data:    string(metadata),
		Tags: []tag{
			{Name: "Action", Value: actionRegisterAgent},
			{Name: "Protocol", Value: protocolTag},
			{Name: "Protocol-Version", Value: protocolVersion},
			{Name: "RedStone-Agent-Topic", Value: profile.Topic},
			{Name: "RedStone-Agent-Fee", Value: strconv.FormatInt(profile.Fee.Units(), 10)},
			{Name: "RedStone-Agent-Id", Value: profile.AgentID},
		},
	}
	if _, err := c.post(ctx, "/message", msg); err != nil {
		return fmt.Errorf("register agent %s: %w", profile.AgentID, err)
	}
	return nil
}

// LoadNextAssignedTask dry-runs the market process for the next task assigned
// to this agent strictly after the cursor timestamp. Pure read.
func (c *Client) LoadNextAssignedTask(ctx context.Context, cursor int64) (*market.Task, error) {
	msg := gatewayMessage{
		Process: c.cfg.MarketProcessID,
		Owner:   c.cfg.WalletID,
		Tags: []tag{
			{Name: "Action", Value: actionLoadNextTask},
			{Name: "Protocol", Value: protocolTag},
			{Name: "RedStone-Agent-Id", Value: c.cfg.AgentID},
			{Name: "From-Timestamp", Value: strconv.FormatInt(cursor, 10)},
		},
	}
	reply, err := c.post(ctx, "/dry-run", msg)
	if err != nil {
		return nil, err
	}

	var payload taskPayload
	ok, err := decodeOptionalProcessData(reply, &payload)
	if err != nil || !ok {
		return nil, err
	}
	return payload.toTask(), nil
}

// LoadNextTaskResult dry-runs the market process for the next result visible
// to this agent as a requester. The returned cursor always advances.
func (c *Client) LoadNextTaskResult(ctx context.Context, cursor int64) (*market.TaskResult, int64, error) {
	msg := gatewayMessage{
		Process: c.cfg.MarketProcessID,
		Owner:   c.cfg.WalletID,
		Tags: []tag{
			{Name: "Action", Value: actionLoadNextResult},
			{Name: "Protocol", Value: protocolTag},
			{Name: "RedStone-Agent-Id", Value: c.cfg.AgentID},
			{Name: "From-Timestamp", Value: strconv.FormatInt(cursor, 10)},
		},
	}
	reply, err := c.post(ctx, "/dry-run", msg)
	if err != nil {
		return nil, cursor, err
	}

	var res resultReply
	ok, err := decodeOptionalProcessData(reply, &res)
	if err != nil || !ok {
		return nil, cursor, err
	}
	next := res.Cursor
	if next < cursor {
		next = cursor
	}
	if res.Result == nil {
		return nil, next, nil
	}

	result := &market.TaskResult{
		TaskID:          firstNonEmpty(res.Result.TaskID, res.Result.ID),
		Result:          res.Result.Result,
		AssignedAgentID: res.Result.AgentID,
		Cursor:          res.Result.Timestamp,
	}
	if original := res.Result.OriginalTask; original != nil {
		result.OriginalTask = market.OriginalTaskRef{
			ID:     firstNonEmpty(original.OriginalID, original.ID),
			Reward: numberToAmount(original.Reward),
		}
	}
	return result, next, nil
}

// SendResult delivers this agent's result for an assigned task.
func (c *Client) SendResult(ctx context.Context, taskID string, payload string) (market.SendReceipt, error) {
	msg := gatewayMessage{
		Process: c.cfg.MarketProcessID,
		Owner:   c.cfg.WalletID,
		Data:    payload,
		Tags: []tag{
			{Name: "Action", Value: actionSendResult},
			{Name: "Protocol", Value: protocolTag},
			{Name: "RedStone-Task-Id", Value: taskID},
			{Name: "RedStone-Agent-Id", Value: c.cfg.AgentID},
		},
	}
	reply, err := c.post(ctx, "/message", msg)
	if err != nil {
		return market.SendReceipt{}, &claraerrors.DeliveryError{Backend: c.Name(), TaskID: taskID, Err: err}
	}
	return market.SendReceipt{MessageID: reply.ID}, nil
}

func (c *Client) post(ctx context.Context, path string, msg gatewayMessage) (*gatewayReply, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	url := c.cfg.GatewayURL + path + "?process-id=" + c.cfg.MarketProcessID
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &claraerrors.TransientError{Err: err}
	}
	defer resp.Body.Close()

	data, err := httpclient.ReadBody(resp, maxResponseBodyBytes)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("gateway %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(data))
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return nil, &claraerrors.TransientError{Err: err, StatusCode: resp.StatusCode}
		}
		return nil, &claraerrors.PermanentError{Err: err, StatusCode: resp.StatusCode}
	}

	var reply gatewayReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("gateway %s: malformed reply: %w", path, err)
	}
	if reply.Error != "" {
		return nil, &claraerrors.PermanentError{Err: fmt.Errorf("process error: %s", reply.Error)}
	}
	return &reply, nil
}

// decodeProcessData parses the first process message data field, repairing
// sloppy JSON the way agent output tends to need.
func decodeProcessData(reply *gatewayReply, out any) error {
	ok, err := decodeOptionalProcessData(reply, out)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("process returned no message")
	}
	return nil
}

func decodeOptionalProcessData(reply *gatewayReply, out any) (bool, error) {
	if len(reply.Messages) == 0 {
		return false, nil
	}
	data := reply.Messages[0].Data
	if data == "" || data == "null" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(data)
		if repairErr != nil {
			return false, fmt.Errorf("malformed process data: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), out); err != nil {
			return false, fmt.Errorf("malformed process data: %w", err)
		}
	}
	return true, nil
}

func (p *taskPayload) toTask() *market.Task {
	strategy, err := market.ParseStrategy(p.MatchingStrategy)
	if err != nil {
		strategy = market.Strategy(p.MatchingStrategy)
	}
	return &market.Task{
		ID:         p.ID,
		OriginalID: p.OriginalID,
		Requester:  p.Requester,
		AgentID:    p.AgentID,
		ContextID:  p.ContextID.String(),
		Topic:      p.Topic,
		Payload:    p.Payload,
		Strategy:   strategy,
		Reward:     numberToAmount(p.Reward),
		Cursor:     p.Timestamp,
	}
}

func formatAssignment(a market.Assignment) string {
	if a.NumberOfAgents > 1 {
		return fmt.Sprintf("-- Task %s\nAssigned to: %d agents\n", a.TaskID, a.NumberOfAgents)
	}
	return fmt.Sprintf("-- Task %s\nReward: %s\nC.L.A.R.A. req: https://www.ao.link/#/message/%s\n",
		a.TaskID, a.Fee, a.TaskID)
}

func numberToAmount(n json.Number) market.Amount {
	if n == "" {
		return market.Amount{}
	}
	amount, err := market.ParseAmount(n.String())
	if err != nil {
		return market.Amount{}
	}
	return amount
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
