// Package story implements the chain marketplace backend. The market
// contract is reached through the protocol's relay API, which signs and
// submits transactions and indexes contract events; pagination uses
// block-number cursors and fees are denominated in wei.
package story

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kaptinlin/jsonrepair"

	claraerrors "clara/internal/errors"
	"clara/internal/httpclient"
	"clara/internal/logging"
	"clara/internal/market"
)

const (
	maxResponseBodyBytes = 4 << 20
	defaultRelayTimeout  = 30 * time.Second
)

// Config describes the relay endpoint and agent identity.
type Config struct {
	APIURL          string
	ContractAddress string
	AgentID         string // profile id registered with the market
	WalletID        string // EVM account address of this agent
	PrivateKey      string // relay signer credential
	Timeout         time.Duration
}

// Client talks to the market contract through the relay API.
type Client struct {
	cfg    Config
	http   *http.Client
	logger logging.Logger
}

// New builds the chain backend.
func New(cfg Config, logger logging.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRelayTimeout
	}
	return &Client{
		cfg:    cfg,
		http:   httpclient.NewWithCircuitBreaker(cfg.Timeout, logger, "story-relay"),
		logger: logging.OrNop(logger),
	}
}

// Name identifies this backend in logs, metrics and receipts.
func (c *Client) Name() string {
	return "story"
}

// taskPayload is the relay's task shape. Chain-native numerics arrive as
// JSON numbers or decimal strings and are normalized here.
type taskPayload struct {
	ID               json.Number `json:"id"`
	ParentTaskID     json.Number `json:"parentTaskId"`
	ContextID        json.Number `json:"contextId"`
	Requester        string      `json:"requester"`
	AgentID          string      `json:"agentId"`
	Topic            string      `json:"topic"`
	Payload          string      `json:"payload"`
	MatchingStrategy string      `json:"matchingStrategy"`
	Reward           string      `json:"reward"` // wei
	BlockNumber      int64       `json:"blockNumber"`
}

type registerEnvelope struct {
	TxHash      string       `json:"txHash"`
	BlockNumber int64        `json:"blockNumber"`
	Task        *taskPayload `json:"task"`
}

type taskEnvelope struct {
	Task *taskPayload `json:"task"`
}

type resultEnvelope struct {
	Cursor int64 `json:"cursor"`
	Result *struct {
		ID           json.Number `json:"id"`
		TaskID       json.Number `json:"taskId"`
		Result       string      `json:"result"`
		AgentID      string      `json:"agentId"`
		BlockNumber  int64       `json:"blockNumber"`
		OriginalTask *struct {
			ID     json.Number `json:"id"`
			Reward string      `json:"reward"`
		} `json:"originalTask"`
	} `json:"result"`
}

type sendEnvelope struct {
	TxHash string `json:"txHash"`
}

// RegisterTask relays one registerTask transaction and waits for inclusion;
// the assignment carries the transaction hash and the inclusion block, which
// seeds result polling.
func (c *Client) RegisterTask(ctx context.Context, req market.TaskRequest) (market.Assignment, error) {
	reward := req.Reward
	if reward.IsZero() {
		reward = defaultReward()
	}
	body := map[string]string{
		"topic":            req.Topic,
		"payload":          req.Payload,
		"matchingStrategy": string(req.Strategy),
		"reward":           reward.Wei().String(),
		"agentId":          c.cfg.AgentID,
	}
	var envelope registerEnvelope
	if err := c.call(ctx, http.MethodPost, c.taskPath(""), body, &envelope); err != nil {
		return market.Assignment{}, &claraerrors.RegistrationError{Backend: c.Name(), Err: err}
	}
	if envelope.Task == nil {
		return market.Assignment{}, &claraerrors.RegistrationError{
			Backend: c.Name(),
			Err:     fmt.Errorf("relay confirmed tx %s without a task record", envelope.TxHash),
		}
	}

	assignment := market.Assignment{
		TaskID:         envelope.Task.ID.String(),
		NumberOfAgents: 1, // the contract assigns exactly one agent per task
		Fee:            weiToAmount(envelope.Task.Reward),
		Cursor:         envelope.BlockNumber,
		TxHash:         envelope.TxHash,
	}
	assignment.Receipt = formatAssignment(assignment)
	return assignment, nil
}

// RegisterAgent relays a registerAgent transaction for this profile.
func (c *Client) RegisterAgent(ctx context.Context, profile market.AgentProfile) error {
	metadata, err := json.Marshal(map[string]string{"description": profile.Description})
	if err != nil {
		return err
	}
	body := map[string]string{
		"agentId":  profile.AgentID,
		"topic":    profile.Topic,
		"fee":      profile.Fee.Wei().String(),
		"metadata": string(metadata),
	}
	var envelope sendEnvelope
	if err := c.call(ctx, http.MethodPost, c.marketPath("/agents"), body, &envelope); err != nil {
		return fmt.Errorf("register agent %s: %w", profile.AgentID, err)
	}
	return nil
}

// LoadNextAssignedTask reads the next task assigned to this agent strictly
// after the cursor block. The relay's fromBlock filter is inclusive, so the
// query starts one block past the cursor. Pure read against the relay index.
func (c *Client) LoadNextAssignedTask(ctx context.Context, cursor int64) (*market.Task, error) {
	query := url.Values{
		"agent":     {c.cfg.WalletID},
		"fromBlock": {strconv.FormatInt(cursor+1, 10)},
	}
	var envelope taskEnvelope
	if err := c.call(ctx, http.MethodGet, c.taskPath("/next")+"?"+query.Encode(), nil, &envelope); err != nil {
		return nil, err
	}
	if envelope.Task == nil {
		return nil, nil
	}
	return envelope.Task.toTask(), nil
}

// LoadNextTaskResult reads the next result addressed to this agent as a
// requester. The relay always returns an advanced cursor, hit or miss.
func (c *Client) LoadNextTaskResult(ctx context.Context, cursor int64) (*market.TaskResult, int64, error) {
	query := url.Values{
		"requester": {c.cfg.WalletID},
		"fromBlock": {strconv.FormatInt(cursor, 10)},
	}
	var envelope resultEnvelope
	if err := c.call(ctx, http.MethodGet, c.marketPath("/results/next")+"?"+query.Encode(), nil, &envelope); err != nil {
		return nil, cursor, err
	}
	next := envelope.Cursor
	if next < cursor {
		next = cursor
	}
	if envelope.Result == nil {
		return nil, next, nil
	}

	result := &market.TaskResult{
		TaskID:          envelope.Result.TaskID.String(),
		Result:          envelope.Result.Result,
		AssignedAgentID: envelope.Result.AgentID,
		Cursor:          envelope.Result.BlockNumber,
	}
	if result.TaskID == "" {
		result.TaskID = envelope.Result.ID.String()
	}
	if original := envelope.Result.OriginalTask; original != nil {
		result.OriginalTask = market.OriginalTaskRef{
			ID:     original.ID.String(),
			Reward: weiToAmount(original.Reward),
		}
	}
	return result, next, nil
}

// SendResult relays a sendResult transaction for an assigned task.
func (c *Client) SendResult(ctx context.Context, taskID string, payload string) (market.SendReceipt, error) {
	body := map[string]string{
		"taskId": taskID,
		"result": payload,
	}
	var envelope sendEnvelope
	if err := c.call(ctx, http.MethodPost, c.taskPath("/"+taskID+"/result"), body, &envelope); err != nil {
		return market.SendReceipt{}, &claraerrors.DeliveryError{Backend: c.Name(), TaskID: taskID, Err: err}
	}
	return market.SendReceipt{TxHash: envelope.TxHash}, nil
}

func (c *Client) marketPath(suffix string) string {
	return "/markets/" + c.cfg.ContractAddress + suffix
}

func (c *Client) taskPath(suffix string) string {
	return c.marketPath("/tasks" + suffix)
}

func (c *Client) call(ctx context.Context, method, path string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.cfg.APIURL+path, reader)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.PrivateKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.PrivateKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return &claraerrors.TransientError{Err: err}
	}
	defer resp.Body.Close()

	data, err := httpclient.ReadBody(resp, maxResponseBodyBytes)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("relay %s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return &claraerrors.TransientError{Err: err, StatusCode: resp.StatusCode}
		}
		return &claraerrors.PermanentError{Err: err, StatusCode: resp.StatusCode}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(string(data))
		if repairErr != nil {
			return fmt.Errorf("relay %s: malformed reply: %w", path, err)
		}
		if err := json.Unmarshal([]byte(repaired), out); err != nil {
			return fmt.Errorf("relay %s: malformed reply: %w", path, err)
		}
	}
	return nil
}

func (p *taskPayload) toTask() *market.Task {
	strategy, err := market.ParseStrategy(p.MatchingStrategy)
	if err != nil {
		strategy = market.Strategy(p.MatchingStrategy)
	}
	return &market.Task{
		ID:         p.ID.String(),
		OriginalID: p.ParentTaskID.String(),
		Requester:  p.Requester,
		AgentID:    p.AgentID,
		ContextID:  p.ContextID.String(),
		Topic:      p.Topic,
		Payload:    p.Payload,
		Strategy:   strategy,
		Reward:     weiToAmount(p.Reward),
		Cursor:     p.BlockNumber,
	}
}

func formatAssignment(a market.Assignment) string {
	if a.NumberOfAgents > 1 {
		return fmt.Sprintf("-- Task %s\nAssigned to: %d agents\n", a.TaskID, a.NumberOfAgents)
	}
	return fmt.Sprintf("-- Task %s\nReward: %s\nC.L.A.R.A. req: https://aeneid.storyscan.xyz/tx/%s\n",
		a.TaskID, a.Fee, a.TxHash)
}

// defaultReward is applied when a registration names no reward: 0.1 token.
func defaultReward() market.Amount {
	amount, err := market.ParseAmount("0.1")
	if err != nil {
		panic(err)
	}
	return amount
}

func weiToAmount(raw string) market.Amount {
	if raw == "" {
		return market.Amount{}
	}
	wei, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return market.Amount{}
	}
	return market.AmountFromWei(wei)
}
