package ao

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	claraerrors "clara/internal/errors"
	"clara/internal/market"
)

// gatewayStub fakes the AO compute-unit gateway: it records the last posted
// message and replies with a canned process message.
type gatewayStub struct {
	t        *testing.T
	lastPath string
	lastMsg  gatewayMessage
	reply    string
	status   int
}

func (g *gatewayStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.lastPath = r.URL.Path
		assert.Equal(g.t, "mkt-process", r.URL.Query().Get("process-id"))
		assert.NoError(g.t, json.NewDecoder(r.Body).Decode(&g.lastMsg))
		if g.status != 0 {
			w.WriteHeader(g.status)
			return
		}
		fmt.Fprint(w, g.reply)
	}
}

func (g *gatewayStub) tagValue(name string) string {
	for _, tag := range g.lastMsg.Tags {
		if tag.Name == name {
			return tag.Value
		}
	}
	return ""
}

func newTestClient(t *testing.T, stub *gatewayStub) *Client {
	t.Helper()
	stub.t = t
	server := httptest.NewServer(stub.handler())
	t.Cleanup(server.Close)
	return New(Config{
		GatewayURL:      server.URL,
		MarketProcessID: "mkt-process",
		AgentID:         "agent-1",
		WalletID:        "wallet-1",
	}, nil)
}

func processReply(id string, data any) string {
	encoded, _ := json.Marshal(data)
	wrapper := map[string]any{
		"id":       id,
		"messages": []map[string]string{{"data": string(encoded)}},
	}
	out, _ := json.Marshal(wrapper)
	return string(out)
}

func TestRegisterTaskSendsProtocolTags(t *testing.T) {
	stub := &gatewayStub{reply: processReply("msg-1", map[string]any{
		"taskId":         "task-9",
		"numberOfAgents": 3,
		"fee":            50,
		"timestamp":      1111,
	})}
	client := newTestClient(t, stub)

	reward, _ := market.ParseAmount("7")
	assignment, err := client.RegisterTask(context.Background(), market.TaskRequest{
		Topic:    "chat",
		Payload:  `{"prompt":"hi"}`,
		Strategy: market.StrategyCheapest,
		Reward:   reward,
	})
	require.NoError(t, err)

	assert.Equal(t, "/message", stub.lastPath)
	assert.Equal(t, "Register-Task", stub.tagValue("Action"))
	assert.Equal(t, "C.L.A.R.A.", stub.tagValue("Protocol"))
	assert.Equal(t, "chat", stub.tagValue("RedStone-Agent-Topic"))
	assert.Equal(t, "7", stub.tagValue("RedStone-Agent-Reward"))
	assert.Equal(t, "cheapest", stub.tagValue("RedStone-Agent-Matching"))

	assert.Equal(t, "task-9", assignment.TaskID)
	assert.Equal(t, 3, assignment.NumberOfAgents)
	assert.Equal(t, int64(1111), assignment.Cursor)
	assert.Equal(t, "50", assignment.Fee.String())
	assert.Contains(t, assignment.Receipt, "task-9")
}

func TestRegisterTaskAppliesDefaultReward(t *testing.T) {
	stub := &gatewayStub{reply: processReply("msg-1", map[string]any{"taskId": "t"})}
	client := newTestClient(t, stub)

	_, err := client.RegisterTask(context.Background(), market.TaskRequest{
		Topic:   "chat",
		Payload: "p",
	})
	require.NoError(t, err)
	assert.Equal(t, "100", stub.tagValue("RedStone-Agent-Reward"))
}

func TestRegisterTaskRejectedByGateway(t *testing.T) {
	stub := &gatewayStub{status: http.StatusBadRequest}
	client := newTestClient(t, stub)

	_, err := client.RegisterTask(context.Background(), market.TaskRequest{Topic: "chat", Payload: "p"})
	require.Error(t, err)

	var regErr *claraerrors.RegistrationError
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, "ao", regErr.Backend)
	assert.False(t, claraerrors.IsTransient(err), "registration failures must not be retried blindly")
}

func TestLoadNextAssignedTask(t *testing.T) {
	stub := &gatewayStub{reply: processReply("msg-2", map[string]any{
		"id":        "task-4",
		"requester": "req-wallet",
		"topic":     "chat",
		"payload":   `{"prompt":"hi"}`,
		"reward":    100,
		"timestamp": 2222,
	})}
	client := newTestClient(t, stub)

	task, err := client.LoadNextAssignedTask(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, task)

	assert.Equal(t, "/dry-run", stub.lastPath)
	assert.Equal(t, "Load-Next-Assigned-Task", stub.tagValue("Action"))
	assert.Equal(t, "42", stub.tagValue("From-Timestamp"))
	assert.Equal(t, "task-4", task.ID)
	assert.Equal(t, "req-wallet", task.Requester)
	assert.Equal(t, int64(2222), task.Cursor)
	assert.Equal(t, "100", task.Reward.String())
}

func TestLoadNextAssignedTaskEmpty(t *testing.T) {
	stub := &gatewayStub{reply: `{"id":"msg-3","messages":[{"data":"null"}]}`}
	client := newTestClient(t, stub)

	task, err := client.LoadNextAssignedTask(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestLoadNextTaskResultAdvancesCursor(t *testing.T) {
	stub := &gatewayStub{reply: processReply("msg-4", map[string]any{
		"cursor": 5000,
		"result": map[string]any{
			"taskId":    "task-4",
			"result":    `{"answer":42}`,
			"agentId":   "agent-7",
			"timestamp": 4999,
			"originalTask": map[string]any{
				"originalId": "task-1",
				"reward":     100,
			},
		},
	})}
	client := newTestClient(t, stub)

	result, next, err := client.LoadNextTaskResult(context.Background(), 1000)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, int64(5000), next)
	assert.Equal(t, "task-4", result.TaskID)
	assert.Equal(t, "task-1", result.OriginalTask.ID)
	assert.Equal(t, "100", result.OriginalTask.Reward.String())
}

func TestLoadNextTaskResultNeverRewindsCursor(t *testing.T) {
	stub := &gatewayStub{reply: processReply("msg-5", map[string]any{"cursor": 10})}
	client := newTestClient(t, stub)

	result, next, err := client.LoadNextTaskResult(context.Background(), 9000)
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, int64(9000), next)
}

func TestSendResult(t *testing.T) {
	stub := &gatewayStub{reply: `{"id":"msg-6","messages":[]}`}
	client := newTestClient(t, stub)

	receipt, err := client.SendResult(context.Background(), "task-4", `{"answer":42}`)
	require.NoError(t, err)
	assert.Equal(t, "msg-6", receipt.MessageID)
	assert.Equal(t, "Send-Result", stub.tagValue("Action"))
	assert.Equal(t, "task-4", stub.tagValue("RedStone-Task-Id"))
	assert.Equal(t, `{"answer":42}`, stub.lastMsg.Data)
}

func TestSendResultProcessError(t *testing.T) {
	stub := &gatewayStub{reply: `{"id":"msg-7","error":"task not assigned to agent"}`}
	client := newTestClient(t, stub)

	_, err := client.SendResult(context.Background(), "task-4", "r")
	require.Error(t, err)

	var deliveryErr *claraerrors.DeliveryError
	require.ErrorAs(t, err, &deliveryErr)
	assert.Equal(t, "task-4", deliveryErr.TaskID)
}

func TestDecodeRepairsSloppyProcessJSON(t *testing.T) {
	// trailing comma, as LLM-generated process replies sometimes carry
	stub := &gatewayStub{reply: `{"id":"msg-8","messages":[{"data":"{\"taskId\":\"t-1\",}"}]}`}
	client := newTestClient(t, stub)

	assignment, err := client.RegisterTask(context.Background(), market.TaskRequest{Topic: "chat", Payload: "p"})
	require.NoError(t, err)
	assert.Equal(t, "t-1", assignment.TaskID)
}
