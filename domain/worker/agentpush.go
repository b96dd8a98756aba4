package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/trigger-pipeline/infrastructure/errors"
)

// AgentRegistry resolves a logical agent id to its currently connected
// websocket server, if any. A miss means the agent is offline, which is a
// retriable condition: it may reconnect before the job's retry budget is
// exhausted.
type AgentRegistry interface {
	Connection(agentID string) (*websocket.Conn, bool)
}

// ConnRegistry is an in-memory AgentRegistry keyed by agent id, populated by
// the agent-facing websocket listener as connections come and go.
type ConnRegistry struct {
	mu    sync.RWMutex
	conns map[string]*websocket.Conn
}

// NewConnRegistry constructs an empty ConnRegistry.
func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{conns: make(map[string]*websocket.Conn)}
}

// Register associates agentID with conn, replacing any prior connection.
func (r *ConnRegistry) Register(agentID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[agentID] = conn
}

// Unregister removes agentID's connection if it still matches conn (avoids
// racing a stale disconnect against a newer reconnect).
func (r *ConnRegistry) Unregister(agentID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.conns[agentID]; ok && existing == conn {
		delete(r.conns, agentID)
	}
}

// Connection implements AgentRegistry.
func (r *ConnRegistry) Connection(agentID string) (*websocket.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[agentID]
	return conn, ok
}

// AgentPushHandler delivers an action by pushing a JSON message over an
// agent's live websocket connection, discovered through a registry.
type AgentPushHandler struct {
	registry AgentRegistry
	mu       sync.Mutex // serializes concurrent writes across all connections
}

// NewAgentPushHandler constructs an AgentPushHandler backed by registry.
func NewAgentPushHandler(registry AgentRegistry) *AgentPushHandler {
	return &AgentPushHandler{registry: registry}
}

func (h *AgentPushHandler) Execute(ctx context.Context, job Job) Result {
	agentID, _ := job.Config["agent_id"].(string)
	if agentID == "" {
		return Result{Success: false, Retriable: false, Err: errors.WorkerTemplateInvalid("agent_id", nil)}
	}

	messageTemplate, _ := job.Config["message_template"].(string)
	var payload interface{}
	if messageTemplate != "" {
		rendered, err := RenderTemplate(messageTemplate, job.Event.TemplateData(job.ChainName))
		if err != nil {
			return Result{Success: false, Retriable: false, Err: err}
		}
		payload = map[string]interface{}{"trigger_id": job.TriggerID, "message": rendered}
	} else {
		payload = map[string]interface{}{"trigger_id": job.TriggerID, "event": job.Event.TemplateData(job.ChainName)}
	}

	conn, ok := h.registry.Connection(agentID)
	if !ok {
		return Result{Success: false, Retriable: true, Err: errors.WorkerDeliveryFailed("agent-push", fmt.Errorf("agent %s not connected", agentID))}
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Success: false, Retriable: false, Err: errors.WorkerTemplateInvalid("payload", err)}
	}

	h.mu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	writeErr := conn.WriteMessage(websocket.TextMessage, body)
	h.mu.Unlock()

	if writeErr != nil {
		return Result{Success: false, Retriable: true, Err: errors.WorkerDeliveryFailed("agent-push", writeErr)}
	}

	return Result{Success: true, ResponseData: body}
}
