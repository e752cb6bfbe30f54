// Copyright 2025 The Genesis Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package monitoring carries the causal topology of a deployment: durable
// node and edge samples that mirror participants and their relationships,
// and transient activity events grouped into chains. Observers rebuild the
// live graph from these topics alone.
package monitoring

import "time"

// NodeState is the lifecycle state of one participant.
type NodeState string

const (
	StateDiscovering NodeState = "DISCOVERING"
	StateReady       NodeState = "READY"
	StateBusy        NodeState = "BUSY"
	StateDegraded    NodeState = "DEGRADED"
	StateOffline     NodeState = "OFFLINE"
)

// NodeType classifies a topology node.
type NodeType string

const (
	NodeInterface NodeType = "INTERFACE"
	NodeAgent     NodeType = "AGENT"
	NodeService   NodeType = "SERVICE"
	NodeFunction  NodeType = "FUNCTION"
)

// EdgeType classifies a topology edge.
type EdgeType string

const (
	EdgeInterfaceToAgent EdgeType = "INTERFACE_TO_AGENT"
	EdgeAgentToAgent     EdgeType = "AGENT_TO_AGENT"
	EdgeAgentToService   EdgeType = "AGENT_TO_SERVICE"
	EdgeServiceToFunc    EdgeType = "SERVICE_TO_FUNCTION"
)

// Node mirrors one participant on the durable topology topic.
type Node struct {
	ID       string            `json:"id"`
	Type     NodeType          `json:"type"`
	State    NodeState         `json:"state"`
	Name     string            `json:"name,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Edge mirrors one active relationship on the durable topology topic.
type Edge struct {
	Key    string   `json:"edge_key"`
	Type   EdgeType `json:"type"`
	Source string   `json:"source"`
	Target string   `json:"target"`
}

// EdgeKey derives the stable key of an edge.
func EdgeKey(t EdgeType, source, target string) string {
	return string(t) + ":" + source + ":" + target
}

// ActivityType classifies a chain event.
type ActivityType string

const (
	ActivityRequest  ActivityType = "REQUEST"
	ActivityResponse ActivityType = "RESPONSE"
	ActivityError    ActivityType = "ERROR"
	ActivityStart    ActivityType = "START"
	ActivityComplete ActivityType = "COMPLETE"
	ActivityCall     ActivityType = "CALL"
	ActivityResult   ActivityType = "RESULT"
)

// Activity is one transient chain event on the volatile activity topic.
type Activity struct {
	ChainID    string       `json:"chain_id"`
	Type       ActivityType `json:"activity_type"`
	Source     string       `json:"source"`
	Target     string       `json:"target"`
	Operation  string       `json:"operation,omitempty"`
	Status     int          `json:"status"`
	DurationMS int64        `json:"duration_ms,omitempty"`
	Payload    string       `json:"payload,omitempty"`
	Error      string       `json:"error,omitempty"`
	At         time.Time    `json:"at"`
}
