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

// Package advertisement implements the single durable announcement topic
// that makes Genesis zero-configuration: every participant advertises what
// it is (AGENT) and what it hosts (FUNCTION) on one keyed map, and every
// listener converges on the same directory of live peers.
package advertisement

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind tags an advertisement as a peer agent or a callable function.
type Kind string

const (
	KindAgent    Kind = "AGENT"
	KindFunction Kind = "FUNCTION"
)

// AgentPayload describes an advertised agent.
type AgentPayload struct {
	Name            string   `json:"name"`
	Endpoint        string   `json:"endpoint"`
	Specializations []string `json:"specializations,omitempty"`
	Capabilities    []string `json:"capabilities,omitempty"`
	Description     string   `json:"description,omitempty"`
}

// FunctionPayload describes an advertised function.
type FunctionPayload struct {
	FunctionID      string          `json:"function_id"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	ParameterSchema json.RawMessage `json:"parameter_schema,omitempty"`
	ProviderGUID    string          `json:"provider_guid"`
	Endpoint        string          `json:"endpoint"`
}

// Advertisement is one live entry on the bus.
type Advertisement struct {
	Kind           Kind            `json:"kind"`
	AdvertiserGUID string          `json:"advertiser_guid"`
	Key            string          `json:"key"`
	Payload        json.RawMessage `json:"payload"`
}

// Agent decodes the payload of an AGENT advertisement.
func (a Advertisement) Agent() (AgentPayload, error) {
	var p AgentPayload
	if a.Kind != KindAgent {
		return p, fmt.Errorf("advertisement %q is not an agent advertisement", a.Key)
	}
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return p, fmt.Errorf("decode agent payload for %q: %w", a.Key, err)
	}
	return p, nil
}

// Function decodes the payload of a FUNCTION advertisement.
func (a Advertisement) Function() (FunctionPayload, error) {
	var p FunctionPayload
	if a.Kind != KindFunction {
		return p, fmt.Errorf("advertisement %q is not a function advertisement", a.Key)
	}
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return p, fmt.Errorf("decode function payload for %q: %w", a.Key, err)
	}
	return p, nil
}

// AgentKey builds the bus key owned by an agent advertiser.
func AgentKey(guid string) string { return "agent:" + guid }

// FunctionKey builds the bus key for one function hosted by a service.
func FunctionKey(guid, functionID string) string {
	return "function:" + guid + ":" + functionID
}

// ownerGUID extracts the advertiser guid from a bus key.
func ownerGUID(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// kindOf extracts the kind from a bus key.
func kindOf(key string) (Kind, bool) {
	switch {
	case strings.HasPrefix(key, "agent:"):
		return KindAgent, true
	case strings.HasPrefix(key, "function:"):
		return KindFunction, true
	}
	return "", false
}

// DiscoveryError reports an advertisement that could not be parsed or that
// violates bus policy. The entry is rejected; the process keeps running.
type DiscoveryError struct {
	Key    string
	Reason string
	Err    error
}

func (e *DiscoveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("discovery: %s (key %q): %v", e.Reason, e.Key, e.Err)
	}
	return fmt.Sprintf("discovery: %s (key %q)", e.Reason, e.Key)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }
