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

package fabric

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ParticipantKind classifies a process attached to the fabric.
type ParticipantKind string

const (
	KindInterface ParticipantKind = "INTERFACE"
	KindAgent     ParticipantKind = "AGENT"
	KindService   ParticipantKind = "SERVICE"
)

// AgentRPCSuffix disambiguates an agent's peer-facing endpoint from its
// interface-facing endpoint. Sharing a service name between the two causes
// silent misrouting, so the collision is rejected at construction.
const AgentRPCSuffix = "_AgentRPC"

// Participant identifies one process on the fabric.
type Participant struct {
	GUID string
	Kind ParticipantKind
	Name string
}

// NewParticipant mints a participant with a fresh guid.
func NewParticipant(kind ParticipantKind, name string) Participant {
	return Participant{GUID: uuid.NewString(), Kind: kind, Name: name}
}

// AgentEndpoint derives the peer-facing endpoint for an agent's base
// endpoint.
func AgentEndpoint(base string) string {
	return base + AgentRPCSuffix
}

// CheckEndpointCollision rejects an empty base endpoint and one that
// already ends in AgentRPCSuffix. A base can never equal its own derived
// endpoint (base+suffix), but a suffixed base can equal another agent's
// derived endpoint (other+suffix).
func CheckEndpointCollision(base string) error {
	if base == "" {
		return fmt.Errorf("fabric: endpoint name is required")
	}
	if strings.HasSuffix(base, AgentRPCSuffix) {
		return fmt.Errorf("fabric: endpoint %q collides with the agent-to-agent endpoint namespace (reserved suffix %q)", base, AgentRPCSuffix)
	}
	return nil
}
