// Package engine provides the Agent Runner's (C5) pluggable AgentEngine
// implementations. Grounded on original_source/agent_runner/engine.py's
// create_engine factory, which raises on an unrecognized backend name;
// New follows the same fail-closed contract.
package engine

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/t-rhex/duckling/pkg/domain"
)

// New builds the domain.AgentEngine named by backend. "echo" is always
// available and is the config default (see config.EngineConfig.Backend);
// it requires no external AI credentials, making it the engine used by
// tests and local demos. "goose" and "copilot" name real CLI-backed
// engines a production deployment wires in; neither ships here because
// doing so would require bundling credentials/binaries this repository
// has no way to exercise, so New returns an error for them rather than a
// silently-broken stub.
func New(backend string, log *logrus.Entry) (domain.AgentEngine, error) {
	switch backend {
	case "echo", "":
		return NewEcho(log), nil
	default:
		return nil, fmt.Errorf("unknown agent engine backend %q", backend)
	}
}
