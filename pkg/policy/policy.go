package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/CARMIN-org/CARMIN-server/pkg/identity"
	"github.com/CARMIN-org/CARMIN-server/pkg/telemetry"
)

// Action is an execution operation subject to the policy.
type Action string

const (
	// ActionRead covers get, results, stdout, stderr and audit.
	ActionRead   Action = "read"
	ActionPlay   Action = "play"
	ActionUpdate Action = "update"
	ActionKill   Action = "kill"
	ActionDelete Action = "delete"
)

// Query is the decision every module must define.
const Query = "data.carmin.executions.allow"

// DefaultModule is used when no module is configured.
const DefaultModule = `package carmin.executions

default allow := false

owner_only := {"play", "update"}

allow if input.user.username == input.owner

allow if {
	input.user.role == "admin"
	not owner_only[input.action]
}
`

// Input is the document a decision is made on.
type Input struct {
	User   identity.User `json:"user"`
	Action Action        `json:"action"`
	Owner  string        `json:"owner"`
}

// Engine evaluates a prepared access policy.
type Engine struct {
	query  rego.PreparedEvalQuery
	name   string
	logger *telemetry.Logger
}

// NewEngine compiles module. An empty module selects DefaultModule.
func NewEngine(ctx context.Context, name, module string, logger *telemetry.Logger) (*Engine, error) {
	if module == "" {
		name, module = "default.rego", DefaultModule
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	query, err := rego.New(
		rego.Query(Query),
		rego.Module(name, module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile access policy %s: %w", name, err)
	}

	logger.NewComponentLogger("policy").WithField("policy", name).Debug("access policy compiled")
	return &Engine{query: query, name: name, logger: logger.NewComponentLogger("policy")}, nil
}

// Load compiles the module at path, or DefaultModule when path is empty.
func Load(ctx context.Context, path string, logger *telemetry.Logger) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, "", "", logger)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read access policy: %w", err)
	}
	return NewEngine(ctx, path, string(data), logger)
}

// Name returns the module name the engine was compiled from.
func (e *Engine) Name() string {
	return e.name
}

// Allowed reports whether in is permitted. An undefined decision denies.
func (e *Engine) Allowed(ctx context.Context, in Input) (bool, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return false, fmt.Errorf("access policy evaluation failed: %w", err)
	}

	allowed := rs.Allowed()
	if !allowed {
		e.logger.WithUser(in.User.Username).
			WithField("action", string(in.Action)).
			WithField("owner", in.Owner).
			Debug("access denied by policy")
	}
	return allowed, nil
}
