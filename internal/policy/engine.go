// Package policy decides whether a user may act on a session.
package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/reportlens/reportlens/pkg/session"
)

// ErrForbidden is returned by Authorize when the policy denies access.
var ErrForbidden = errors.New("forbidden")

// OwnershipPolicy grants access to a session only to its owner.
const OwnershipPolicy = `
package reportlens.session

default allow := false

allow if {
	input.user.id != ""
	input.session.userId == input.user.id
}
`

const query = "data.reportlens.session.allow"

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine prepares module for evaluation. An empty module uses OwnershipPolicy.
func NewEngine(ctx context.Context, module string) (*Engine, error) {
	if module == "" {
		module = OwnershipPolicy
	}

	prepared, err := rego.New(
		rego.Query(query),
		rego.Module("session_policy.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: prepared}, nil
}

// Allow reports whether userID may read or write sess.
func (e *Engine) Allow(ctx context.Context, userID string, sess *session.Session) (bool, error) {
	if sess == nil {
		return false, nil
	}

	input := map[string]any{
		"user": map[string]any{"id": userID},
		"session": map[string]any{
			"sessionId": sess.SessionID,
			"userId":    sess.UserID,
		},
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}

	allowed, ok := results[0].Expressions[0].Value.(bool)
	return ok && allowed, nil
}

// Authorize is Allow returning ErrForbidden on denial.
func (e *Engine) Authorize(ctx context.Context, userID string, sess *session.Session) error {
	ok, err := e.Allow(ctx, userID, sess)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("user %q on session %q: %w", userID, sess.SessionID, ErrForbidden)
	}
	return nil
}
