// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/counterfactual/go-node/channel"
)

// MiddlewareContext is what application validation sees of a protocol step.
type MiddlewareContext struct {
	Protocol Name
	Role     Role
	Channel  *channel.StateChannel
	App      *channel.AppInstance
	Proposal *channel.Proposal
	// Action is set for takeAction, NewState for update.
	Action   []byte
	NewState []byte
}

// Validator is application-supplied validation, dispatched by app
// definition. Returning an error rejects the step; the reason is propagated
// to the caller verbatim.
type Validator interface {
	Validate(proto Name, mctx *MiddlewareContext) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(proto Name, mctx *MiddlewareContext) error

func (f ValidatorFunc) Validate(proto Name, mctx *MiddlewareContext) error {
	return f(proto, mctx)
}

// ValidatorRegistry maps app definitions to their validators. Steps whose
// app has no registered validator pass by default.
type ValidatorRegistry struct {
	mu    sync.RWMutex
	byApp map[common.Address]Validator
}

// NewValidatorRegistry returns an empty registry.
func NewValidatorRegistry() *ValidatorRegistry {
	return &ValidatorRegistry{byApp: map[common.Address]Validator{}}
}

// Register installs v for the given app definition, replacing any previous
// validator.
func (r *ValidatorRegistry) Register(appDefinition common.Address, v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byApp[appDefinition] = v
}

// Validate dispatches to the validator registered for the step's app.
func (r *ValidatorRegistry) Validate(proto Name, mctx *MiddlewareContext) error {
	var appDefinition common.Address
	switch {
	case mctx.App != nil:
		appDefinition = mctx.App.Identity.AppDefinition
	case mctx.Proposal != nil:
		appDefinition = mctx.Proposal.Identity.AppDefinition
	default:
		return nil
	}
	r.mu.RLock()
	v, ok := r.byApp[appDefinition]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return v.Validate(proto, mctx)
}
