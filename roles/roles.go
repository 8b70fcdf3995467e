package roles

import (
	"context"
	"errors"
	"fmt"

	"github.com/ahmadzakiakmal/supplychain-provenance/contract"
	"github.com/ahmadzakiakmal/supplychain-provenance/ledger"
)

var (
	ErrRoleAlreadyHeld = errors.New("account already holds the role")
	ErrRoleNotHeld     = errors.New("account does not hold the role")
)

// Binding is the ledger access the registry needs.
type Binding interface {
	HasRole(ctx context.Context, role contract.Role, account contract.Address) (bool, error)
	Execute(ctx context.Context, tx *contract.Tx) (*ledger.Receipt, error)
}

var _ Binding = (*ledger.Binding)(nil)

// Result reports the ledger outcome of a membership change.
type Result struct {
	Receipt *ledger.Receipt `json:"receipt"`
	Success bool            `json:"success"`
}

// Registry reads and changes role membership through a ledger binding.
type Registry struct {
	binding Binding
}

func NewRegistry(b Binding) *Registry {
	return &Registry{binding: b}
}

// HasRole reports whether target holds role.
func (r *Registry) HasRole(ctx context.Context, target contract.Address, role contract.Role) (bool, error) {
	if err := validate(target, role); err != nil {
		return false, err
	}
	return r.binding.HasRole(ctx, role, target)
}

// HasRoleString parses its textual inputs before checking membership.
func (r *Registry) HasRoleString(ctx context.Context, target, role string) (bool, error) {
	addr, parsed, err := parse(target, role)
	if err != nil {
		return false, err
	}
	return r.HasRole(ctx, addr, parsed)
}

// GrantRole lets actor grant role to target. target must not hold the role
// yet. The ledger requires actor to hold role itself.
func (r *Registry) GrantRole(ctx context.Context, actor, target contract.Address, role contract.Role) (Result, error) {
	if err := validate(actor, role); err != nil {
		return Result{}, err
	}
	if err := validate(target, role); err != nil {
		return Result{}, err
	}
	held, err := r.binding.HasRole(ctx, role, target)
	if err != nil {
		return Result{}, err
	}
	if held {
		return Result{}, fmt.Errorf("grant %s to %s: %w", role, target, ErrRoleAlreadyHeld)
	}

	tx := contract.NewTx(contract.OpGrantRole, actor)
	tx.Target = target
	tx.Role = role
	return r.execute(ctx, tx)
}

// RenounceRole drops role from actor. There is no way to renounce on behalf
// of another account.
func (r *Registry) RenounceRole(ctx context.Context, actor contract.Address, role contract.Role) (Result, error) {
	if err := validate(actor, role); err != nil {
		return Result{}, err
	}
	held, err := r.binding.HasRole(ctx, role, actor)
	if err != nil {
		return Result{}, err
	}
	if !held {
		return Result{}, fmt.Errorf("renounce %s by %s: %w", role, actor, ErrRoleNotHeld)
	}

	tx := contract.NewTx(contract.OpRenounceRole, actor)
	tx.Role = role
	return r.execute(ctx, tx)
}

func (r *Registry) execute(ctx context.Context, tx *contract.Tx) (Result, error) {
	receipt, err := r.binding.Execute(ctx, tx)
	if err != nil {
		return Result{Receipt: receipt}, err
	}
	return Result{Receipt: receipt, Success: receipt.Status}, nil
}

func validate(account contract.Address, role contract.Role) error {
	if account.IsEmpty() {
		return &contract.InvalidAddressError{Input: account.String()}
	}
	if !role.Valid() {
		return &contract.UnknownRoleError{Value: role.String()}
	}
	return nil
}

func parse(account, role string) (contract.Address, contract.Role, error) {
	addr, err := contract.ParseAddress(account)
	if err != nil {
		return contract.EmptyAddress, 0, err
	}
	parsed, err := contract.ParseRole(role)
	if err != nil {
		return contract.EmptyAddress, 0, err
	}
	return addr, parsed, nil
}
