package srvreg

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ahmadzakiakmal/supplychain-provenance/client"
	"github.com/ahmadzakiakmal/supplychain-provenance/contract"
	"github.com/ahmadzakiakmal/supplychain-provenance/items"
	"github.com/ahmadzakiakmal/supplychain-provenance/ledger"
	"github.com/ahmadzakiakmal/supplychain-provenance/repository"
	"github.com/ahmadzakiakmal/supplychain-provenance/roles"
)

var transitionActions = []string{"pack", "sell", "buy", "ship", "receive", "purchase", "advance"}

const defaultMirrorLimit = 100

// SessionHandler describes the active session
func (sr *ServiceRegistry) SessionHandler(req *Request) (*Response, error) {
	s, err := sr.client.Session()
	if err != nil {
		return sr.errorResponse(req, err), nil
	}
	return jsonResponse(http.StatusOK, map[string]interface{}{
		"session":  s.ID,
		"account":  s.Account,
		"accounts": s.Accounts,
		"balance":  s.Balance,
		"network":  s.Network,
		"provider": s.Provider,
		"endpoint": s.Endpoint,
		"contract": s.Binding.Contract(),
		"epoch":    sr.client.Synchronizer().Epoch(),
	}), nil
}

// HasRoleHandler checks role membership: GET /roles/:role/:account
func (sr *ServiceRegistry) HasRoleHandler(req *Request) (*Response, error) {
	parts := strings.Split(req.Path, "/")
	reg, err := sr.client.Roles()
	if err != nil {
		return sr.errorResponse(req, err), nil
	}
	held, err := reg.HasRoleString(req.Context(), parts[3], parts[2])
	if err != nil {
		return sr.errorResponse(req, err), nil
	}
	return jsonResponse(http.StatusOK, map[string]interface{}{
		"role":    parts[2],
		"account": parts[3],
		"held":    held,
	}), nil
}

type roleBody struct {
	Actor  string `json:"actor"`
	Target string `json:"target"`
	Role   string `json:"role"`
}

// GrantRoleHandler grants a role: POST /roles/grant
func (sr *ServiceRegistry) GrantRoleHandler(req *Request) (*Response, error) {
	var body roleBody
	if resp := decodeBody(req, &body); resp != nil {
		return resp, nil
	}
	reg, err := sr.client.Roles()
	if err != nil {
		return sr.errorResponse(req, err), nil
	}
	actor, err := sr.actor(body.Actor)
	if err != nil {
		return sr.errorResponse(req, err), nil
	}
	target, err := contract.ParseAddress(body.Target)
	if err != nil {
		return sr.errorResponse(req, err), nil
	}
	role, err := contract.ParseRole(body.Role)
	if err != nil {
		return sr.errorResponse(req, err), nil
	}

	res, err := reg.GrantRole(req.Context(), actor, target, role)
	if err != nil {
		return sr.errorResponse(req, err), nil
	}
	return jsonResponse(http.StatusOK, res), nil
}

// RenounceRoleHandler renounces a role of the actor: POST /roles/renounce
func (sr *ServiceRegistry) RenounceRoleHandler(req *Request) (*Response, error) {
	var body roleBody
	if resp := decodeBody(req, &body); resp != nil {
		return resp, nil
	}
	if body.Target != "" {
		return jsonError(http.StatusBadRequest, "renounce takes no target, roles are renounced by their holder"), nil
	}
	reg, err := sr.client.Roles()
	if err != nil {
		return sr.errorResponse(req, err), nil
	}
	actor, err := sr.actor(body.Actor)
	if err != nil {
		return sr.errorResponse(req, err), nil
	}
	role, err := contract.ParseRole(body.Role)
	if err != nil {
		return sr.errorResponse(req, err), nil
	}

	res, err := reg.RenounceRole(req.Context(), actor, role)
	if err != nil {
		return sr.errorResponse(req, err), nil
	}
	return jsonResponse(http.StatusOK, res), nil
}

type itemBody struct {
	Actor       string   `json:"actor"`
	SKU         uint64   `json:"sku"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Price       *big.Int `json:"price"`
	Payment     *big.Int `json:"payment"`
}

// ManufactureHandler creates an item: POST /items
func (sr *ServiceRegistry) ManufactureHandler(req *Request) (*Response, error) {
	var body itemBody
	if resp := decodeBody(req, &body); resp != nil {
		return resp, nil
	}
	if body.Price == nil {
		return jsonError(http.StatusBadRequest, "price is required"), nil
	}
	m, err := sr.client.Items()
	if err != nil {
		return sr.errorResponse(req, err), nil
	}
	actor, err := sr.actor(body.Actor)
	if err != nil {
		return sr.errorResponse(req, err), nil
	}

	res, err := m.Manufacture(req.Context(), actor, body.SKU, body.Name, body.Description, body.Price)
	if err != nil {
		return sr.errorResponse(req, err), nil
	}
	return jsonResponse(http.StatusCreated, res), nil
}

// FetchItemHandler reads an item: GET /items/:sku
func (sr *ServiceRegistry) FetchItemHandler(req *Request) (*Response, error) {
	sku, err := skuFromPath(req.Path)
	if err != nil {
		return jsonError(http.StatusBadRequest, err.Error()), nil
	}
	m, err := sr.client.Items()
	if err != nil {
		return sr.errorResponse(req, err), nil
	}
	it, err := m.Fetch(req.Context(), sku)
	if err != nil {
		return sr.errorResponse(req, err), nil
	}
	return jsonResponse(http.StatusOK, map[string]interface{}{
		"item":       it,
		"state_name": it.State.String(),
	}), nil
}

// ProvenanceHandler lists the committed events of an item:
// GET /items/:sku/provenance
func (sr *ServiceRegistry) ProvenanceHandler(req *Request) (*Response, error) {
	sku, err := skuFromPath(req.Path)
	if err != nil {
		return jsonError(http.StatusBadRequest, err.Error()), nil
	}
	m, err := sr.client.Items()
	if err != nil {
		return sr.errorResponse(req, err), nil
	}
	steps, err := m.Provenance(req.Context(), sku)
	if err != nil {
		return sr.errorResponse(req, err), nil
	}
	return jsonResponse(http.StatusOK, map[string]interface{}{
		"sku":   sku,
		"steps": steps,
	}), nil
}

// TransitionHandler advances an item: POST /items/:sku/<action>
func (sr *ServiceRegistry) TransitionHandler(req *Request) (*Response, error) {
	sku, err := skuFromPath(req.Path)
	if err != nil {
		return jsonError(http.StatusBadRequest, err.Error()), nil
	}
	action := req.Path[strings.LastIndex(req.Path, "/")+1:]

	var body itemBody
	if req.Body != "" {
		if resp := decodeBody(req, &body); resp != nil {
			return resp, nil
		}
	}
	m, err := sr.client.Items()
	if err != nil {
		return sr.errorResponse(req, err), nil
	}
	actor, err := sr.actor(body.Actor)
	if err != nil {
		return sr.errorResponse(req, err), nil
	}

	ctx := req.Context()
	var res items.Result
	switch action {
	case "pack":
		res, err = m.Pack(ctx, actor, sku)
	case "sell":
		res, err = m.MarkForSale(ctx, actor, sku, body.Price)
	case "buy":
		res, err = m.Buy(ctx, actor, sku, body.Payment)
	case "ship":
		res, err = m.Ship(ctx, actor, sku)
	case "receive":
		res, err = m.Receive(ctx, actor, sku)
	case "purchase":
		res, err = m.Purchase(ctx, actor, sku, body.Payment)
	case "advance":
		amount := body.Payment
		if amount == nil {
			amount = body.Price
		}
		res, err = m.Advance(ctx, actor, sku, amount)
	default:
		return jsonError(http.StatusNotFound, fmt.Sprintf("unknown action %q", action)), nil
	}
	if err != nil {
		return sr.errorResponse(req, err), nil
	}
	return jsonResponse(http.StatusOK, res), nil
}

// TransactionsHandler lists the synchronized history of the session, or the
// mirrored history with ?source=mirror.
func (sr *ServiceRegistry) TransactionsHandler(req *Request) (*Response, error) {
	if req.Query.Get("source") != "mirror" {
		history := sr.client.History()
		return jsonResponse(http.StatusOK, map[string]interface{}{
			"epoch":        sr.client.Synchronizer().Epoch(),
			"count":        len(history),
			"transactions": history,
		}), nil
	}

	if sr.repository == nil {
		return jsonError(http.StatusNotFound, "history mirror is not configured"), nil
	}
	if raw := req.Query.Get("sku"); raw != "" {
		sku, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return jsonError(http.StatusBadRequest, "invalid sku: "+raw), nil
		}
		events, repoErr := sr.repository.EventsBySKU(req.Context(), sku)
		if repoErr != nil {
			return sr.errorResponse(req, repoErr), nil
		}
		return jsonResponse(http.StatusOK, map[string]interface{}{"count": len(events), "events": events}), nil
	}

	limit := defaultMirrorLimit
	if raw := req.Query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return jsonError(http.StatusBadRequest, "invalid limit: "+raw), nil
		}
		limit = n
	}
	events, repoErr := sr.repository.RecentEvents(req.Context(), limit)
	if repoErr != nil {
		return sr.errorResponse(req, repoErr), nil
	}
	return jsonResponse(http.StatusOK, map[string]interface{}{"count": len(events), "events": events}), nil
}

// actor parses raw, defaulting to the session's active account.
func (sr *ServiceRegistry) actor(raw string) (contract.Address, error) {
	if raw != "" {
		return contract.ParseAddress(raw)
	}
	s, err := sr.client.Session()
	if err != nil {
		return contract.EmptyAddress, err
	}
	return s.Account, nil
}

// errorResponse maps domain errors onto HTTP status codes.
func (sr *ServiceRegistry) errorResponse(req *Request, err error) *Response {
	var (
		invalidAddr *contract.InvalidAddressError
		unknownRole *contract.UnknownRoleError
		transition  *items.TransitionRejectedError
		reverted    *ledger.RevertedError
		rejected    *ledger.RejectedError
		repoErr     *repository.RepositoryError
	)

	switch {
	case errors.Is(err, client.ErrNotConnected):
		return jsonError(http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &invalidAddr), errors.As(err, &unknownRole), errors.As(err, &rejected):
		return jsonError(http.StatusBadRequest, err.Error())
	case errors.Is(err, items.ErrNotFound):
		return jsonError(http.StatusNotFound, err.Error())
	case errors.Is(err, roles.ErrRoleAlreadyHeld), errors.Is(err, roles.ErrRoleNotHeld), errors.Is(err, items.ErrTerminal):
		return jsonError(http.StatusConflict, err.Error())
	case errors.As(err, &transition):
		return jsonResponse(http.StatusUnprocessableEntity, map[string]interface{}{
			"error":   err.Error(),
			"reason":  transition.Reason,
			"target":  transition.Target.String(),
			"receipt": transition.Receipt,
		})
	case errors.As(err, &reverted):
		return jsonResponse(http.StatusUnprocessableEntity, map[string]interface{}{
			"error":   err.Error(),
			"reason":  reverted.Reason,
			"receipt": reverted.Receipt,
		})
	case errors.As(err, &repoErr):
		status := http.StatusInternalServerError
		if repoErr.Code == repository.CodeNotFound {
			status = http.StatusNotFound
		}
		return jsonError(status, repoErr.Message)
	}

	sr.logger.Error("Ledger request failed", "path", req.Path, "request_id", req.RequestID, "err", err)
	return jsonError(http.StatusBadGateway, err.Error())
}

func decodeBody(req *Request, out interface{}) *Response {
	if err := json.Unmarshal([]byte(req.Body), out); err != nil {
		return jsonError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	return nil
}

// skuFromPath reads the segment after /items/.
func skuFromPath(path string) (uint64, error) {
	parts := strings.Split(path, "/")
	if len(parts) < 3 {
		return 0, fmt.Errorf("invalid path format")
	}
	sku, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid sku: %s", parts[2])
	}
	return sku, nil
}

func jsonResponse(status int, v interface{}) *Response {
	body, err := json.Marshal(v)
	if err != nil {
		return jsonError(http.StatusInternalServerError, "Failed to encode response: "+err.Error())
	}
	return &Response{
		StatusCode: status,
		Headers:    defaultHeaders,
		Body:       string(body),
	}
}

func jsonError(status int, message string) *Response {
	body, _ := json.Marshal(map[string]string{"error": message})
	return &Response{
		StatusCode: status,
		Headers:    defaultHeaders,
		Body:       string(body),
		Error:      message,
	}
}
