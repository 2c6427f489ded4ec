package sharded

import (
	"context"
	"fmt"

	"github.com/taskrt/tracecore/pkg/tracecore/external"
	"github.com/taskrt/tracecore/pkg/tracecore/ids"
	"github.com/taskrt/tracecore/pkg/tracecore/template"
)

// updateViewUserRequest is the wire payload for MsgUpdateViewUser (§4.5.4):
// a shard forwards a ViewUser it recorded for a view it does not own back
// to the owning shard, so the owner's view_users table stays authoritative.
type updateViewUserRequest struct {
	View external.ViewID
	User template.ViewUser
}

// receiveViewUser applies an incoming UPDATE_VIEW_USER to this shard's own
// view_users table, going through the same conflict filter every local
// insert uses (by replaying it through RecordOpView at a synthetic,
// negative instruction index — the remote entry has no local instruction
// of its own). The sender's UserSlot is not carried over: the entry is
// stored with UserSlot -1.
func (t *Template) receiveViewUser(req updateViewUserRequest) {
	u := req.User
	t.RecordOpView(-1, req.View, u.Usage, u.Expr, u.Mask, u.Owner, u.Shard, u.ReduceOp)
}

// ViewOwner decides which shard owns a view: the instance owner-space
// modulo the shard count, or shard 0 when shards is empty. The view
// argument is not consulted, and no instance-node owner is looked up.
func ViewOwner(view external.ViewID, instanceOwnerSpace uint64, shards []ids.ShardID) ids.ShardID {
	if len(shards) == 0 {
		return 0
	}
	return shards[instanceOwnerSpace%uint64(len(shards))]
}

// ForwardNonLocalViewUsers implements the first half of §4.5.4: before the
// replayability exchange, every non-local ViewUser this shard recorded is
// forwarded to its owning shard via UPDATE_VIEW_USER, and also retained
// locally in localLastUsers so this shard's own replay postconditions
// still include them.
func (t *Template) ForwardNonLocalViewUsers(ctx context.Context, owns func(external.ViewID) ids.ShardID) error {
	self := t.Transport.Self()
	users := t.ViewUsers()

	t.mu.Lock()
	t.localLastUsers = t.localLastUsers[:0]
	t.mu.Unlock()

	for view, entries := range users {
		owner := owns(view)
		if owner == self {
			continue
		}
		for _, u := range entries {
			if u.Shard != self {
				continue
			}
			if _, err := t.Transport.Send(ctx, owner, external.MsgUpdateViewUser, updateViewUserRequest{View: view, User: u}); err != nil {
				return fmt.Errorf("sharded: UPDATE_VIEW_USER to shard %d failed: %w", owner, err)
			}
			t.mu.Lock()
			t.localLastUsers = append(t.localLastUsers, u)
			t.mu.Unlock()
		}
	}
	return nil
}

// exchangeReplayableRequest/Response are the wire payloads used to poll
// peer shards for their locally-computed Replayable outcome (§4.5.4).
type exchangeReplayableRequest struct{}

type exchangeReplayableResponse struct {
	OK     bool
	Reason string
}

// ExchangeReplayable implements §4.5.4: after forwarding non-local
// ViewUsers, each shard computes its own local Replayable via Finalize,
// then all shards exchange outcomes; the template is replayable only if
// every shard agrees.
func (t *Template) ExchangeReplayable(ctx context.Context, owns func(external.ViewID) ids.ShardID, peers []ids.ShardID) (template.Replayable, error) {
	if err := t.ForwardNonLocalViewUsers(ctx, owns); err != nil {
		return template.Replayable{}, err
	}

	local := t.Finalize(ctx)
	t.mu.Lock()
	t.localReplayable = local
	t.mu.Unlock()

	result := local
	for _, p := range peers {
		if p == t.Transport.Self() {
			continue
		}
		reply, err := t.Transport.Send(ctx, p, external.MsgExchangeReplayable, exchangeReplayableRequest{})
		if err != nil {
			return template.Replayable{}, fmt.Errorf("sharded: replayable exchange with shard %d failed: %w", p, err)
		}
		resp, ok := reply.(exchangeReplayableResponse)
		if !ok {
			return template.Replayable{}, fmt.Errorf("sharded: unexpected replayable exchange reply type %T", reply)
		}
		if !resp.OK {
			result = template.Replayable{OK: false, Reason: fmt.Sprintf("shard %d: %s", p, resp.Reason)}
		}
	}
	return result, nil
}

// LocalReplayable returns this shard's own last-computed Replayable
// outcome, for answering a peer's EXCHANGE_REPLAYABLE request.
func (t *Template) LocalReplayable() exchangeReplayableResponse {
	t.mu.Lock()
	defer t.mu.Unlock()
	return exchangeReplayableResponse{OK: t.localReplayable.OK, Reason: t.localReplayable.Reason}
}

// LocalLastUsers returns the ViewUsers this shard recorded for views it
// does not own, to be included in this shard's own FinishReplay
// postconditions even though their slots live in a remote owner's table.
func (t *Template) LocalLastUsers() []template.ViewUser {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]template.ViewUser(nil), t.localLastUsers...)
}
