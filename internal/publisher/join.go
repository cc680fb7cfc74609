package publisher

import (
	"context"
	"maps"
	"slices"
	"strings"

	"github.com/dmitrijs2005/fragnet/internal/events"
	"github.com/dmitrijs2005/fragnet/internal/hashing"
	"github.com/dmitrijs2005/fragnet/internal/models"
)

func (p *Publisher) onJoinRequested(ctx context.Context, ev events.JoinRequested) {
	if !p.seen.add(ev.ID()) {
		p.ignore(ctx, ev, "duplicate")
		return
	}

	if _, ok := p.state.(*idle); !ok {
		p.log.Debug(ctx, "join queued", "client_id", ev.ClientID, "state", p.state)
		p.enqueue(&joinOp{request: ev})
		return
	}

	p.beginJoin(ctx, ev)
}

// beginJoin validates a join request and, when it passes, sends the
// reconciliation delta and waits for the joiner's acknowledgement.
// Callers hold mu with the machine in Idle.
func (p *Publisher) beginJoin(ctx context.Context, req events.JoinRequested) {
	log := p.log.With("client_id", req.ClientID)

	deny := func(reason events.DenyReason, msg string) {
		ev, err := events.NewJoinDenied(req.ClientID, reason, msg)
		if err != nil {
			panic(err)
		}
		_ = p.publish(ctx, ev)
		p.metrics.join("denied_" + string(reason))
		log.Info(ctx, "join denied", "reason", reason, "message", msg)
	}

	if req.ClientID == "" {
		deny(events.DenyOther, "missing client id")
		return
	}
	if !hashing.SameAlgorithm(req.HashAlgorithm, p.cfg.HashAlgorithm) {
		deny(events.DenyWrongHashAlgorithm, "network uses "+p.cfg.HashAlgorithm)
		return
	}
	if req.FragmentSize != p.cfg.FragmentSize {
		deny(events.DenyWrongFragmentSize, "network uses a different fragment size")
		return
	}

	endpoints := uniqueSorted(req.Endpoints)
	if slices.Contains(endpoints, "") {
		deny(events.DenyOther, "empty endpoint")
		return
	}
	if conflicts := p.conflicts(req.ClientID, endpoints); len(conflicts) > 0 {
		deny(events.DenyEndpointConflict, strings.Join(conflicts, ","))
		return
	}

	added, adopted, removedFiles := p.reconcileFiles(req.KnownFileInfos)
	trusted, removedFragments := p.reconcileFragments(req.StoredFragments)

	st := &waitForClientJoinResponse{
		request:   req,
		endpoints: endpoints,
		trusted:   trusted,
		adopted:   adopted,
		replaces:  p.dmap.ContainsClient(req.ClientID),
	}

	accepted := events.JoinAccepted{
		Meta:             events.NewMeta(),
		ClientID:         req.ClientID,
		AddedFileInfos:   added,
		RemovedFileInfos: removedFiles,
		RemovedFragments: removedFragments,
	}
	if err := p.publish(ctx, accepted); err != nil {
		p.metrics.join("abandoned")
		return
	}

	st.timer = p.afterFunc(p.cfg.JoinTimeout, st, func(ctx context.Context) {
		p.metrics.join("timed_out")
		log.Info(ctx, "join abandoned: no acknowledgement")
		p.toIdle(ctx)
	})
	p.state = st

	log.Info(ctx, "join accepted, waiting for acknowledgement",
		"added_files", len(added), "adopted_files", len(adopted), "removed_files", len(removedFiles),
		"trusted_fragments", len(trusted), "removed_fragments", len(removedFragments))
}

// conflicts returns the endpoints held by clients other than clientID.
func (p *Publisher) conflicts(clientID string, endpoints []string) []string {
	taken := p.dmap.EndpointConflicts(endpoints)
	if len(taken) == 0 {
		return nil
	}
	own, ok := p.dmap.TryGetClientInfo(clientID)
	if !ok {
		return taken
	}
	return slices.DeleteFunc(taken, func(e string) bool {
		return slices.Contains(own.Endpoints, e)
	})
}

// reconcileFiles compares the joiner's recipes with the network's. Added
// are the files the joiner lacks or holds a different recipe for. Adopted
// are valid recipes the network does not know, which happens after a
// tracker restart. Removed are the joiner's recipes that fail validation.
func (p *Publisher) reconcileFiles(known []models.FragmentedFile) (added, adopted []models.FragmentedFile, removed []string) {
	byHash := make(map[string]models.FragmentedFile, len(known))
	for _, f := range known {
		nf, err := f.Normalize(p.hasher)
		if err != nil {
			removed = append(removed, f.Hash)
			continue
		}
		byHash[nf.Hash] = nf
	}

	for _, f := range p.dmap.Files() {
		if k, ok := byHash[f.Hash]; !ok || !k.Equal(f) {
			added = append(added, f)
		}
	}
	for _, h := range slices.Sorted(maps.Keys(byHash)) {
		if !p.dmap.ContainsFile(h) {
			adopted = append(adopted, byHash[h])
		}
	}
	return added, adopted, uniqueSorted(removed)
}

// reconcileFragments sorts the joiner's fragment reports into the ones the
// tracker will record and the ones the joiner must drop. Peers verify their
// stored bytes before reporting, so a well-formed report is trusted even
// when the index has never seen the hash. A report is rejected when its
// hash is malformed, its size cannot be a fragment of this network, or the
// index records the hash with a different size.
func (p *Publisher) reconcileFragments(stored []models.Fragment) (trusted []models.Fragment, removed []string) {
	seen := make(map[string]struct{}, len(stored))
	for _, f := range stored {
		h, err := p.hasher.Normalize(f.Hash)
		if err != nil || f.Size <= 0 || f.Size > p.cfg.FragmentSize {
			removed = append(removed, f.Hash)
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}

		if known, ok := p.dmap.TryGetFragmentInfo(h); ok && known.Size != f.Size {
			removed = append(removed, f.Hash)
			continue
		}
		trusted = append(trusted, models.Fragment{Hash: h, Size: f.Size})
	}

	slices.SortFunc(trusted, func(a, b models.Fragment) int { return strings.Compare(a.Hash, b.Hash) })
	return trusted, uniqueSorted(removed)
}

func (p *Publisher) onJoinSucceeded(ctx context.Context, ev events.JoinSucceeded) {
	st, ok := p.state.(*waitForClientJoinResponse)
	if !ok || st.request.ClientID != ev.ClientID {
		p.ignore(ctx, ev, "no pending join for client")
		return
	}
	st.timer.Stop()

	log := p.log.With("client_id", ev.ClientID)

	// Dropping the old registration forgets fragments only this client
	// held. Re-adding the reported ones before linking keeps them.
	if st.replaces {
		p.dmap.RemoveClient(ev.ClientID)
	}
	hashes := make([]string, 0, len(st.trusted))
	for _, f := range st.trusted {
		p.dmap.TryAddFragmentInfo(f.Hash, f.Size)
		hashes = append(hashes, f.Hash)
	}
	if !p.dmap.TryAddClient(ev.ClientID, st.endpoints, hashes) {
		p.dropOwnerless(hashes)
		denied, _ := events.NewJoinDenied(ev.ClientID, events.DenyOther, "registration conflict")
		_ = p.publish(ctx, denied)
		p.metrics.join("abandoned")
		log.Warn(ctx, "join could not be committed")
		p.afterMutation()
		if p.operational() {
			p.toIdle(ctx)
		}
		return
	}

	var adopted []models.FragmentedFile
	for _, f := range st.adopted {
		if p.dmap.TryAddFileInfo(f) {
			adopted = append(adopted, f)
		}
	}

	p.afterMutation()
	if !p.operational() {
		return
	}

	ci, _ := p.dmap.TryGetClientInfo(ev.ClientID)
	_ = p.publish(ctx, events.Registered{
		Meta:      events.NewMeta(),
		ClientID:  ev.ClientID,
		Endpoints: ci.Endpoints,
		Fragments: ci.Fragments,
	})
	for _, f := range adopted {
		_ = p.publish(ctx, events.FileInfoPublished{Meta: events.NewMeta(), File: f})
	}

	p.metrics.join("accepted")
	log.Info(ctx, "client registered", "endpoints", ci.Endpoints, "fragments", len(ci.Fragments),
		"adopted_files", len(adopted), "rejoin", st.replaces)
	p.toIdle(ctx)
}

// dropOwnerless forgets the listed fragments that no client holds.
func (p *Publisher) dropOwnerless(hashes []string) {
	for _, h := range hashes {
		if fi, ok := p.dmap.TryGetFragmentInfo(h); ok && len(fi.Owners) == 0 {
			p.dmap.RemoveFragment(h)
		}
	}
}

func (p *Publisher) onJoinFailed(ctx context.Context, ev events.JoinFailed) {
	st, ok := p.state.(*waitForClientJoinResponse)
	if !ok || st.request.ClientID != ev.ClientID {
		if p.dropQueuedJoins(ev.ClientID) > 0 {
			p.metrics.join("abandoned")
			p.log.Info(ctx, "queued join withdrawn by client", "client_id", ev.ClientID, "message", ev.Message)
			return
		}
		p.ignore(ctx, ev, "no pending join for client")
		return
	}
	st.timer.Stop()

	p.metrics.join("abandoned")
	p.log.Info(ctx, "join abandoned by client", "client_id", ev.ClientID, "message", ev.Message)
	p.toIdle(ctx)
}

func (p *Publisher) onClientGoodbye(ctx context.Context, ev events.ClientGoodbye) {
	// Resuming is deferred until the map is updated and checked.
	var resume func()
	switch st := p.state.(type) {
	case *waitForClientJoinResponse:
		if st.request.ClientID == ev.ClientID {
			st.timer.Stop()
			p.metrics.join("abandoned")
			resume = func() { p.toIdle(ctx) }
		}
	case *waitForDistributionRequests:
		st.round.withdraw(ev.ClientID)
	case *waitForDistributionDeliveryResponse:
		if st.round.answer(ev.ClientID, false) && st.round.allAnswered() {
			st.timer.Stop()
			resume = func() { p.endRound(ctx, st.round) }
		}
	}

	withdrawn := p.dropQueuedJoins(ev.ClientID)
	if withdrawn > 0 {
		p.metrics.join("abandoned")
	}
	if p.dmap.RemoveClient(ev.ClientID) {
		p.log.Info(ctx, "client left", "client_id", ev.ClientID)
		p.afterMutation()
	} else if resume == nil && withdrawn == 0 {
		p.ignore(ctx, ev, "unknown client")
		return
	}

	if resume != nil && p.operational() {
		resume()
	}
}

// dropQueuedJoins removes the client's waiting join requests and returns
// how many there were.
func (p *Publisher) dropQueuedJoins(clientID string) int {
	n := len(p.queue)
	p.queue = slices.DeleteFunc(p.queue, func(op operation) bool {
		j, ok := op.(*joinOp)
		return ok && j.request.ClientID == clientID
	})
	if dropped := n - len(p.queue); dropped > 0 {
		p.metrics.sizes(len(p.dmap.ClientIDs()), len(p.dmap.Files()), len(p.dmap.Fragments()), len(p.queue))
		return dropped
	}
	return 0
}

func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}
