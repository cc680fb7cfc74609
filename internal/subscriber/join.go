package subscriber

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/dmitrijs2005/fragnet/internal/catalog"
	"github.com/dmitrijs2005/fragnet/internal/common"
	"github.com/dmitrijs2005/fragnet/internal/events"
	"github.com/dmitrijs2005/fragnet/internal/models"
)

// Join asks the tracker to admit the peer and waits until it is registered.
//
// A denial returns *JoinDeniedError and leaves the peer Initialized. A join
// that got no answer in time returns ErrJoinFailed and may be retried.
// When ctx ends first the attempt keeps running and resolves on its own.
func (s *Subscriber) Join(ctx context.Context) error {
	s.mu.Lock()

	if _, ok := s.state.(*initialized); !ok {
		err := s.unavailable()
		s.mu.Unlock()
		return err
	}

	req := events.JoinRequested{
		Meta:            events.NewMeta(),
		ClientID:        s.cfg.ClientID,
		HashAlgorithm:   s.cfg.HashAlgorithm,
		FragmentSize:    s.cfg.FragmentSize,
		KnownFileInfos:  s.knownFiles(),
		StoredFragments: s.storedFragments(),
		Endpoints:       s.cfg.Endpoints,
	}

	if err := s.publish(ctx, req); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("publish join request: %w", err)
	}

	c := newCall()
	st := &waitForJoinResponse{request: req, call: c}
	st.timer = s.afterFunc(s.cfg.JoinTimeout, st, func(ctx context.Context) {
		s.abandonJoin(ctx, c, "no answer to join request")
	})
	s.state = st
	s.log.Info(ctx, "join requested", "known_files", len(req.KnownFileInfos), "stored_fragments", len(req.StoredFragments))
	s.mu.Unlock()

	return wait(ctx, c)
}

func (s *Subscriber) storedFragments() []models.Fragment {
	out := make([]models.Fragment, 0, len(s.fragments))
	for _, h := range slices.Sorted(maps.Keys(s.fragments)) {
		out = append(out, models.Fragment{Hash: h, Size: s.fragments[h]})
	}
	return out
}

func (s *Subscriber) knownFiles() []models.FragmentedFile {
	out := make([]models.FragmentedFile, 0, len(s.files))
	for _, h := range slices.Sorted(maps.Keys(s.files)) {
		out = append(out, s.files[h].Clone())
	}
	return out
}

// abandonJoin reports JoinFailed to the tracker and returns to Initialized.
func (s *Subscriber) abandonJoin(ctx context.Context, c *call, why string) {
	_ = s.publish(ctx, events.JoinFailed{Meta: events.NewMeta(), ClientID: s.cfg.ClientID, Message: why})
	s.state = &initialized{}
	s.log.Warn(ctx, "join failed", "reason", why)
	c.complete(fmt.Errorf("%w: %s", ErrJoinFailed, why))
}

func (s *Subscriber) onJoinAccepted(ctx context.Context, ev events.JoinAccepted) {
	st, ok := s.state.(*waitForJoinResponse)
	if !ok || ev.ClientID != s.cfg.ClientID {
		s.ignore(ctx, ev, "no join waiting for acceptance")
		return
	}
	st.timer.Stop()

	if err := s.publish(ctx, events.JoinSucceeded{Meta: events.NewMeta(), ClientID: s.cfg.ClientID}); err != nil {
		s.state = &initialized{}
		st.call.complete(fmt.Errorf("%w: %v", ErrJoinFailed, err))
		return
	}

	next := &waitForRegistration{accepted: ev, published: st.published, call: st.call}
	next.timer = s.afterFunc(s.cfg.JoinTimeout, next, func(ctx context.Context) {
		s.abandonJoin(ctx, next.call, "no registration")
	})
	s.state = next
	s.log.Debug(ctx, "join accepted, waiting for registration")
}

func (s *Subscriber) onJoinDenied(ctx context.Context, ev events.JoinDenied) {
	if ev.ClientID != s.cfg.ClientID {
		s.ignore(ctx, ev, "other client")
		return
	}

	var c *call
	switch st := s.state.(type) {
	case *waitForJoinResponse:
		c = st.call
	case *waitForRegistration:
		c = st.call
	default:
		s.ignore(ctx, ev, "no join in progress")
		return
	}

	stopTimer(s.state)
	s.state = &initialized{}
	s.log.Warn(ctx, "join denied", "reason", ev.Reason, "message", ev.Message)
	c.complete(&JoinDeniedError{Event: ev})
}

func (s *Subscriber) onRegistered(ctx context.Context, ev events.Registered) {
	st, ok := s.state.(*waitForRegistration)
	if !ok || ev.ClientID != s.cfg.ClientID {
		s.ignore(ctx, ev, "no join waiting for registration")
		return
	}
	st.timer.Stop()

	if err := s.applyRegistration(ctx, st.accepted, ev, st.published); err != nil {
		s.fail(fmt.Errorf("apply registration: %w", err))
		return
	}

	s.state = &idle{}
	s.log.Info(ctx, "registered", "files", len(s.files), "fragments", len(s.fragments))
	st.call.complete(nil)
}

// applyRegistration brings the catalog, the store and the projection in
// line with the tracker: removals first, then additions. Only fragments the
// tracker rejected are deleted; a stored fragment missing from the
// registration is kept and reported again on the next join.
func (s *Subscriber) applyRegistration(ctx context.Context, acc events.JoinAccepted, reg events.Registered, published []models.FragmentedFile) error {
	removedFragments := slices.Clone(acc.RemovedFragments)
	slices.Sort(removedFragments)

	for h := range s.fragments {
		if !slices.Contains(reg.Fragments, h) && !slices.Contains(removedFragments, h) {
			s.log.Warn(ctx, "stored fragment not recorded by tracker", "fragment", h)
		}
	}

	var added []models.FragmentedFile
	for _, f := range append(slices.Clone(acc.AddedFileInfos), published...) {
		nf, err := f.Normalize(s.hasher)
		if err != nil {
			s.log.Warn(ctx, "skipping invalid file recipe", "file", f.Hash, "error", err)
			continue
		}
		added = append(added, nf)
	}

	delta := catalog.Delta{
		AddedFiles:       added,
		RemovedFiles:     acc.RemovedFileInfos,
		RemovedFragments: removedFragments,
	}
	if err := s.repo.ApplyDelta(ctx, delta); err != nil {
		return err
	}

	for _, h := range removedFragments {
		if _, ok := s.fragments[h]; !ok {
			continue
		}
		if err := s.store.Delete(ctx, h); err != nil && !errors.Is(err, common.ErrorNotFound) {
			s.log.Warn(ctx, "cannot delete untrusted fragment", "fragment", h, "error", err)
		}
		delete(s.fragments, h)
	}
	for _, h := range acc.RemovedFileInfos {
		delete(s.files, h)
	}
	for _, f := range added {
		s.files[f.Hash] = f
	}

	return nil
}

// onHello and onGoodbye track the tracker's lifecycle. A new Hello after
// registration means the tracker restarted with an empty map.
func (s *Subscriber) onHello(ctx context.Context, ev events.Hello) {
	if ev.ID() == s.lastHello {
		s.ignore(ctx, ev, "duplicate")
		return
	}
	s.lastHello = ev.ID()
	previous := s.trackerID
	s.trackerID = ev.TrackerID

	switch st := s.state.(type) {
	case *waitForRegistration:
		st.timer.Stop()
		s.abandonJoin(ctx, st.call, "tracker restarted")
	case *idle, *waitForFragmentDelivery:
		s.loseRegistration(ctx, fmt.Sprintf("tracker %s started (was %s)", ev.TrackerID, previous))
	}
}

func (s *Subscriber) onGoodbye(ctx context.Context, ev events.Goodbye) {
	switch st := s.state.(type) {
	case *waitForJoinResponse:
		st.timer.Stop()
		s.abandonJoin(ctx, st.call, "tracker left")
	case *waitForRegistration:
		st.timer.Stop()
		s.abandonJoin(ctx, st.call, "tracker left")
	case *idle, *waitForFragmentDelivery:
		s.loseRegistration(ctx, fmt.Sprintf("tracker %s left", ev.TrackerID))
	default:
		s.ignore(ctx, ev, "not joined")
	}
}

// loseRegistration returns a registered peer to Initialized. The projection
// is kept and reported on the next join.
func (s *Subscriber) loseRegistration(ctx context.Context, reason string) {
	stopTimer(s.state)
	pendingCall(s.state).complete(fmt.Errorf("%w: %s", ErrRegistrationLost, reason))
	s.state = &initialized{}
	s.log.Warn(ctx, "registration lost", "reason", reason)

	if s.onLost != nil {
		go s.onLost(reason)
	}
}

func (s *Subscriber) onFileInfoPublished(ctx context.Context, ev events.FileInfoPublished) {
	switch st := s.state.(type) {
	case *waitForJoinResponse:
		st.published = append(st.published, ev.File)
		return
	case *waitForRegistration:
		st.published = append(st.published, ev.File)
		return
	case *idle, *waitForFragmentDelivery:
	default:
		s.ignore(ctx, ev, "not joined")
		return
	}

	f, err := ev.File.Normalize(s.hasher)
	if err != nil {
		s.ignore(ctx, ev, err.Error())
		return
	}
	if known, ok := s.files[f.Hash]; ok && known.Equal(f) {
		return
	}
	if err := s.repo.PutFile(ctx, f); err != nil {
		s.log.Error(ctx, "cannot record file", "file", f.Hash, "error", err)
		return
	}
	s.files[f.Hash] = f
	s.log.Info(ctx, "file published", "file", f.Hash, "size", f.Size, "fragments", len(f.FragmentSequence))
}
