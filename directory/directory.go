// Package directory owns every chat room of the local identity. It is the
// single serialization point for room lifetimes: the one-to-one
// uniqueness invariant, admission of focus invitations, basic-to-
// conference migration and terminated-room garbage collection all go
// through it.
package directory

import (
	"confsync/chatroom"
	"confsync/contract"
	"confsync/domain"
	"confsync/domain/event"
	ce "confsync/errors"
	"confsync/runtime/workers"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/samber/lo"
)

// Params gathers the directory's collaborators.
type Params struct {
	Local      domain.Address
	Device     domain.DeviceID
	Focus      contract.IFocus
	Caps       contract.ICapabilityResolver
	Supervisor contract.ISupervisor
	Events     contract.IEventStore
	Imdn       contract.IImdnStore
	Messages   contract.IMessageStore
	Snapshots  contract.IDirectoryStore
	Log        *slog.Logger

	RequestTimeout time.Duration
	ResyncBudget   int
	ImdnReporting  bool
}

type Directory struct {
	mu         sync.Mutex
	log        *slog.Logger
	local      domain.Address
	device     domain.DeviceID
	focus      contract.IFocus
	caps       contract.ICapabilityResolver
	supervisor contract.ISupervisor

	events    contract.IEventStore
	imdnStore contract.IImdnStore
	msgStore  contract.IMessageStore
	snapStore contract.IDirectoryStore

	requestTimeout time.Duration
	resyncBudget   int
	imdnReporting  bool

	sinks     []contract.SignalSink
	rooms     map[domain.Address]*chatroom.Room
	oneToOne  map[domain.Address]domain.Address
	migrating map[domain.Address]struct{}

	runCtx   context.Context
	deferred []contract.Worker
}

func New(p Params) *Directory {
	return &Directory{
		log:            p.Log,
		local:          p.Local,
		device:         p.Device,
		focus:          p.Focus,
		caps:           p.Caps,
		supervisor:     p.Supervisor,
		events:         p.Events,
		imdnStore:      p.Imdn,
		msgStore:       p.Messages,
		snapStore:      p.Snapshots,
		requestTimeout: p.RequestTimeout,
		resyncBudget:   p.ResyncBudget,
		imdnReporting:  p.ImdnReporting,
		rooms:          make(map[domain.Address]*chatroom.Room),
		oneToOne:       make(map[domain.Address]domain.Address),
		migrating:      make(map[domain.Address]struct{}),
	}
}

// AttachSink registers an application sink; every room created from now
// on forwards its signals there.
func (d *Directory) AttachSink(s contract.SignalSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
	for _, room := range d.rooms {
		room.AttachSink(s)
	}
}

// Run makes the directory a supervised worker: it consumes focus
// invitations for this device and admits the referenced rooms. Workers
// spawned later (per-room synchronizers) inherit this context.
func (d *Directory) Run(ctx context.Context) error {
	d.mu.Lock()
	d.runCtx = ctx
	pending := d.deferred
	d.deferred = nil
	d.mu.Unlock()
	for _, w := range pending {
		d.supervisor.Start(ctx, w)
	}

	invites, err := d.focus.Invitations(ctx, d.device)
	if err != nil {
		return fmt.Errorf("subscribing to invitations: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case inv, ok := <-invites:
			if !ok {
				return nil
			}
			if err := d.Admit(ctx, inv); err != nil {
				d.log.Warn("Admitting invited room failed",
					"room", string(inv.Room), "error", err)
			}
		}
	}
}

// Admit materializes a room the focus invited this device into. A room
// that already exists locally (e.g. created by another of our devices
// racing with us) is reused, never duplicated.
func (d *Directory) Admit(ctx context.Context, inv contract.Invitation) error {
	d.mu.Lock()
	if _, ok := d.rooms[inv.Room]; ok {
		d.mu.Unlock()
		return nil
	}
	caps := domain.CapabilityConference
	if inv.OneToOne {
		caps = caps.With(domain.CapabilityOneToOne)
	}
	room := d.buildLocked(inv.Room, inv.Peer, caps)
	if inv.OneToOne && inv.Peer != "" {
		// A re-invite after termination points the index at the fresh
		// room; the old address stays a valid historical reference.
		d.oneToOne[inv.Peer] = inv.Room
	}
	d.spawnLocked(room)
	d.mu.Unlock()

	d.log.Info("Admitted invited room", "room", string(inv.Room), "oneToOne", inv.OneToOne)
	d.saveSnapshot()
	return nil
}

// CreateConference creates a group room. Peers without conference
// capability are dropped from the invitation; if none remains the
// creation fails terminally with CreationFailed.
func (d *Directory) CreateConference(ctx context.Context, subject string, participants []domain.Address) (*chatroom.Room, error) {
	var capable []domain.Address
	for _, p := range participants {
		ok, err := d.caps.SupportsConference(ctx, p)
		if err != nil {
			d.log.Warn("Capability discovery failed", "peer", string(p), "error", err)
			continue
		}
		if ok {
			capable = append(capable, p)
		}
	}
	if len(capable) == 0 {
		room := d.failedRoom(ctx, domain.CapabilityConference)
		return room, fmt.Errorf("creating %q: %w", subject, ce.ErrNoCapablePeers)
	}

	addr, err := d.focus.Create(ctx, d.local, subject, capable, false)
	if err != nil {
		room := d.failedRoom(ctx, domain.CapabilityConference)
		return room, fmt.Errorf("creating %q: %w", subject, err)
	}

	d.mu.Lock()
	if existing, ok := d.rooms[addr]; ok {
		d.mu.Unlock()
		return existing, nil
	}
	room := d.buildLocked(addr, "", domain.CapabilityConference)
	d.mu.Unlock()

	// Local transitions first: the synchronizer may deliver the
	// ConferenceCreated event as soon as it subscribes.
	if err := room.Create(ctx, subject); err != nil {
		return room, err
	}
	d.mu.Lock()
	d.spawnLocked(room)
	d.mu.Unlock()
	d.saveSnapshot()
	return room, nil
}

// FindOrCreateOneToOne returns the existing non-terminated one-to-one
// room for the peer, or creates one. Two racing creations for the same
// pair converge on the surviving directory entry.
func (d *Directory) FindOrCreateOneToOne(ctx context.Context, peer domain.Address) (*chatroom.Room, error) {
	if room, ok := d.FindByPeer(peer); ok && !room.HasBeenLeft() {
		return room, nil
	}

	capable, err := d.caps.SupportsConference(ctx, peer)
	if err != nil {
		d.log.Warn("Capability discovery failed, falling back to basic chat",
			"peer", string(peer), "error", err)
		capable = false
	}

	if !capable {
		// Point-to-point room, flagged for transparent upgrade once the
		// peer turns out to be conference capable.
		d.mu.Lock()
		room := d.buildLocked(peer, peer, domain.CapabilityBasic.With(domain.CapabilityMigratable))
		d.oneToOne[peer] = peer
		d.mu.Unlock()
		if err := room.Create(ctx, ""); err != nil {
			return room, err
		}
		d.saveSnapshot()
		return room, nil
	}

	addr, err := d.focus.Create(ctx, d.local, "", []domain.Address{peer}, true)
	if err != nil {
		room := d.failedRoom(ctx, domain.CapabilityConference.With(domain.CapabilityOneToOne))
		return room, fmt.Errorf("creating one-to-one with %s: %w", peer, err)
	}

	d.mu.Lock()
	if existing, ok := d.rooms[addr]; ok {
		// The focus deduplicated: another device (or a racing call)
		// already owns this pair.
		d.mu.Unlock()
		return existing, nil
	}
	room := d.buildLocked(addr, peer, domain.CapabilityConference.With(domain.CapabilityOneToOne))
	d.oneToOne[peer] = addr
	d.mu.Unlock()

	if err := room.Create(ctx, ""); err != nil {
		return room, err
	}
	d.mu.Lock()
	d.spawnLocked(room)
	d.mu.Unlock()
	d.saveSnapshot()
	return room, nil
}

// SendMessage routes one outgoing message, upgrading a migratable basic
// room to a conference-backed one first when the peer became capable.
func (d *Directory) SendMessage(ctx context.Context, room *chatroom.Room, content string) (domain.Message, error) {
	if room.HasCapability(domain.CapabilityMigratable) && room.HasCapability(domain.CapabilityBasic) {
		if upgraded, err := d.migrate(ctx, room); err == nil {
			room = upgraded
		} else {
			d.scheduleMigration(room)
		}
	}
	return room.SendMessage(ctx, content)
}

// migrate replaces a basic room with a conference-backed one, carrying
// the full message history over so the conversation stays continuous.
func (d *Directory) migrate(ctx context.Context, old *chatroom.Room) (*chatroom.Room, error) {
	peer := old.Peer()
	capable, err := d.caps.SupportsConference(ctx, peer)
	if err != nil {
		return nil, err
	}
	if !capable {
		return nil, fmt.Errorf("peer %s: %w", peer, ce.ErrNoCapablePeers)
	}

	addr, err := d.focus.Create(ctx, d.local, "", []domain.Address{peer}, true)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if existing, ok := d.rooms[addr]; ok {
		d.mu.Unlock()
		return existing, nil
	}
	room := d.buildLocked(addr, peer, domain.CapabilityConference.With(domain.CapabilityOneToOne))
	d.oneToOne[peer] = addr
	d.mu.Unlock()

	if err := room.Create(ctx, old.Subject()); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.spawnLocked(room)
	d.mu.Unlock()

	// The replacement only takes over once its creation round-trips;
	// until then the basic room keeps carrying the conversation.
	if err := d.awaitCreated(ctx, room); err != nil {
		return nil, err
	}
	if d.msgStore != nil {
		if err := d.msgStore.Migrate(old.Address(), addr); err != nil {
			return nil, fmt.Errorf("carrying history from %s: %w", old.Address(), err)
		}
	}
	old.DropMigratable()
	d.log.Info("Migrated basic room to conference",
		"peer", string(peer), "room", string(addr))
	d.saveSnapshot()
	return room, nil
}

// awaitCreated polls until the room's creation event rounds back or the
// request window elapses.
func (d *Directory) awaitCreated(ctx context.Context, room *chatroom.Room) error {
	deadline := time.Now().Add(d.requestTimeout)
	for room.State() != domain.StateCreated {
		if room.HasBeenLeft() {
			return fmt.Errorf("room %s: %w", room.Address(), ce.ErrRoomTerminated)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("room %s: creation still pending", room.Address())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return nil
}

// scheduleMigration retries the upgrade on a backoff timer instead of
// failing permanently while the peer is not capable yet.
func (d *Directory) scheduleMigration(room *chatroom.Room) {
	d.mu.Lock()
	if _, running := d.migrating[room.Address()]; running {
		d.mu.Unlock()
		return
	}
	d.migrating[room.Address()] = struct{}{}
	ctx := d.runCtx
	d.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.migrating, room.Address())
			d.mu.Unlock()
		}()
		policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
		err := backoff.Retry(func() error {
			_, err := d.migrate(ctx, room)
			return err
		}, policy)
		if err != nil {
			d.log.Warn("Migration retries abandoned",
				"room", string(room.Address()), "error", err)
		}
	}()
}

func (d *Directory) FindRoom(addr domain.Address) (*chatroom.Room, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	room, ok := d.rooms[addr]
	return room, ok
}

func (d *Directory) FindByPeer(peer domain.Address) (*chatroom.Room, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	addr, ok := d.oneToOne[peer]
	if !ok {
		return nil, false
	}
	room, ok := d.rooms[addr]
	return room, ok
}

// Rooms returns all known rooms, including terminated ones kept for
// history.
func (d *Directory) Rooms() []*chatroom.Room {
	d.mu.Lock()
	defer d.mu.Unlock()
	return lo.Values(d.rooms)
}

// DeleteRoom garbage-collects a terminated room. The address disappears
// from lookup; persisted history is left to the caller's retention
// policy.
func (d *Directory) DeleteRoom(ctx context.Context, addr domain.Address) error {
	d.mu.Lock()
	room, ok := d.rooms[addr]
	d.mu.Unlock()
	if !ok {
		return ce.ErrUnknownRoom
	}
	if err := room.Delete(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.rooms, addr)
	if room.Peer() != "" && d.oneToOne[room.Peer()] == addr {
		delete(d.oneToOne, room.Peer())
	}
	d.mu.Unlock()
	d.saveSnapshot()
	return nil
}

// Restore reloads the directory snapshot and rebuilds each room from its
// persisted event history and delivery states. Live rooms get their
// synchronizer back; signals do not fire for history the application
// already saw.
func (d *Directory) Restore(ctx context.Context) error {
	if d.snapStore == nil {
		return nil
	}
	entries, err := d.snapStore.LoadSnapshot()
	if err != nil {
		return fmt.Errorf("loading directory snapshot: %w", err)
	}
	for _, entry := range entries {
		d.mu.Lock()
		room := d.buildLocked(entry.Address, entry.Peer, entry.Caps)
		d.mu.Unlock()

		// The replayed log decides the restored state, not the snapshot
		// hints: a leave confirmed after the last snapshot write lives
		// only in the log.
		if err := room.RestoreHistory(entry.State, entry.Subject); err != nil {
			return err
		}
		room.SetInstance(entry.Instance)
		if d.imdnStore != nil {
			records, err := d.imdnStore.LoadStates(entry.Address)
			if err != nil {
				return err
			}
			room.RestoreImdn(records)
		}

		alive := !room.HasBeenLeft()
		d.mu.Lock()
		if entry.Peer != "" && alive {
			d.oneToOne[entry.Peer] = entry.Address
		}
		if entry.Caps.Has(domain.CapabilityConference) && alive {
			d.spawnLocked(room)
		}
		d.mu.Unlock()
	}
	d.log.Info(fmt.Sprintf("Restored %d room(s) from snapshot", len(entries)))
	return nil
}

// buildLocked constructs and registers one room. Caller holds d.mu.
func (d *Directory) buildLocked(addr, peer domain.Address, caps domain.Capability) *chatroom.Room {
	room := chatroom.NewRoom(chatroom.Params{
		Local:         d.local,
		Device:        d.device,
		Address:       addr,
		Peer:          peer,
		Caps:          caps,
		Events:        d.events,
		Imdn:          d.imdnStore,
		Messages:      d.msgStore,
		Log:           d.log,
		ImdnReporting: d.imdnReporting,
	})
	for _, sink := range d.sinks {
		room.AttachSink(sink)
	}
	if d.snapStore != nil {
		room.AttachSink(&snapshotTrigger{dir: d})
	}
	d.rooms[addr] = room
	return room
}

// snapshotTrigger rewrites the directory snapshot whenever a room's
// lifecycle state or subject changes, so the persisted view never lags
// behind what the focus already confirmed. Rooms emit signals outside
// their lock and outside d.mu, which keeps this re-entrant safe.
type snapshotTrigger struct {
	dir *Directory
}

func (t *snapshotTrigger) Consume(ctx context.Context, s event.Signal) error {
	switch s.(type) {
	case event.RoomStateChanged, event.SubjectUpdated:
		t.dir.saveSnapshot()
	}
	return nil
}

// spawnLocked attaches a synchronizer to a conference room and runs it
// under supervision. Caller holds d.mu.
func (d *Directory) spawnLocked(room *chatroom.Room) {
	syncer := workers.NewSynchronizer(room, d.focus, d.log, d.requestTimeout, d.resyncBudget)
	room.AttachSender(syncer)
	if d.runCtx != nil {
		d.supervisor.Start(d.runCtx, syncer)
		return
	}
	d.deferred = append(d.deferred, syncer)
}

// failedRoom builds a room only to report a terminal creation failure.
func (d *Directory) failedRoom(ctx context.Context, caps domain.Capability) *chatroom.Room {
	room := chatroom.NewRoom(chatroom.Params{
		Local:  d.local,
		Device: d.device,
		Caps:   caps,
		Log:    d.log,
	})
	for _, sink := range d.sinks {
		room.AttachSink(sink)
	}
	_ = room.Create(ctx, "")
	room.FailCreation(ctx)
	return room
}

func (d *Directory) saveSnapshot() {
	if d.snapStore == nil {
		return
	}
	d.mu.Lock()
	entries := make([]contract.DirectoryRoom, 0, len(d.rooms))
	for _, room := range d.rooms {
		entries = append(entries, contract.DirectoryRoom{
			Address:  room.Address(),
			Peer:     room.Peer(),
			State:    room.State(),
			Caps:     room.Capabilities(),
			Subject:  room.Subject(),
			LastSeq:  room.LastSequence(),
			Creation: room.CreatedAt().Unix(),
			Instance: room.Instance(),
		})
	}
	d.mu.Unlock()
	if err := d.snapStore.SaveSnapshot(entries); err != nil {
		d.log.Warn("Persisting directory snapshot failed", "error", err)
	}
}
