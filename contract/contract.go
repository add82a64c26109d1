//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"confsync/domain"
	"confsync/domain/event"
	"context"
	"reflect"

	"github.com/google/uuid"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

type WorkerName string

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker
// initialization or lifecycle events, avoiding the need for manual naming
// in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// SignalSink receives application-facing signals. Sinks must be fast or
// buffer internally; the engine calls them inline after applying events.
type SignalSink interface {
	Consume(ctx context.Context, s event.Signal) error
}

// Notification carries one authoritative event to one subscribed device.
// Delivery is reliable and ordered per subscription; the engine still
// guards against duplicates and gaps across resubscriptions.
type Notification struct {
	Room     domain.Address
	Sequence uint64
	Event    event.ConferenceEvent
}

// Snapshot is a full-state resync response. InstanceID changes whenever
// the focus recreates the conference (e.g. after every member left), in
// which case local history must be rebased rather than extended.
type Snapshot struct {
	InstanceID uuid.UUID
	Events     []event.ConferenceEvent
}

// Invitation announces a conference this device should join.
type Invitation struct {
	Room     domain.Address
	OneToOne bool
	Peer     domain.Address
}

// RequestKind discriminates outbound change requests. All of them are
// requests only: the focus is authoritative and may silently drop them.
type RequestKind int

const (
	RequestCreate RequestKind = iota
	RequestAddParticipants
	RequestRemoveParticipant
	RequestSetAdmin
	RequestSetSubject
	RequestLeave
)

func (k RequestKind) String() string {
	switch k {
	case RequestCreate:
		return "Create"
	case RequestAddParticipants:
		return "AddParticipants"
	case RequestRemoveParticipant:
		return "RemoveParticipant"
	case RequestSetAdmin:
		return "SetAdmin"
	case RequestSetSubject:
		return "SetSubject"
	case RequestLeave:
		return "Leave"
	default:
		return "Unknown"
	}
}

type Request struct {
	Kind         RequestKind
	Room         domain.Address
	From         domain.Address
	Participants []domain.Address
	Participant  domain.Address
	Admin        bool
	Subject      string
}

// IRequestSender sends one membership/subject/admin change request towards
// the focus. The local state must not change until the corresponding
// event round-trips.
type IRequestSender interface {
	Send(ctx context.Context, req Request) error
}

// Subscription is one device's live notification feed for one room.
// Instance identifies the conference incarnation: a different value on
// resubscription means the focus recreated the conference and local
// history must be rebased.
type Subscription struct {
	Instance uuid.UUID
	Events   <-chan Notification
}

// IFocus abstracts the transport towards the remote focus: subscription,
// full-state resync and change requests. Subscribe delivers only the
// delta after the given sequence, so a reconnecting device catches up
// without a full replay.
type IFocus interface {
	Create(ctx context.Context, creator domain.Address, subject string, participants []domain.Address, oneToOne bool) (domain.Address, error)
	Subscribe(ctx context.Context, room domain.Address, device domain.DeviceID, after uint64) (Subscription, error)
	FullState(ctx context.Context, room domain.Address) (Snapshot, error)
	Submit(ctx context.Context, req Request) error
	Invitations(ctx context.Context, device domain.DeviceID) (<-chan Invitation, error)
}

// ICapabilityResolver answers whether a peer supports focus-managed chat.
type ICapabilityResolver interface {
	SupportsConference(ctx context.Context, peer domain.Address) (bool, error)
}

// IEventStore persists per-room ordered event history.
type IEventStore interface {
	AppendEvent(room domain.Address, e event.ConferenceEvent) error
	LoadEvents(room domain.Address) ([]event.ConferenceEvent, error)
	ReplaceEvents(room domain.Address, events []event.ConferenceEvent) error
}

// ImdnRecord is one persisted per-message, per-participant delivery state.
// Inbound marks messages received locally (pending acknowledgement)
// rather than states of our own outgoing messages.
type ImdnRecord struct {
	Message     uuid.UUID
	Participant domain.Address
	State       domain.ImdnState
	Inbound     bool
}

type IImdnStore interface {
	SaveState(room domain.Address, rec ImdnRecord) error
	LoadStates(room domain.Address) ([]ImdnRecord, error)
}

// IMessageStore persists message history, supports cursor pagination,
// full-text search and re-keying history when a room migrates.
type IMessageStore interface {
	StoreMessage(room domain.Address, msg domain.Message) error
	GetMessages(room domain.Address, cursor *string) ([]domain.Message, *string, error)
	Search(room domain.Address, query string, limit int) ([]domain.Message, error)
	Migrate(from, to domain.Address) error
}

// DirectoryRoom is the persisted shape of one directory entry.
type DirectoryRoom struct {
	Address  domain.Address
	Peer     domain.Address
	State    domain.RoomState
	Caps     domain.Capability
	Subject  string
	LastSeq  uint64
	Creation int64
	Instance uuid.UUID
}

type IDirectoryStore interface {
	SaveSnapshot(rooms []DirectoryRoom) error
	LoadSnapshot() ([]DirectoryRoom, error)
}
