package e2e

import (
	"confsync/chatroom"
	"confsync/directory"
	"confsync/domain"
	"confsync/domain/event"
	"confsync/focus"
	"confsync/imdn"
	"confsync/runtime/workers"
	"context"
	"sync"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/suite"
)

const (
	marie   = domain.Address("sip:marie@example.org")
	pauline = domain.Address("sip:pauline@example.org")
	laure   = domain.Address("sip:laure@example.org")
)

// BaseSuite wires an in-process focus, a shared supervisor and one
// directory per identity/device, plus a transport that carries messages
// and delivery acknowledgements between them.
type BaseSuite struct {
	suite.Suite
	Config Config

	sim    *focus.Simulator
	caps   *focus.CapabilityDirectory
	sup    *workers.Supervisor
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	dirs []*directory.Directory
}

func (s *BaseSuite) SetupTest() {
	cfg, err := LoadConfig()
	s.Require().NoError(err)
	s.Config = cfg

	log := logs.GetLoggerFromString(cfg.LogLevel)
	s.sim = focus.NewSimulator("focus.example.org", log)
	s.caps = focus.NewCapabilityDirectory()
	s.sup = workers.NewSupervisor(log, cfg.RestartInterval)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.dirs = nil
}

func (s *BaseSuite) TearDownTest() {
	s.cancel()
	s.sup.Stop()
}

// NewDirectory registers a device and starts its supervised directory.
func (s *BaseSuite) NewDirectory(who domain.Address, dev domain.DeviceID) *directory.Directory {
	s.sim.RegisterDevice(who, dev)
	d := directory.New(directory.Params{
		Local:          who,
		Device:         dev,
		Focus:          s.sim,
		Caps:           s.caps,
		Supervisor:     s.sup,
		Log:            logs.GetLoggerFromString(s.Config.LogLevel),
		RequestTimeout: s.Config.RequestTimeout,
		ResyncBudget:   s.Config.ResyncBudget,
		ImdnReporting:  true,
	})
	s.sup.Start(s.ctx, d)
	s.mu.Lock()
	s.dirs = append(s.dirs, d)
	s.mu.Unlock()
	return d
}

// Deliver carries one message to every other member and routes the
// delivery acknowledgements back to the author.
func (s *BaseSuite) Deliver(room domain.Address, msg domain.Message) {
	s.mu.Lock()
	dirs := append([]*directory.Directory(nil), s.dirs...)
	s.mu.Unlock()
	for _, d := range dirs {
		target, ok := d.FindRoom(room)
		if !ok || target.Local() == msg.Author {
			continue
		}
		acks, err := target.ReceiveMessage(s.ctx, msg)
		s.Require().NoError(err)
		s.RouteAcks(room, target.Local(), target.Device(), acks)
	}
}

// RouteAcks forwards acknowledgements to the rooms of their target peer.
func (s *BaseSuite) RouteAcks(room domain.Address, from domain.Address, device domain.DeviceID, acks []imdn.Ack) {
	s.mu.Lock()
	dirs := append([]*directory.Directory(nil), s.dirs...)
	s.mu.Unlock()
	for _, ack := range acks {
		for _, d := range dirs {
			target, ok := d.FindRoom(room)
			if !ok || target.Local() != ack.Peer {
				continue
			}
			switch ack.State {
			case domain.ImdnDeliveredToUser:
				for _, id := range ack.Messages {
					s.Require().NoError(target.HandleDeliveryAck(s.ctx, id, from, device))
				}
			case domain.ImdnDisplayed:
				s.Require().NoError(target.HandleReadAck(s.ctx, from, ack.Messages))
			}
		}
	}
}

func (s *BaseSuite) Converge(cond func() bool) {
	s.Require().Eventually(cond, s.Config.ConvergeTimeout, 5*time.Millisecond)
}

func (s *BaseSuite) WaitRoom(d *directory.Directory, addr domain.Address) *chatroom.Room {
	var room *chatroom.Room
	s.Converge(func() bool {
		r, ok := d.FindRoom(addr)
		if ok && r.State() == domain.StateCreated {
			room = r
			return true
		}
		return false
	})
	return room
}

// signalRecorder collects the signals one identity observes.
type signalRecorder struct {
	mu      sync.Mutex
	signals []event.Signal
}

func (r *signalRecorder) Consume(_ context.Context, sig event.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, sig)
	return nil
}

func (r *signalRecorder) joins(room domain.Address, who domain.Address) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, sig := range r.signals {
		pc, ok := sig.(event.ParticipantChanged)
		if ok && pc.Room == room && pc.Participant == who && pc.Change == event.ParticipantJoined {
			n++
		}
	}
	return n
}
