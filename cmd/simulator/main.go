package main

import (
	"confsync/contract"
	"confsync/directory"
	"confsync/domain"
	"confsync/domain/event"
	"confsync/focus"
	"confsync/imdn"
	"confsync/internal"
	"confsync/repositories"
	"confsync/runtime/workers"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blugelabs/bluge"
	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/database"
	"github.com/mama165/sdk-go/logs"

	"github.com/Netflix/go-env"
)

// Exit codes to provide meaningful status to the operating system or service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	// The main function acts as a thin wrapper.
	// Its only responsibility is to call run() and handle the OS exit code.
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Simulator terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run wires three identities against an in-process focus and plays a
// small conference scenario end to end: creation, invitations, message
// delivery, read receipts, a subject change and a departure. The first
// identity persists everything; the two peers run in memory.
func run() (int, error) {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	if err := config.Validate(); err != nil {
		return exitConfig, err
	}

	logger := logs.GetLoggerFromString(config.LogLevel)

	ctx := context.Background()

	// 2. Database (BadgerDB)
	db, err := badger.Open(buildBadgerOpts(config, logger, ctx))
	if err != nil {
		return exitRuntime, fmt.Errorf("database opening failed: %w", err)
	}

	if logger.Enabled(ctx, slog.LevelDebug) {
		debugPort := 8081
		endpoint := "/inspect"
		logger.Info("Debug Badger inspector available",
			"url", fmt.Sprintf("http://localhost:%d%s", debugPort, endpoint))
		database.StartDebugServer(db, debugPort, endpoint, HistoryMapper)
	}

	defer func() {
		// Defer ensures the database lock is released and buffers are flushed before the function returns.
		logger.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	blugeWriter, err := bluge.OpenWriter(bluge.DefaultConfig(config.BlugeFilepath))
	if err != nil {
		return exitRuntime, fmt.Errorf("failed to open bluge writer: %w", err)
	}
	defer func() {
		logger.Info("Closing Bluge...")
		_ = blugeWriter.Close()
	}()

	// 3. Focus & Repositories
	sim := focus.NewSimulator(config.FocusDomain, logger)
	caps := focus.NewCapabilityDirectory()
	sup := workers.NewSupervisor(logger, config.RestartInterval)

	eventRepo := repositories.NewEventRepository(db, logger)
	imdnRepo := repositories.NewImdnRepository(db, logger)
	msgRepo := repositories.NewMessageRepository(db, blugeWriter, logger, config.LimitMessages)
	dirRepo := repositories.NewDirectoryRepository(db, logger)

	local := domain.Address(config.LocalAddress)
	device := domain.DeviceID(config.DeviceID)
	pauline := domain.Address(fmt.Sprintf("sip:pauline@%s", config.FocusDomain))
	laure := domain.Address(fmt.Sprintf("sip:laure@%s", config.FocusDomain))

	for _, peer := range []domain.Address{local, pauline, laure} {
		caps.SetConferencing(peer, true)
	}
	sim.RegisterDevice(local, device)
	sim.RegisterDevice(pauline, "pauline-dev-1")
	sim.RegisterDevice(laure, "laure-dev-1")

	build := func(who domain.Address, dev domain.DeviceID, persistent, reporting bool) *directory.Directory {
		params := directory.Params{
			Local:          who,
			Device:         dev,
			Focus:          sim,
			Caps:           caps,
			Supervisor:     sup,
			Log:            logger,
			RequestTimeout: config.RequestTimeout,
			ResyncBudget:   config.ResyncBudget,
			ImdnReporting:  reporting,
		}
		if persistent {
			params.Events = eventRepo
			params.Imdn = imdnRepo
			params.Messages = msgRepo
			params.Snapshots = dirRepo
		}
		d := directory.New(params)
		d.AttachSink(&loggingSink{log: logger, who: string(who)})
		return d
	}

	marieDir := build(local, device, true, config.ImdnReporting)
	// The peers always report so the demo shows delivery aggregation.
	paulineDir := build(pauline, "pauline-dev-1", false, true)
	laureDir := build(laure, "laure-dev-1", false, true)

	if err := marieDir.Restore(ctx); err != nil {
		return exitRuntime, fmt.Errorf("restoring directory: %w", err)
	}

	// 4. Context & Signals
	// NotifyContext captures OS signals and cancels the context to trigger a shutdown.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup.Add(marieDir, paulineDir, laureDir)
	go sup.Run(ctx)

	errChan := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		courier := &courier{dirs: []*directory.Directory{marieDir, paulineDir, laureDir}}
		if err := playScenario(ctx, logger, marieDir, paulineDir, laureDir, courier, pauline, laure); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errChan:
		sup.Stop()
		return exitRuntime, err
	case <-done:
		logger.Info("Scenario finished")
	}

	logger.Info("Shutting down gracefully...")
	sup.Stop()
	logger.Info("Program stopped cleanly")

	return exitOK, nil
}

// playScenario drives the demo conversation.
func playScenario(ctx context.Context, logger *slog.Logger,
	marieDir, paulineDir, laureDir *directory.Directory,
	courier *courier, pauline, laure domain.Address) error {

	room, err := marieDir.CreateConference(ctx, "Colleagues", []domain.Address{pauline, laure})
	if err != nil {
		return fmt.Errorf("creating conference: %w", err)
	}

	if !waitFor(ctx, 5*time.Second, func() bool {
		return room.Roster().Count() == 3
	}) {
		return fmt.Errorf("conference never converged to 3 participants")
	}
	logger.Info("Conference converged", "room", string(room.Address()),
		"participants", room.Roster().Count())

	msg, err := marieDir.SendMessage(ctx, room, "Lunch at noon?")
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	courier.Deliver(ctx, room.Address(), msg)

	if !waitFor(ctx, 5*time.Second, func() bool {
		return room.AggregateState(msg.ID) >= domain.ImdnDeliveredToUser
	}) {
		return fmt.Errorf("message never reached every participant")
	}

	if paulineRoom, ok := paulineDir.FindRoom(room.Address()); ok {
		acks, err := paulineRoom.MarkAsRead(ctx)
		if err != nil {
			return err
		}
		courier.Acknowledge(ctx, room.Address(), paulineRoom.Local(), "pauline-dev-1", acks)
	}

	if err := room.SetSubject(ctx, "Lunch plans"); err != nil {
		return err
	}
	if !waitFor(ctx, 5*time.Second, func() bool {
		return room.Subject() == "Lunch plans"
	}) {
		return fmt.Errorf("subject change never round-tripped")
	}

	if laureRoom, ok := laureDir.FindRoom(room.Address()); ok {
		if err := laureRoom.Leave(ctx); err != nil {
			return err
		}
	}
	if !waitFor(ctx, 5*time.Second, func() bool {
		return room.Roster().Count() == 2
	}) {
		return fmt.Errorf("departure never propagated")
	}

	// The store pages newest-first; replay the page oldest-first so the
	// transcript reads top to bottom.
	page, _, err := room.Messages(nil)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	for _, m := range repositories.SortedByTime(page) {
		logger.Info("Transcript", "author", string(m.Author),
			"at", m.SentAt.Format(time.RFC3339), "content", m.Content)
	}

	logger.Info("Scenario complete",
		"subject", room.Subject(),
		"participants", room.Roster().Count(),
		"history", room.LastSequence())
	return nil
}

// courier moves messages and delivery acknowledgements between the
// in-process identities, standing in for the message transport.
type courier struct {
	dirs []*directory.Directory
}

func (c *courier) Deliver(ctx context.Context, room domain.Address, msg domain.Message) {
	for _, d := range c.dirs {
		target, ok := d.FindRoom(room)
		if !ok || target.Local() == msg.Author {
			continue
		}
		acks, err := target.ReceiveMessage(ctx, msg)
		if err != nil {
			continue
		}
		c.Acknowledge(ctx, room, target.Local(), target.Device(), acks)
	}
}

func (c *courier) Acknowledge(ctx context.Context, room domain.Address,
	from domain.Address, device domain.DeviceID, acks []imdn.Ack) {
	for _, ack := range acks {
		for _, d := range c.dirs {
			target, ok := d.FindRoom(room)
			if !ok || target.Local() != ack.Peer {
				continue
			}
			switch ack.State {
			case domain.ImdnDeliveredToUser:
				for _, id := range ack.Messages {
					_ = target.HandleDeliveryAck(ctx, id, from, device)
				}
			case domain.ImdnDisplayed:
				_ = target.HandleReadAck(ctx, from, ack.Messages)
			}
		}
	}
}

// loggingSink prints every application signal, tagged with the identity
// that observed it.
type loggingSink struct {
	log *slog.Logger
	who string
}

var _ contract.SignalSink = (*loggingSink)(nil)

func (s *loggingSink) Consume(_ context.Context, sig event.Signal) error {
	switch v := sig.(type) {
	case event.RoomStateChanged:
		s.log.Info("Room state changed", "who", s.who, "room", string(v.Room),
			"from", v.Old.String(), "to", v.New.String())
	case event.ParticipantChanged:
		s.log.Info("Roster changed", "who", s.who, "room", string(v.Room),
			"participant", string(v.Participant), "change", v.Change.String())
	case event.SubjectUpdated:
		s.log.Info("Subject updated", "who", s.who, "room", string(v.Room), "subject", v.Subject)
	case event.MessageStateChanged:
		s.log.Info("Message state changed", "who", s.who, "room", string(v.Room),
			"participant", string(v.Participant), "state", v.State.String())
	case event.SyncDegraded:
		s.log.Warn("Room went stale", "who", s.who, "room", string(v.Room), "error", v.Err)
	case event.RequestExpired:
		s.log.Warn("Request expired", "who", s.who, "room", string(v.Room), "kind", v.Kind)
	default:
		s.log.Debug("Signal", "who", s.who, "room", string(sig.SignalRoom()))
	}
	return nil
}

func waitFor(ctx context.Context, timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(20 * time.Millisecond):
		}
	}
	return cond()
}

func buildBadgerOpts(config internal.Config, logger *slog.Logger, ctx context.Context) badger.Options {
	options := badger.DefaultOptions(config.BadgerFilepath)

	if logger.Enabled(ctx, slog.LevelDebug) {
		options = options.WithLoggingLevel(badger.DEBUG).
			WithBypassLockGuard(true)
	} else {
		options = options.WithLoggingLevel(badger.INFO)
	}

	return options
}

// HistoryMapper renders persisted CBOR values in the Badger inspector.
func HistoryMapper(key string, val []byte) database.InspectRow {
	row := database.DefaultMapper(key, val)

	var decoded map[string]any
	if err := cbor.Unmarshal(val, &decoded); err != nil {
		return row
	}
	switch {
	case len(key) > 4 && key[:4] == "evt:":
		row.Type = "EVENT"
		row.Detail = fmt.Sprintf("%v", decoded["kind"])
	case len(key) > 4 && key[:4] == "msg:":
		row.Type = "MESSAGE"
		row.Detail = fmt.Sprintf("%v", decoded["content"])
	case len(key) > 5 && key[:5] == "imdn:":
		row.Type = "IMDN"
		row.Detail = fmt.Sprintf("state=%v", decoded["state"])
	}
	return row
}
