package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"fableworks.com/collab"
)

const CollabCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Collab control.

Talks to a story server's sync endpoint, e.g. ws://localhost:8080/ws.

Usage:
    collabctl watch --url=<url> --unit=<unit_id> --field=<field>
    collabctl edit --url=<url> --unit=<unit_id> --field=<field>
        [--at=<index>] <text>
    collabctl dump --url=<url> --unit=<unit_id> --field=<field>

Options:
    -h --help          Show this screen.
    --version          Show version.
    --url=<url>        Server sync endpoint url.
    --unit=<unit_id>   Narrative unit id, or "project".
    --field=<field>    One of notes, content, premise.
    --at=<index>       Visible rune index to insert at [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if edit_, _ := opts.Bool("edit"); edit_ {
		edit(opts)
	} else if dump_, _ := opts.Bool("dump"); dump_ {
		dump(opts)
	}
}

type session struct {
	channel     *collab.EventChannel
	store       *collab.FieldStore
	coordinator *collab.Coordinator
}

func newSession(opts docopt.Opts) *session {
	url, _ := opts.String("--url")
	ctx := context.Background()

	channel := collab.NewEventChannelWithDefaults(ctx, url)
	store := collab.NewFieldStore(collab.NewId())
	coordinator := collab.NewCoordinator(ctx, channel, store)
	coordinator.Bind()
	channel.Connect()
	return &session{
		channel:     channel,
		store:       store,
		coordinator: coordinator,
	}
}

func (self *session) close() {
	self.coordinator.Close()
	self.channel.Close()
}

func (self *session) awaitSynced(timeout time.Duration) bool {
	end := time.Now().Add(timeout)
	for time.Now().Before(end) {
		if self.coordinator.State() == collab.CoordinatorStateSynced {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}

func fieldKey(opts docopt.Opts) (string, collab.FieldName) {
	unitId, _ := opts.String("--unit")
	field, _ := opts.String("--field")
	fieldName := collab.FieldName(field)
	if err := fieldName.Validate(); err != nil {
		Err.Fatalf("%s", err)
	}
	return unitId, fieldName
}

func watch(opts docopt.Opts) {
	session := newSession(opts)
	defer session.close()

	unitId, fieldName := fieldKey(opts)
	watchKey := collab.NewFieldKey(unitId, fieldName)

	session.store.AddChangeCallback(func(key collab.FieldKey, value string) {
		if key == watchKey {
			Out.Printf("%s: %q", key, value)
		}
	})
	session.coordinator.AddNotificationCallback(func(message *collab.ControlMessage) {
		Out.Printf("notify %s %s", message.Type, string(message.Data))
	})

	session.coordinator.Resync(unitId, fieldName)
	if !session.awaitSynced(10 * time.Second) {
		Err.Printf("not synced yet, watching anyway")
	}
	Out.Printf("%s: %q", watchKey, session.coordinator.Read(unitId, fieldName))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

func edit(opts docopt.Opts) {
	session := newSession(opts)
	defer session.close()

	unitId, fieldName := fieldKey(opts)
	text, _ := opts.String("<text>")
	atStr, _ := opts.String("--at")
	at, err := strconv.Atoi(atStr)
	if err != nil {
		Err.Fatalf("bad --at index: %s", err)
	}

	if !session.awaitSynced(10 * time.Second) {
		Err.Fatalf("could not sync with %s", mustString(opts, "--url"))
	}
	session.coordinator.Insert(unitId, fieldName, at, text)

	// give the frame a moment on the wire before closing
	time.Sleep(200 * time.Millisecond)
	Out.Printf("%s: %q", collab.NewFieldKey(unitId, fieldName), session.coordinator.Read(unitId, fieldName))
}

func dump(opts docopt.Opts) {
	session := newSession(opts)
	defer session.close()

	unitId, fieldName := fieldKey(opts)

	session.coordinator.Resync(unitId, fieldName)
	if !session.awaitSynced(10 * time.Second) {
		Err.Fatalf("could not sync with %s", mustString(opts, "--url"))
	}
	Out.Printf("%s", session.coordinator.Read(unitId, fieldName))
}

func mustString(opts docopt.Opts, key string) string {
	value, _ := opts.String(key)
	return value
}
