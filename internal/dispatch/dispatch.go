// Package dispatch decodes operation envelopes arriving from transport
// connections and routes them to the coordinator. Failures are reported
// back to the submitting connection only; the thread's group never sees
// another caller's errors.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"parley/api/internal/coordinator"
	"parley/api/internal/fabric"
)

// Operation names accepted on the wire.
const (
	OpSendMessage = "SendMessage"
	OpJoinThread  = "JoinThread"
	OpLeaveThread = "LeaveThread"
	OpUpdateScore = "UpdateThreadSwearingScore"
	OpPing        = "Ping"
)

// Envelope is the wire form of one operation. Fields beyond Op are
// read depending on the operation; extras are ignored.
type Envelope struct {
	Op       string `json:"op"`
	ThreadID int64  `json:"threadId"`
	Text     string `json:"text"`
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	Score    int    `json:"score"`
}

type Coordinator interface {
	Join(ctx context.Context, connectionID string, userID, threadID int64) error
	Leave(connectionID string, threadID int64)
	SendMessage(ctx context.Context, threadID, userID int64, username, text string) error
	UpdateScore(ctx context.Context, threadID int64, score int) error
	OnDisconnect(connectionID string)
}

// Caller delivers events to a single connection.
type Caller interface {
	PublishToCaller(ctx context.Context, connectionID string, event fabric.Event) error
}

type Dispatcher struct {
	coord  Coordinator
	caller Caller
}

func New(coord Coordinator, caller Caller) *Dispatcher {
	return &Dispatcher{coord: coord, caller: caller}
}

// Handle processes one raw envelope from a connection. The returned error
// is for transport-level accounting only; callers have already been told
// what went wrong via their mailbox.
func (d *Dispatcher) Handle(ctx context.Context, connectionID string, raw []byte) error {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Printf("dispatch: malformed envelope from %s: %v", connectionID, err)
		d.reply(ctx, connectionID, fabric.ErrorEvent("Malformed request"))
		return err
	}

	switch env.Op {
	case OpSendMessage:
		err := d.coord.SendMessage(ctx, env.ThreadID, env.UserID, env.Username, env.Text)
		return d.report(ctx, connectionID, env.Op, err)
	case OpJoinThread:
		err := d.coord.Join(ctx, connectionID, env.UserID, env.ThreadID)
		return d.report(ctx, connectionID, env.Op, err)
	case OpLeaveThread:
		d.coord.Leave(connectionID, env.ThreadID)
		return nil
	case OpUpdateScore:
		err := d.coord.UpdateScore(ctx, env.ThreadID, env.Score)
		return d.report(ctx, connectionID, env.Op, err)
	case OpPing:
		d.reply(ctx, connectionID, fabric.Pong())
		return nil
	default:
		log.Printf("dispatch: unknown op %q from %s", env.Op, connectionID)
		d.reply(ctx, connectionID, fabric.ErrorEvent("Unknown operation"))
		return errors.New("unknown operation")
	}
}

// Disconnect releases coordinator state for a dropped connection.
func (d *Dispatcher) Disconnect(connectionID string) {
	d.coord.OnDisconnect(connectionID)
}

func (d *Dispatcher) report(ctx context.Context, connectionID, op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, coordinator.ErrThreadNotFound):
		d.reply(ctx, connectionID, fabric.ErrorEvent("Thread not found"))
	case errors.Is(err, coordinator.ErrThreadClosed):
		d.reply(ctx, connectionID, fabric.ErrorEvent("Thread is closed"))
	default:
		log.Printf("dispatch: %s from %s: %v", op, connectionID, err)
		d.reply(ctx, connectionID, fabric.ErrorEvent("Operation failed"))
	}
	return err
}

func (d *Dispatcher) reply(ctx context.Context, connectionID string, event fabric.Event) {
	if err := d.caller.PublishToCaller(ctx, connectionID, event); err != nil {
		log.Printf("dispatch: reply to %s: %v", connectionID, err)
	}
}
