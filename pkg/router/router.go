// Package router decides which inbound events belong to this client and keeps
// the set of rooms it has joined so they can be replayed after a reconnect.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roboricindustries/raycon-chat/pkg/logging"
	"github.com/roboricindustries/raycon-chat/pkg/transport"
)

// Router is owned by the session event loop and is not safe for concurrent use.
type Router struct {
	tr  transport.Transport
	log *slog.Logger

	own       string
	discovery bool
	order     []string
	joined    map[string]struct{}
}

func New(tr transport.Transport, logger *slog.Logger) *Router {
	return &Router{
		tr:     tr,
		log:    logging.OrDiscard(logger).With("component", "router"),
		joined: make(map[string]struct{}),
	}
}

// Restrict limits the router to a single room, the customer's own.
func (r *Router) Restrict(room string) { r.own = room }

// Join records room and subscribes to it. Joining twice is a no-op on the wire.
func (r *Router) Join(ctx context.Context, room string) error {
	if room == "" {
		return errors.New("router: empty room")
	}
	if r.own != "" && room != r.own {
		return fmt.Errorf("router: room %q is not %q", room, r.own)
	}
	if _, ok := r.joined[room]; ok {
		return nil
	}
	r.joined[room] = struct{}{}
	r.order = append(r.order, room)
	if err := r.tr.JoinRoom(ctx, room); err != nil {
		return fmt.Errorf("join %s: %w", room, err)
	}
	r.log.Debug("joined room", slog.String("room", room))
	return nil
}

// EnableDiscovery subscribes to the admin scope so that rooms never joined
// before are accepted and joined on first sight.
func (r *Router) EnableDiscovery(ctx context.Context) error {
	r.discovery = true
	if err := r.tr.JoinAdmin(ctx); err != nil {
		return fmt.Errorf("join admin scope: %w", err)
	}
	return nil
}

func (r *Router) Discovery() bool { return r.discovery }

// Route reports whether a message for room written under userName belongs to
// this client. A message is accepted only when userName names room.
func (r *Router) Route(ctx context.Context, room, userName string) (string, bool) {
	if room == "" || userName != room {
		return "", false
	}
	if r.own != "" && room != r.own {
		return "", false
	}
	if r.Joined(room) {
		return room, true
	}
	if !r.discovery {
		return "", false
	}
	if err := r.Join(ctx, room); err != nil {
		// membership is recorded even if the wire join failed
		r.log.Warn("auto-join failed", slog.String("room", room), slog.Any("error", err))
	}
	return room, true
}

func (r *Router) Joined(room string) bool {
	_, ok := r.joined[room]
	return ok
}

// Leave forgets room; it is not rejoined after a reconnect.
func (r *Router) Leave(room string) {
	if _, ok := r.joined[room]; !ok {
		return
	}
	delete(r.joined, room)
	for i, name := range r.order {
		if name == room {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Rejoin replays the admin scope and every recorded room. It returns the
// number of rooms replayed and the joined errors of those that failed.
func (r *Router) Rejoin(ctx context.Context) (int, error) {
	var errs []error
	if r.discovery {
		if err := r.tr.JoinAdmin(ctx); err != nil {
			errs = append(errs, fmt.Errorf("join admin scope: %w", err))
		}
	}
	n := 0
	for _, room := range r.order {
		if err := r.tr.JoinRoom(ctx, room); err != nil {
			errs = append(errs, fmt.Errorf("join %s: %w", room, err))
			continue
		}
		n++
	}
	r.log.Info("rooms rejoined", slog.Int("rooms", n), slog.Int("failed", len(errs)))
	return n, errors.Join(errs...)
}

// Rooms lists joined rooms in join order.
func (r *Router) Rooms() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Reset forgets every room and turns discovery off.
func (r *Router) Reset() {
	r.own = ""
	r.discovery = false
	r.order = nil
	r.joined = make(map[string]struct{})
}
