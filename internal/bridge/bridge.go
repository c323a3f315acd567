// Package bridge runs the main event loop: inbound chat events, file
// watcher notifications, and finished background runs are awaited
// concurrently and dispatched in arrival order.
package bridge

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/tetherbot/tether/internal/agent"
	"github.com/tetherbot/tether/internal/chat"
	"github.com/tetherbot/tether/internal/config"
	"github.com/tetherbot/tether/internal/log"
	"github.com/tetherbot/tether/internal/project"
	"github.com/tetherbot/tether/internal/refine"
	"github.com/tetherbot/tether/internal/session"
	"github.com/tetherbot/tether/internal/stream"
	"github.com/tetherbot/tether/internal/transcribe"
	"github.com/tetherbot/tether/internal/watcher"
)

// Bridge owns the dispatch loop and the per-project file watch.
type Bridge struct {
	cfg        config.Config
	transport  chat.Transport
	store      *project.Store
	machine    *session.Machine
	authorized int64

	watch       *watcher.Watcher
	watchEvents <-chan watcher.Event
	watchedName string
}

// New wires the core components together. The transport's authorized user
// must parse as a numeric chat identity.
func New(cfg config.Config, transport chat.Transport, store *project.Store, sup *agent.Supervisor) (*Bridge, error) {
	authorized, err := strconv.ParseInt(cfg.Chat.AuthorizedUser, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("chat.authorized_user must be a numeric identity: %w", err)
	}

	b := &Bridge{
		cfg:        cfg,
		transport:  transport,
		store:      store,
		authorized: authorized,
	}

	b.machine = session.New(session.Deps{
		Store:   store,
		Sup:     sup,
		Refiner: refine.New(sup),
		Out:     transport,
		Voice:   transcribe.NewCommand(cfg.Voice.Command, cfg.Voice.Args),
		Stream: stream.Options{
			Mode:           config.StreamMode(cfg.Stream.Mode),
			UpdateInterval: cfg.Stream.UpdateInterval(),
			MinChars:       cfg.Stream.MinChars,
			MaxChars:       cfg.Stream.MaxChars,
			TailLimit:      cfg.Stream.TailLimit,
			Cursor:         cfg.Stream.Cursor,
		},
		ZipSkip:           cfg.Watcher.Ignore,
		OnProjectSelected: b.swapWatch,
	})

	return b, nil
}

// Run blocks until ctx is cancelled or the inbound feed closes. All three
// event sources are awaited concurrently; none can starve another.
func (b *Bridge) Run(ctx context.Context) error {
	log.Info(log.CatBridge, "Bridge running", "authorizedUser", b.authorized)

	// A selection restored from the pointer file gets its watch back
	// immediately.
	if proj, err := b.store.Current(); err == nil {
		b.swapWatch(proj)
	}
	defer b.stopWatch()

	updates := b.transport.Updates(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case u, ok := <-updates:
			if !ok {
				log.Info(log.CatBridge, "Inbound feed closed, shutting down")
				return nil
			}
			if u.Sender != b.authorized {
				log.Warn(log.CatBridge, "Dropping event from unauthorized sender", "sender", u.Sender)
				continue
			}
			b.machine.HandleUpdate(ctx, u)

		case ev := <-b.machine.Events():
			b.machine.HandleEvent(ctx, ev)

		case wev, ok := <-b.watchEvents:
			if !ok {
				b.watchEvents = nil
				continue
			}
			b.notifyWatch(ctx, wev)
		}
	}
}

// swapWatch replaces the active file watch when the active project changes.
// The old subscription is stopped first; there is at most one.
func (b *Bridge) swapWatch(proj project.Project) {
	b.stopWatch()

	w, err := watcher.New(watcher.Config{
		Debounce: b.cfg.Watcher.Debounce(),
		Ignore:   b.cfg.Watcher.Ignore,
	})
	if err != nil {
		log.ErrorErr(log.CatBridge, "Could not create file watcher", err, "project", proj.Name)
		return
	}
	events, err := w.Start(proj.Path)
	if err != nil {
		log.ErrorErr(log.CatBridge, "Could not watch project", err, "project", proj.Name)
		w.Stop()
		return
	}

	b.watch = w
	b.watchEvents = events
	b.watchedName = proj.Name
}

func (b *Bridge) stopWatch() {
	if b.watch != nil {
		b.watch.Stop()
		b.watch = nil
		b.watchEvents = nil
	}
}

func (b *Bridge) notifyWatch(ctx context.Context, ev watcher.Event) {
	if ev.Kind == watcher.WatchLost {
		b.stopWatch()
		b.send(ctx, fmt.Sprintf("⚠️ Lost sight of %q's files. Re-select the project to watch again.", b.watchedName))
		return
	}

	name := filepath.Base(ev.Path)
	if proj, err := b.store.Current(); err == nil {
		if rel, relErr := filepath.Rel(proj.Path, ev.Path); relErr == nil {
			name = rel
		}
	}

	var icon string
	switch ev.Kind {
	case watcher.Created:
		icon = "🆕"
	case watcher.Deleted:
		icon = "🗑️"
	default:
		icon = "✏️"
	}
	b.send(ctx, fmt.Sprintf("%s %s: %s", icon, ev.Kind, name))
}

func (b *Bridge) send(ctx context.Context, text string) {
	if _, err := b.transport.SendMessage(ctx, text); err != nil {
		log.ErrorErr(log.CatBridge, "Failed to send notification", err)
	}
}
