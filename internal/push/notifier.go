package push

import (
	"errors"
	"log/slog"

	"github.com/somnolog/somnolog/internal/store"
)

// Notifier fans a payload out to all of a user's registered push
// subscriptions and prunes the ones the push service reports as gone.
type Notifier struct {
	svc    *Service
	pushes *store.PushStore
	logger *slog.Logger
}

func NewNotifier(svc *Service, pushes *store.PushStore, logger *slog.Logger) *Notifier {
	return &Notifier{svc: svc, pushes: pushes, logger: logger}
}

// Notify delivers best-effort: push failures are logged, never surfaced to
// the request that triggered them.
func (n *Notifier) Notify(userID int64, payload Payload) {
	if n == nil || n.svc == nil || !n.svc.Configured() {
		return
	}

	subs, err := n.pushes.ListByUser(userID)
	if err != nil {
		n.logger.Error("list push subscriptions", "error", err)
		return
	}

	for _, sub := range subs {
		if err := n.svc.Send(sub, payload); err != nil {
			if errors.Is(err, ErrExpired) {
				if err := n.pushes.DeleteByEndpoint(sub.Endpoint); err != nil {
					n.logger.Error("prune expired push subscription", "error", err)
				}
				continue
			}
			n.logger.Warn("push delivery failed", "error", err)
		}
	}
}
