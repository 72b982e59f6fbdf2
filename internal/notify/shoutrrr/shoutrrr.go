// Package shoutrrr delivers alert notifications to chat and email services
// addressed by shoutrrr URLs (smtp://, teams://, telegram://, ...).
package shoutrrr

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"strconv"
	"time"

	sr "github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"
	gocache "github.com/patrickmn/go-cache"

	"github.com/linnemanlabs/warden/internal/alert"
)

// deliveredTTL is how long a service's success is remembered for a
// notification. It only needs to outlast the dispatcher's retries.
const deliveredTTL = 10 * time.Minute

// sender is the part of *router.ServiceRouter the sink uses.
type sender interface {
	Send(message string, params *types.Params) []error
}

// Sink sends each notification to every configured service URL. Services
// that already accepted a notification are skipped when the dispatcher
// retries it, so only the failed ones see the message again.
type Sink struct {
	senders   []sender
	delivered *gocache.Cache
}

// New builds a sender for urls. Invalid URLs fail here rather than on first send.
func New(urls []string, timeout time.Duration) (*Sink, error) {
	if len(urls) == 0 {
		return nil, errors.New("shoutrrr: at least one URL is required")
	}
	senders := make([]sender, 0, len(urls))
	for i, u := range urls {
		r, err := sr.CreateSender(u)
		if err != nil {
			// the error text may echo credentials embedded in the URL
			return nil, fmt.Errorf("shoutrrr: invalid service URL #%d", i+1)
		}
		if timeout > 0 {
			r.Timeout = timeout
		}
		r.SetLogger(stdlog.New(io.Discard, "", 0))
		senders = append(senders, r)
	}
	return newSink(senders), nil
}

func newSink(senders []sender) *Sink {
	return &Sink{
		senders:   senders,
		delivered: gocache.New(deliveredTTL, deliveredTTL),
	}
}

// Name implements notify.Sink.
func (s *Sink) Name() string { return "shoutrrr" }

// Send delivers n to every service that has not yet accepted it. Each router
// applies its own timeout.
func (s *Sink) Send(_ context.Context, n *alert.Notification) error {
	params := types.Params{}
	if n.Title != "" {
		params.SetTitle(n.Title)
	}
	msg := body(n)

	var errs []error
	for i, snd := range s.senders {
		key := n.ID + "#" + strconv.Itoa(i)
		if _, done := s.delivered.Get(key); done {
			continue
		}
		if err := errors.Join(snd.Send(msg, &params)...); err != nil {
			errs = append(errs, fmt.Errorf("service #%d: %w", i+1, err))
			continue
		}
		s.delivered.SetDefault(key, struct{}{})
	}
	if len(errs) > 0 {
		return fmt.Errorf("shoutrrr: %d service(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

func body(n *alert.Notification) string {
	msg := n.Message
	if id := n.AlertID(); id != "" {
		msg += fmt.Sprintf("\n\nAlert: %s (priority %s)", id, n.Priority)
	}
	return msg
}
