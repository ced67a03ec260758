package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"

	"github.com/andyy0123/inbox-connector/internal/providers/cache"
	"github.com/andyy0123/inbox-connector/internal/sync"
)

const (
	me         = "me"
	inboxLabel = "INBOX"
	trashLabel = "TRASH"
)

// Options configures the Gmail adapter.
type Options struct {
	ClientTTL   time.Duration
	RateLimit   rate.Limit
	RateBurst   int
	CallTimeout time.Duration
	Logger      *logrus.Entry
}

// Adapter implements sync.Provider for Google Workspace using a service
// account with domain-wide delegation. The tenant's client id is the admin
// subject used for directory calls; the client secret is the service
// account key.
type Adapter struct {
	opts    Options
	log     *logrus.Entry
	clients *cache.Cache[*workspace]
}

// New creates a new Gmail adapter
func New(opts Options) *Adapter {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("pkg", "gmail")
	}

	return &Adapter{
		opts: opts,
		log:  opts.Logger,
		clients: cache.New(cache.Options{
			TTL:   opts.ClientTTL,
			Limit: opts.RateLimit,
			Burst: opts.RateBurst,
		}, newWorkspace),
	}
}

// Forget drops the cached clients of a tenant.
func (a *Adapter) Forget(tenantID string) {
	a.clients.Forget(tenantID)
}

func (a *Adapter) mailbox(ctx context.Context, t sync.Tenant, userID string) (*gmail.Service, error) {
	ws, err := a.clients.Get(ctx, t)
	if err != nil {
		return nil, classify("create gmail client", err)
	}

	svc, err := ws.mailbox(ctx, userID)
	if err != nil {
		return nil, classify("create gmail client", err)
	}
	return svc, nil
}

// ListUsers lists the active users of the Workspace customer.
func (a *Adapter) ListUsers(ctx context.Context, t sync.Tenant) ([]sync.User, error) {
	ws, err := a.clients.Get(ctx, t)
	if err != nil {
		return nil, classify("create directory client", err)
	}

	users, err := ws.listUsers(ctx)
	if err != nil {
		return nil, classify("list users", err)
	}
	return users, nil
}

// FetchChanges returns inbox changes after cursor, a Gmail history id. An
// empty, malformed or expired cursor causes a full inbox listing.
func (a *Adapter) FetchChanges(ctx context.Context, t sync.Tenant, userID, cursor string) (*sync.ChangeSet, error) {
	svc, err := a.mailbox(ctx, t, userID)
	if err != nil {
		return nil, err
	}

	log := a.log.WithFields(logrus.Fields{"tenant": t.ID, "user_id": userID})

	var (
		changes *changeLog
		latest  uint64
	)

	if cursor != "" {
		start, perr := strconv.ParseUint(cursor, 10, 64)
		if perr != nil {
			log.WithError(perr).Warn("Invalid history cursor, rescanning inbox")
		} else {
			changes, latest, err = a.history(ctx, svc, start)
			if sync.IsNotFound(err) {
				log.Warn("History cursor expired, rescanning inbox")
				changes = nil
			} else if err != nil {
				return nil, err
			}
		}
	}

	if changes == nil {
		if changes, latest, err = a.listInbox(ctx, svc); err != nil {
			return nil, err
		}
	}

	out := &sync.ChangeSet{NextCursor: strconv.FormatUint(latest, 10)}

	for _, id := range changes.order {
		if changes.removed[id] {
			out.Removed = append(out.Removed, id)
			continue
		}

		msg, err := a.message(ctx, svc, id)
		if sync.IsNotFound(err) {
			out.Removed = append(out.Removed, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out.Changed = append(out.Changed, *msg)
	}

	return out, nil
}

func (a *Adapter) history(ctx context.Context, svc *gmail.Service, start uint64) (*changeLog, uint64, error) {
	changes := newChangeLog()
	latest := start

	err := svc.Users.History.List(me).
		StartHistoryId(start).
		LabelId(inboxLabel).
		HistoryTypes("messageAdded", "messageDeleted", "labelAdded", "labelRemoved").
		Pages(ctx, func(page *gmail.ListHistoryResponse) error {
			if page.HistoryId > latest {
				latest = page.HistoryId
			}
			for _, h := range page.History {
				changes.apply(h)
			}
			return nil
		})
	if err != nil {
		return nil, 0, classify("list history", err)
	}

	return changes, latest, nil
}

func (a *Adapter) listInbox(ctx context.Context, svc *gmail.Service) (*changeLog, uint64, error) {
	// Read the history id first so changes made during the listing are
	// picked up by the next run.
	profile, err := svc.Users.GetProfile(me).Context(ctx).Do()
	if err != nil {
		return nil, 0, classify("get profile", err)
	}

	changes := newChangeLog()

	err = svc.Users.Messages.List(me).
		LabelIds(inboxLabel).
		IncludeSpamTrash(false).
		MaxResults(500).
		Pages(ctx, func(page *gmail.ListMessagesResponse) error {
			for _, m := range page.Messages {
				changes.touch(m.Id)
			}
			return nil
		})
	if err != nil {
		return nil, 0, classify("list messages", err)
	}

	return changes, profile.HistoryId, nil
}

func (a *Adapter) message(ctx context.Context, svc *gmail.Service, id string) (*sync.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.CallTimeout)
	defer cancel()

	m, err := svc.Users.Messages.Get(me, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, classify("get message", err)
	}

	return normalize(m), nil
}

// FetchRawMessage downloads the RFC 822 form of a message.
func (a *Adapter) FetchRawMessage(ctx context.Context, t sync.Tenant, userID, messageID string) ([]byte, error) {
	svc, err := a.mailbox(ctx, t, userID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.opts.CallTimeout)
	defer cancel()

	m, err := svc.Users.Messages.Get(me, messageID).Format("raw").Context(ctx).Do()
	if err != nil {
		return nil, classify("fetch raw message", err)
	}
	if m.Raw == "" {
		return nil, nil
	}

	body, err := decodeRaw(m.Raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode raw message %s: %w", messageID, err)
	}
	return body, nil
}

// DeleteRemoteMessage moves the message to the trash, like the Graph delete
// moves it to Deleted Items.
func (a *Adapter) DeleteRemoteMessage(ctx context.Context, t sync.Tenant, userID, messageID string) error {
	svc, err := a.mailbox(ctx, t, userID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, a.opts.CallTimeout)
	defer cancel()

	if _, err := svc.Users.Messages.Trash(me, messageID).Context(ctx).Do(); err != nil {
		return classify("delete message", err)
	}

	a.log.WithFields(logrus.Fields{"tenant": t.ID, "user_id": userID, "message_id": messageID}).Info("Remote message trashed")
	return nil
}

// DeleteRemoteAttachment is not offered by the Gmail API.
func (a *Adapter) DeleteRemoteAttachment(_ context.Context, _ sync.Tenant, _, _, _ string) error {
	return sync.NewError(sync.KindUnknown, "delete attachment", errors.ErrUnsupported)
}

// changeLog folds history records into the final state of each message,
// keeping first-seen order.
type changeLog struct {
	order   []string
	removed map[string]bool
}

func newChangeLog() *changeLog {
	return &changeLog{removed: make(map[string]bool)}
}

func (c *changeLog) mark(id string, removed bool) {
	if id == "" {
		return
	}
	if _, ok := c.removed[id]; !ok {
		c.order = append(c.order, id)
	}
	c.removed[id] = removed
}

func (c *changeLog) touch(id string)  { c.mark(id, false) }
func (c *changeLog) remove(id string) { c.mark(id, true) }

func (c *changeLog) apply(h *gmail.History) {
	for _, r := range h.MessagesAdded {
		if r.Message != nil {
			c.touch(r.Message.Id)
		}
	}
	for _, r := range h.MessagesDeleted {
		if r.Message != nil {
			c.remove(r.Message.Id)
		}
	}
	for _, r := range h.LabelsAdded {
		if r.Message == nil {
			continue
		}
		if hasLabel(r.LabelIds, trashLabel) {
			c.remove(r.Message.Id)
		} else {
			c.touch(r.Message.Id)
		}
	}
	for _, r := range h.LabelsRemoved {
		if r.Message == nil {
			continue
		}
		if hasLabel(r.LabelIds, inboxLabel) {
			c.remove(r.Message.Id)
		} else {
			c.touch(r.Message.Id)
		}
	}
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

// normalize converts a Gmail message to a sync.Message. Attachment ids are
// MIME part ids; Gmail's attachmentId changes between fetches.
func normalize(m *gmail.Message) *sync.Message {
	msg := &sync.Message{ID: m.Id}
	if m.Payload == nil {
		return msg
	}

	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, "Subject") {
			msg.Subject = h.Value
			break
		}
	}

	var walk func(p *gmail.MessagePart)
	walk = func(p *gmail.MessagePart) {
		if p.Filename != "" && p.PartId != "" {
			msg.Attachments = append(msg.Attachments, sync.Attachment{ID: p.PartId, Name: p.Filename})
		}
		for _, child := range p.Parts {
			walk(child)
		}
	}
	walk(m.Payload)

	return msg
}

func decodeRaw(raw string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
}
