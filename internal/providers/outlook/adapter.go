package outlook

import (
	"context"
	"time"

	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/andyy0123/inbox-connector/internal/providers/cache"
	"github.com/andyy0123/inbox-connector/internal/sync"
)

const inboxFolder = "inbox"

// Options configures the Microsoft Graph adapter.
type Options struct {
	// TokenURL is a format string taking the tenant id.
	TokenURL    string
	ClientTTL   time.Duration
	RateLimit   rate.Limit
	RateBurst   int
	CallTimeout time.Duration
	// BaseURL overrides the Graph endpoint, e.g. for a national cloud.
	BaseURL string
	Logger  *logrus.Entry
}

// Adapter implements sync.Provider over Microsoft Graph using app-only
// (client credentials) access.
type Adapter struct {
	opts    Options
	log     *logrus.Entry
	clients *cache.Cache[*msgraphsdk.GraphServiceClient]
}

// New creates a new Outlook adapter
func New(opts Options) *Adapter {
	if opts.TokenURL == "" {
		opts.TokenURL = DefaultTokenURL
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("pkg", "outlook")
	}

	a := &Adapter{
		opts: opts,
		log:  opts.Logger,
	}

	a.clients = cache.New(cache.Options{
		TTL:   opts.ClientTTL,
		Limit: opts.RateLimit,
		Burst: opts.RateBurst,
	}, a.newClient)

	return a
}

// Forget drops the cached Graph client of a tenant.
func (a *Adapter) Forget(tenantID string) {
	a.clients.Forget(tenantID)
}

func (a *Adapter) client(ctx context.Context, t sync.Tenant) (*msgraphsdk.GraphServiceClient, error) {
	c, err := a.clients.Get(ctx, t)
	if err != nil {
		return nil, classify("create graph client", err)
	}
	return c, nil
}

// ListUsers lists every user of the tenant directory.
func (a *Adapter) ListUsers(ctx context.Context, t sync.Tenant) ([]sync.User, error) {
	client, err := a.client(ctx, t)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.opts.CallTimeout)
	defer cancel()

	result, err := client.Users().Get(ctx, &users.UsersRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.UsersRequestBuilderGetQueryParameters{
			Select: []string{"id", "displayName"},
			Top:    Int32Ptr(999),
		},
	})
	if err != nil {
		return nil, classify("list users", err)
	}

	var out []sync.User
	for {
		for _, u := range result.GetValue() {
			if u.GetId() == nil {
				continue
			}
			out = append(out, sync.User{ID: *u.GetId(), DisplayName: deref(u.GetDisplayName())})
		}

		next := result.GetOdataNextLink()
		if next == nil || *next == "" {
			break
		}

		if result, err = client.Users().WithUrl(*next).Get(ctx, nil); err != nil {
			return nil, classify("list users", err)
		}
	}

	return out, nil
}

// FetchChanges walks the inbox message delta from cursor, which is the
// deltaLink of the previous walk, until a new deltaLink is returned. An
// expired cursor restarts the walk from scratch. Only the last state seen for
// each message is reported.
func (a *Adapter) FetchChanges(ctx context.Context, t sync.Tenant, userID, cursor string) (*sync.ChangeSet, error) {
	client, err := a.client(ctx, t)
	if err != nil {
		return nil, err
	}

	log := a.log.WithFields(logrus.Fields{"tenant": t.ID, "user_id": userID})
	delta := client.Users().ByUserId(userID).MailFolders().ByMailFolderId(inboxFolder).Messages().Delta()

	page, err := firstDeltaPage(ctx, delta, cursor)
	if cursor != "" && sync.IsNotFound(err) {
		log.WithError(err).Warn("Delta cursor expired, restarting delta")
		cursor = ""
		page, err = firstDeltaPage(ctx, delta, cursor)
	}
	if err != nil {
		return nil, err
	}

	var items changeLog
	for {
		for _, m := range page.GetValue() {
			id := deref(m.GetId())
			if id == "" {
				continue
			}

			if isRemoved(m) {
				items.remove(id)
				continue
			}

			msg := normalizeMessage(m)
			if m.GetHasAttachments() != nil && *m.GetHasAttachments() {
				atts, err := a.listAttachments(ctx, t, userID, id)
				if sync.IsNotFound(err) {
					log.WithField("message_id", id).Debug("Message vanished before attachment fetch")
					items.remove(id)
					continue
				}
				if err != nil {
					return nil, err
				}
				msg.Attachments = atts
			}

			items.change(msg)
		}

		if link := page.GetOdataDeltaLink(); link != nil && *link != "" {
			return items.changeSet(*link), nil
		}

		next := page.GetOdataNextLink()
		if next == nil || *next == "" {
			return items.changeSet(cursor), nil
		}

		if page, err = delta.WithUrl(*next).GetAsDeltaGetResponse(ctx, nil); err != nil {
			return nil, classify("fetch message delta", err)
		}
	}
}

func firstDeltaPage(ctx context.Context, delta *users.ItemMailFoldersItemMessagesDeltaRequestBuilder, cursor string) (users.ItemMailFoldersItemMessagesDeltaGetResponseable, error) {
	var page users.ItemMailFoldersItemMessagesDeltaGetResponseable
	var err error
	if cursor == "" {
		page, err = delta.GetAsDeltaGetResponse(ctx, &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{
				Select: []string{"id", "subject", "hasAttachments"},
			},
		})
	} else {
		page, err = delta.WithUrl(cursor).GetAsDeltaGetResponse(ctx, nil)
	}
	if err != nil {
		return nil, classify("fetch message delta", err)
	}
	return page, nil
}

// changeLog folds delta items into the last state per message id, keeping
// the order in which ids were first seen.
type changeLog struct {
	order   []string
	changed map[string]sync.Message
	removed map[string]bool
}

func (l *changeLog) touch(id string) {
	if l.changed == nil {
		l.changed = make(map[string]sync.Message)
		l.removed = make(map[string]bool)
	}
	if _, ok := l.changed[id]; ok {
		return
	}
	if l.removed[id] {
		return
	}
	l.order = append(l.order, id)
}

func (l *changeLog) change(m sync.Message) {
	l.touch(m.ID)
	delete(l.removed, m.ID)
	l.changed[m.ID] = m
}

func (l *changeLog) remove(id string) {
	l.touch(id)
	delete(l.changed, id)
	l.removed[id] = true
}

func (l *changeLog) changeSet(cursor string) *sync.ChangeSet {
	changes := &sync.ChangeSet{NextCursor: cursor}
	for _, id := range l.order {
		if m, ok := l.changed[id]; ok {
			changes.Changed = append(changes.Changed, m)
		} else if l.removed[id] {
			changes.Removed = append(changes.Removed, id)
		}
	}
	return changes
}

func (a *Adapter) listAttachments(ctx context.Context, t sync.Tenant, userID, messageID string) ([]sync.Attachment, error) {
	client, err := a.client(ctx, t)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.opts.CallTimeout)
	defer cancel()

	result, err := client.Users().ByUserId(userID).Messages().ByMessageId(messageID).Attachments().Get(ctx, &users.ItemMessagesItemAttachmentsRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesItemAttachmentsRequestBuilderGetQueryParameters{
			Select: []string{"id", "name"},
		},
	})
	if err != nil {
		return nil, classify("list attachments", err)
	}

	return normalizeAttachments(result.GetValue()), nil
}

// FetchRawMessage downloads the MIME content of a message.
func (a *Adapter) FetchRawMessage(ctx context.Context, t sync.Tenant, userID, messageID string) ([]byte, error) {
	client, err := a.client(ctx, t)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.opts.CallTimeout)
	defer cancel()

	body, err := client.Users().ByUserId(userID).Messages().ByMessageId(messageID).Content().Get(ctx, nil)
	if err != nil {
		return nil, classify("fetch raw message", err)
	}
	if len(body) == 0 {
		return nil, nil
	}
	return body, nil
}

func (a *Adapter) DeleteRemoteMessage(ctx context.Context, t sync.Tenant, userID, messageID string) error {
	client, err := a.client(ctx, t)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, a.opts.CallTimeout)
	defer cancel()

	if err := client.Users().ByUserId(userID).Messages().ByMessageId(messageID).Delete(ctx, nil); err != nil {
		return classify("delete message", err)
	}

	a.log.WithFields(logrus.Fields{"tenant": t.ID, "user_id": userID, "message_id": messageID}).Info("Remote message deleted")
	return nil
}

func (a *Adapter) DeleteRemoteAttachment(ctx context.Context, t sync.Tenant, userID, messageID, attachmentID string) error {
	client, err := a.client(ctx, t)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, a.opts.CallTimeout)
	defer cancel()

	if err := client.Users().ByUserId(userID).Messages().ByMessageId(messageID).Attachments().ByAttachmentId(attachmentID).Delete(ctx, nil); err != nil {
		return classify("delete attachment", err)
	}

	a.log.WithFields(logrus.Fields{
		"tenant":        t.ID,
		"user_id":       userID,
		"message_id":    messageID,
		"attachment_id": attachmentID,
	}).Info("Remote attachment deleted")
	return nil
}

// isRemoved reports whether a delta item is a removal marker.
func isRemoved(m models.Messageable) bool {
	_, ok := m.GetAdditionalData()["@removed"]
	return ok
}

func normalizeMessage(m models.Messageable) sync.Message {
	return sync.Message{
		ID:      deref(m.GetId()),
		Subject: deref(m.GetSubject()),
	}
}

func normalizeAttachments(in []models.Attachmentable) []sync.Attachment {
	out := make([]sync.Attachment, 0, len(in))
	for _, a := range in {
		id := deref(a.GetId())
		if id == "" {
			continue
		}
		out = append(out, sync.Attachment{ID: id, Name: deref(a.GetName())})
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Int32Ptr returns a pointer to an int32
func Int32Ptr(i int32) *int32 {
	return &i
}
