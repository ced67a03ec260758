package natsjs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/andyy0123/inbox-connector/internal/sync"
)

const (
	// StreamName holds mail change events.
	StreamName    = "MAIL_CHANGES"
	subjectPrefix = "mail"
)

// Publisher wraps NATS JetStream for publishing mail change events
type Publisher struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	log *logrus.Entry
}

// NewPublisher creates a new NATS JetStream publisher
func NewPublisher(url string, log *logrus.Entry) (*Publisher, error) {
	if log == nil {
		log = logrus.WithField("pkg", "nats")
	}

	nc, err := nats.Connect(url,
		nats.Name("inbox-connector"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js, log: log}, nil
}

// EnsureStream ensures the MAIL_CHANGES stream exists
func (p *Publisher) EnsureStream(ctx context.Context) error {
	if info, err := p.js.StreamInfo(StreamName, nats.Context(ctx)); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{subjectPrefix + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.log.WithField("stream", StreamName).Info("Stream created")
	return nil
}

// PublishChange publishes one change event. Redeliveries of the same
// revision are dropped by the stream's duplicate window.
func (p *Publisher) PublishChange(ctx context.Context, ev sync.ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode change event: %w", err)
	}

	if _, err := p.js.Publish(Subject(ev), payload, nats.MsgId(MsgID(ev)), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subject returns mail.<namespace>.<change_type>.
func Subject(ev sync.ChangeEvent) string {
	return subjectPrefix + "." + ev.Namespace + "." + string(ev.ChangeType)
}

// MsgID identifies one revision of one message.
func MsgID(ev sync.ChangeEvent) string {
	return ev.Namespace + "|" + ev.UserID + "|" + ev.MessageID + "|" + strconv.Itoa(ev.Revision)
}

// Close drains and closes the NATS connection
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}
