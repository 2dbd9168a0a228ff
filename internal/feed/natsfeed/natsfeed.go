package natsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/lebdeal/lebdeal-go/internal/feed"
)

// Config holds configuration for the JetStream consumer.
type Config struct {
	URL           string
	StreamName    string
	ConsumerName  string        // durable name prefix; the match ID is appended
	MaxDeliver    int           // max delivery attempts
	AckWait       time.Duration // how long to wait for ack
	MaxAckPending int           // max messages pending ack
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns the default JetStream consumer configuration.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		StreamName:    "MATCH_EVENTS",
		ConsumerName:  "lebdeal-agent",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
		MaxReconnects: -1, // infinite
		ReconnectWait: 2 * time.Second,
	}
}

// Feed consumes match state events for one match from JetStream. State
// events are full snapshots, so the durable consumer starts from the last
// event per subject rather than replaying history.
type Feed struct {
	matchID  uuid.UUID
	nc       *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
	config   Config
	out      chan feed.Update
}

// New connects to NATS and ensures the durable consumer exists.
func New(matchID uuid.UUID, config Config) (*Feed, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	f := &Feed{
		matchID: matchID,
		nc:      nc,
		js:      js,
		config:  config,
		out:     make(chan feed.Update, 16),
	}

	if err := f.ensureConsumer(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}

	return f, nil
}

func (f *Feed) subject() string {
	return fmt.Sprintf("match.events.%s", f.matchID)
}

func (f *Feed) consumerName() string {
	return fmt.Sprintf("%s-%s", f.config.ConsumerName, f.matchID)
}

// ensureConsumer creates or gets the JetStream consumer.
func (f *Feed) ensureConsumer(ctx context.Context) error {
	stream, err := f.js.Stream(ctx, f.config.StreamName)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	consumerConfig := jetstream.ConsumerConfig{
		Name:          f.consumerName(),
		Durable:       f.consumerName(),
		Description:   "Leb Deal match state consumer",
		FilterSubject: f.subject(),
		DeliverPolicy: jetstream.DeliverLastPerSubjectPolicy, // only the freshest snapshot matters
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    f.config.MaxDeliver,
		AckWait:       f.config.AckWait,
		MaxAckPending: f.config.MaxAckPending,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
	}

	consumer, err := stream.Consumer(ctx, f.consumerName())
	if err != nil {
		consumer, err = stream.CreateConsumer(ctx, consumerConfig)
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
		log.Info().
			Str("consumer", f.consumerName()).
			Str("stream", f.config.StreamName).
			Msg("created JetStream consumer")
	} else {
		log.Info().
			Str("consumer", f.consumerName()).
			Str("stream", f.config.StreamName).
			Msg("using existing JetStream consumer")
	}

	f.consumer = consumer
	return nil
}

// Start begins consuming state events. It blocks until ctx is cancelled and
// closes Updates on the way out.
func (f *Feed) Start(ctx context.Context) error {
	log.Info().
		Str("consumer", f.consumerName()).
		Str("subject", f.subject()).
		Msg("starting JetStream state consumer")
	defer close(f.out)

	messageCh := make(chan jetstream.Msg, 100)

	consumeCtx, err := f.consumer.Consume(func(msg jetstream.Msg) {
		select {
		case messageCh <- msg:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("match_id", f.matchID.String()).Msg("state consumer shutting down")
			return nil
		case msg := <-messageCh:
			if err := f.processMessage(ctx, msg); err != nil {
				log.Error().
					Err(err).
					Str("subject", msg.Subject()).
					Msg("failed to process state event")
				if nakErr := msg.Nak(); nakErr != nil {
					log.Error().Err(nakErr).Msg("failed to NAK message")
				}
			} else {
				if ackErr := msg.Ack(); ackErr != nil {
					log.Error().Err(ackErr).Msg("failed to ACK message")
				}
			}
		}
	}
}

// Updates returns the delivery channel. Closed when Start returns.
func (f *Feed) Updates() <-chan feed.Update {
	return f.out
}

// Close closes the NATS connection.
func (f *Feed) Close() error {
	if f.nc != nil {
		f.nc.Close()
	}
	return nil
}

// processMessage decodes one state event and hands it to the consumer side.
func (f *Feed) processMessage(ctx context.Context, msg jetstream.Msg) error {
	var payload feed.EventPayload
	if err := json.Unmarshal(msg.Data(), &payload); err != nil {
		return fmt.Errorf("unmarshal state event: %w", err)
	}

	if payload.EventType != "" && payload.EventType != feed.StateEventType {
		log.Debug().
			Str("event_type", payload.EventType).
			Str("subject", msg.Subject()).
			Msg("skipping non-state event")
		return nil
	}
	if payload.MatchID != f.matchID {
		log.Warn().
			Str("event_match_id", payload.MatchID.String()).
			Str("match_id", f.matchID.String()).
			Msg("dropping state event for foreign match")
		return nil
	}

	update, err := payload.Update()
	if err != nil {
		return err
	}

	select {
	case f.out <- update:
	case <-ctx.Done():
		return ctx.Err()
	}

	log.Debug().
		Str("match_id", f.matchID.String()).
		Str("identity", update.Identity()).
		Msg("state event delivered")
	return nil
}
