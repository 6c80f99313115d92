// Package queue consumes the Ably reactor queue over AMQP and feeds the
// coordinator: presence enter on a control channel is a join, presence
// leave is a disconnect, and channel messages are the relayed events.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ably/ably-go/ably"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"hxann.com/chess-coordinator/config"
	"hxann.com/chess-coordinator/coordinator"
	"hxann.com/chess-coordinator/shared"
)

// Channels hands out the directed publisher a participant is spoken to
// on. The Ably client satisfies it through ablyChannels; tests substitute
// a fake.
type Channels interface {
	Player(connId string) coordinator.Publisher
}

type ablyChannels struct {
	client *ably.Realtime
}

func (a ablyChannels) Player(connId string) coordinator.Publisher {
	return a.client.Channels.Get(shared.PlayerChannel(connId))
}

func New(ctx context.Context, cfg config.Config, coord *coordinator.Coordinator, log zerolog.Logger) func() error {
	log = log.With().Str("s", "queue").Logger()
	return func() error {
		ablyClient := shared.AblyFromCtx(ctx)
		if ablyClient == nil {
			return errors.New("no ably client in context")
		}
		channels := ablyChannels{client: ablyClient}

		conn, err := amqp.Dial(fmt.Sprintf("amqps://%s@us-east-1-a-queue.ably.io:5671/shared", cfg.AblyAPIKey))
		if err != nil {
			return fmt.Errorf("error connecting to the Ably queue: %w", err)
		}
		defer conn.Close()
		log.Info().Msg("connected to the Ably queue")

		ch, err := conn.Channel()
		if err != nil {
			return fmt.Errorf("error opening a channel: %w", err)
		}
		defer ch.Close()

		msgs, err := ch.Consume(
			cfg.AblyQueueName, // queue
			"",                // consumer
			true,              // auto-ack
			false,             // exclusive
			false,             // no-local
			false,             // no-wait
			nil,               // args
		)
		if err != nil {
			return fmt.Errorf("error consuming messages: %w", err)
		}
		log.Info().Str("queue", cfg.AblyQueueName).Msg("listening for messages")

		for {
			select {
			case <-ctx.Done():
				return nil
			case d, ok := <-msgs:
				if !ok {
					return errors.New("queue delivery channel closed")
				}
				handle(ctx, coord, channels, log, d.Body)
			}
		}
	}
}

func handle(ctx context.Context, coord *coordinator.Coordinator, channels Channels, log zerolog.Logger, payload []byte) {
	payloadString := string(payload)
	if strings.Contains(payloadString, "channel.presence") {
		msg, err := unmarshalPresence(payload)
		if err != nil {
			log.Error().Err(err).Msg("error unmarshalling presence message")
			return
		}
		handlePresence(ctx, coord, channels, log, msg)
	} else if strings.Contains(payloadString, "channel.message") {
		msg, err := unmarshalMessage(payload)
		if err != nil {
			log.Error().Err(err).Msg("error unmarshalling message")
			return
		}
		handleMessage(ctx, coord, log, msg)
	} else {
		log.Warn().Str("payload", payloadString).Msg("unknown queue message")
	}
}

func handlePresence(ctx context.Context, coord *coordinator.Coordinator, channels Channels, log zerolog.Logger, presenceMsg *PresenceMessage) {
	if len(presenceMsg.Presence) == 0 || !shared.IsControlChannel(presenceMsg.Channel) {
		return
	}
	presence := presenceMsg.Presence[0]
	roomId := shared.RoomIdFromControlChannel(presenceMsg.Channel)

	switch presence.Action {
	case int(ably.PresenceActionEnter):
		onEnter(ctx, coord, channels, log, roomId, presence.ClientId)
	case int(ably.PresenceActionLeave):
		coord.Disconnect(ctx, presence.ClientId)
	}
}

func onEnter(ctx context.Context, coord *coordinator.Coordinator, channels Channels, log zerolog.Logger, roomId, clientId string) {
	_, err := coord.Join(ctx, roomId, clientId, channels.Player(clientId))
	if err != nil {
		// A full room stays silent toward the newcomer on purpose.
		if !errors.Is(err, coordinator.ErrRoomFull) {
			log.Warn().Err(err).Str("room", roomId).Str("conn", clientId).Msg("join failed")
		}
	}
}

func handleMessage(ctx context.Context, coord *coordinator.Coordinator, log zerolog.Logger, messageMsg *MessageMessage) {
	if len(messageMsg.Messages) == 0 || !shared.IsControlChannel(messageMsg.Channel) {
		return
	}
	msg := messageMsg.Messages[0]
	roomId := shared.RoomIdFromControlChannel(messageMsg.Channel)

	switch msg.Name {
	case coordinator.Move.String():
		coord.Relay(ctx, msg.ClientId, roomId, json.RawMessage(msg.Data))
	case coordinator.ResetGame.String():
		coord.Reset(ctx, msg.ClientId)
	default:
		log.Debug().Str("name", msg.Name).Msg("ignoring unknown channel message")
	}
}
