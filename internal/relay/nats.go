package relay

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/waveline/callrelay/internal/wire"
)

// subjectPrefix addresses a user's signaling inbox on the fabric.
const subjectPrefix = "signal.user."

// BridgeConfig holds the NATS connection settings.
type BridgeConfig struct {
	URL             string
	CredentialsFile string
	ReconnectWait   time.Duration
	MaxReconnects   int
}

// Bridge relays signaling envelopes between nodes over NATS. Each node
// subscribes to the whole signal.user.> space and delivers matching
// messages into its local hub; messages for users with no local channel
// are published to the fabric for whichever node holds them.
type Bridge struct {
	conn *nats.Conn
	hub  *Hub
	sub  *nats.Subscription
}

// NewBridge connects to NATS and attaches the hub.
func NewBridge(cfg BridgeConfig, hub *Hub) (*Bridge, error) {
	opts := []nats.Option{
		nats.Name("callrelay"),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	}

	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Bridge{conn: conn, hub: hub}, nil
}

// Start subscribes to the fabric and begins delivering inbound envelopes
// to local channels.
func (b *Bridge) Start() error {
	sub, err := b.conn.Subscribe(subjectPrefix+">", func(m *nats.Msg) {
		userID := strings.TrimPrefix(m.Subject, subjectPrefix)
		msg, err := wire.Decode(m.Data)
		if err != nil {
			log.Warn().Err(err).Str("subject", m.Subject).Msg("Dropping undecodable fabric message")
			return
		}
		b.hub.SendTo(userID, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to signaling subjects: %w", err)
	}
	b.sub = sub
	log.Debug().Str("subject", subjectPrefix+">").Msg("Subscribed to signaling fabric")
	return nil
}

// PublishTo sends msg to userID's inbox on the fabric. Fire-and-forget:
// an offline user simply never consumes it.
func (b *Bridge) PublishTo(userID string, msg *wire.SignalingMessage) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return b.conn.Publish(subjectPrefix+userID, data)
}

// Close drains the subscription and closes the connection.
func (b *Bridge) Close() {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	b.conn.Close()
}

// Fabric combines the local hub with an optional cross-node bridge. Local
// channels are preferred; recipients with no local channel are forwarded
// to the fabric.
type Fabric struct {
	Hub    *Hub
	Bridge *Bridge
}

// Send delivers msg to each recipient, locally where possible, otherwise
// over the bridge. The return value counts local channels reached.
func (f *Fabric) Send(msg *wire.SignalingMessage) int {
	delivered := 0
	for _, userID := range msg.RecipientIDs {
		n := f.Hub.SendTo(userID, msg)
		delivered += n
		if n == 0 && f.Bridge != nil {
			if err := f.Bridge.PublishTo(userID, msg); err != nil {
				log.Warn().Err(err).Str("user_id", userID).Msg("Failed to forward message to fabric")
			}
		}
	}
	return delivered
}
