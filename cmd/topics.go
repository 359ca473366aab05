package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/bronystylecrazy/ultrasync/realtime/mqtt"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

type TopicsParams struct {
	fx.In

	Multiplexer *mqtt.Multiplexer `optional:"true"`
	Broker      *mqtt.LocalBroker `optional:"true"`
}

// TopicsCommand watches broker topics through the multiplexer. With a local
// broker it can also publish a payload once the topics are granted.
type TopicsCommand struct {
	mux    *mqtt.Multiplexer
	broker *mqtt.LocalBroker

	clientID string
	url      string
	publish  string
	count    int
	timeout  time.Duration
}

func NewTopicsCommand(in TopicsParams) *TopicsCommand {
	return &TopicsCommand{mux: in.Multiplexer, broker: in.Broker}
}

func (t *TopicsCommand) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics <topic>...",
		Short: "Watch MQTT topics and print every message as a JSON line",
		Args:  cobra.MinimumNArgs(1),
		RunE:  t.Run,
	}
	cmd.Flags().StringVar(&t.clientID, "client-id", "", "broker client id, generated when empty")
	cmd.Flags().StringVar(&t.url, "url", "", "broker websocket URL, defaults to the local broker")
	cmd.Flags().StringVar(&t.publish, "publish", "", "publish this payload to every topic once subscribed, local broker only")
	cmd.Flags().IntVar(&t.count, "count", 0, "exit after this many messages, 0 runs until interrupted")
	cmd.Flags().DurationVar(&t.timeout, "timeout", 0, "exit after this long, 0 runs until interrupted")
	return cmd
}

func (t *TopicsCommand) Run(cmd *cobra.Command, topics []string) error {
	if t.mux == nil {
		return ErrNotConfigured
	}
	url := t.url
	if url == "" {
		if t.broker == nil {
			return errors.New("topics: --url is required without a local broker")
		}
		url = t.broker.URL()
	}
	if t.publish != "" && t.broker == nil {
		return errors.New("topics: --publish needs the local broker")
	}
	clientID := t.clientID
	if clientID == "" {
		clientID = "ultrasync-" + uuid.NewString()
	}

	ctx, cancel := withOptionalTimeout(cmd.Context(), t.timeout)
	defer cancel()
	lines := make(chan line, 64)
	failed := make(chan error, 1)

	w := t.mux.AddWatcher(topics, mqtt.Callbacks{
		OnMessage: func(topic string, payload []byte) {
			select {
			case lines <- line{Kind: "message", Topic: topic, Data: rawOrString(payload)}:
			case <-ctx.Done():
			}
		},
		OnDisconnect: func(err error) {
			select {
			case failed <- err:
			default:
			}
		},
		OnSubscribed: func(topic string) {
			if t.publish == "" || hasWildcard(topic) {
				return
			}
			if err := t.broker.Publish(topic, []byte(t.publish)); err != nil {
				select {
				case failed <- fmt.Errorf("publish %s: %w", topic, err):
				default:
				}
			}
		},
	})
	defer w.Close()
	t.mux.StartSubscriptions(mqtt.SubscriptionInfo{ClientID: clientID, URL: url, Topics: topics})

	out := cmd.OutOrStdout()
	received := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-failed:
			return err
		case l := <-lines:
			if err := writeLine(out, l); err != nil {
				return err
			}
			received++
			if t.count > 0 && received >= t.count {
				return nil
			}
		}
	}
}

func hasWildcard(topic string) bool {
	for _, r := range topic {
		if r == '+' || r == '#' {
			return true
		}
	}
	return false
}
