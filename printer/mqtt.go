package printer

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/john/printfleet/fleet"
)

// MQTTClient observes a printer through its MQTT broker. A successful
// connect is the only signal available, so it reports online printers as
// IDLE and cannot dispatch jobs.
type MQTTClient struct {
	broker string
	opts   Options
	log    zerolog.Logger
}

// NewMQTTClient creates a client for a paho broker URL such as
// tcp://host:1883.
func NewMQTTClient(broker string, opts Options, logger zerolog.Logger) *MQTTClient {
	return &MQTTClient{
		broker: broker,
		opts:   opts,
		log:    logger.With().Str("broker", broker).Logger(),
	}
}

func (c *MQTTClient) Protocol() fleet.Protocol { return fleet.ProtocolMQTT }

func (c *MQTTClient) Status(ctx context.Context) Status {
	if err := connectOnce(ctx, c.broker, c.opts.MQTTConnectTimeout); err != nil {
		c.log.Debug().Err(err).Msg("MQTT broker unreachable")
		return OfflineStatus()
	}
	return Status{State: fleet.PrinterIdle}
}

func (c *MQTTClient) UploadAndPrint(context.Context, []byte, string) error {
	return ErrUploadUnsupported
}

// connectOnce opens a broker connection and closes it again. It gives up
// after timeout or when ctx ends, whichever comes first.
func connectOnce(ctx context.Context, broker string, timeout time.Duration) error {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("printfleet-" + uuid.NewString()).
		SetConnectTimeout(timeout).
		SetAutoReconnect(false).
		SetConnectRetry(false)

	client := mqtt.NewClient(opts)
	token := client.Connect()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-timer.C:
		go disconnectWhenDone(client, token)
		return fmt.Errorf("connecting to %s: timed out after %s", broker, timeout)
	case <-ctx.Done():
		go disconnectWhenDone(client, token)
		return fmt.Errorf("connecting to %s: %w", broker, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to %s: %w", broker, err)
	}

	client.Disconnect(0)
	return nil
}

// disconnectWhenDone closes a connection whose CONNACK arrived after the
// caller gave up on it.
func disconnectWhenDone(client mqtt.Client, token mqtt.Token) {
	<-token.Done()
	if token.Error() == nil {
		client.Disconnect(0)
	}
}
