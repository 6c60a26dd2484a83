package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"geotrack-svr/internal/pipeline"
	"geotrack-svr/internal/utilities"
)

const mqttConnectTimeout = 10 * time.Second

// MQTTSubscriber treats every message on Topic as one status, like a
// datagram.
type MQTTSubscriber struct {
	Broker   string
	Topic    string
	ClientID string
	QoS      byte
	Sink     Sink
	Tracer   *utilities.Tracer
	Logger   *slog.Logger
}

// Run connects, subscribes and blocks until ctx ends (nil) or the storage
// dispatcher closes (ErrStorageUnavailable). Connect and subscribe failures
// are returned.
func (m *MQTTSubscriber) Run(ctx context.Context) error {
	lg := loggerOr(m.Logger).With("component", "mqtt", "broker", m.Broker, "topic", m.Topic)
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	handler := m.messageHandler(ctx, cancel, lg)

	var connected atomic.Bool
	opts := mqtt.NewClientOptions().
		AddBroker(m.Broker).
		SetClientID(m.clientID()).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		lg.Warn("mqtt connection lost", "err", err)
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		// the first subscription is made by Run so its failure can be returned
		if !connected.CompareAndSwap(false, true) {
			lg.Info("mqtt reconnected, resubscribing")
			c.Subscribe(m.Topic, m.QoS, handler)
		}
	})

	client := mqtt.NewClient(opts)
	if tok := client.Connect(); tok.Wait() && tok.Error() != nil {
		return fmt.Errorf("mqtt connect %s: %w", m.Broker, tok.Error())
	}
	defer client.Disconnect(250)

	if tok := client.Subscribe(m.Topic, m.QoS, handler); tok.Wait() && tok.Error() != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", m.Topic, tok.Error())
	}
	lg.Info("mqtt subscribed")

	<-ctx.Done()
	if errors.Is(context.Cause(ctx), ErrStorageUnavailable) {
		return ErrStorageUnavailable
	}
	return nil
}

func (m *MQTTSubscriber) clientID() string {
	if m.ClientID != "" {
		return m.ClientID
	}
	return "geotrack-svr"
}

// messageHandler ingests each payload. Messages arrive one at a time since
// the client is built with SetOrderMatters(true).
func (m *MQTTSubscriber) messageHandler(ctx context.Context, cancel context.CancelCauseFunc, lg *slog.Logger) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		if ctx.Err() != nil {
			return
		}
		origin := pipeline.Origin{Transport: "mqtt", Remote: msg.Topic()}
		if err := ingestPacket(ctx, m.Sink, m.Tracer, lg, origin, msg.Payload()); err != nil {
			cancel(err)
		}
	}
}
