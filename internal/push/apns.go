package push

import (
	"context"
	"fmt"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"

	"github.com/earth92/appsuite-middleware-sub014/internal/store"
)

// apnsPusher is the slice of apns2.Client the transport needs.
type apnsPusher interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// APNsTransport delivers events to Apple devices using token-based auth.
// The subscription token is the device token; the subscription's client
// field may carry a per-app topic overriding the configured default.
type APNsTransport struct {
	client apnsPusher
	topic  string
}

// NewAPNsTransport loads the signing key and builds a production or
// development client.
func NewAPNsTransport(keyFile, keyID, teamID, topic string, production bool) (*APNsTransport, error) {
	authKey, err := token.AuthKeyFromFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("load APNs auth key: %w", err)
	}
	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   keyID,
		TeamID:  teamID,
	})
	if production {
		client = client.Production()
	} else {
		client = client.Development()
	}
	return &APNsTransport{client: client, topic: topic}, nil
}

func (t *APNsTransport) ID() string { return "apns" }

func (t *APNsTransport) Deliver(ctx context.Context, sub store.PushSubscription, ev Event) error {
	p := payload.NewPayload().ContentAvailable().Custom("topic", ev.Topic)
	for k, v := range ev.Payload {
		p.Custom(k, v)
	}

	topic := t.topic
	if sub.Client != "" {
		topic = sub.Client
	}

	resp, err := t.client.PushWithContext(ctx, &apns2.Notification{
		DeviceToken: sub.Token,
		Topic:       topic,
		Payload:     p,
		PushType:    apns2.PushTypeBackground,
	})
	if err != nil {
		return fmt.Errorf("apns push: %w", err)
	}
	if resp.Sent() {
		return nil
	}
	if resp.StatusCode == 410 || resp.Reason == apns2.ReasonBadDeviceToken || resp.Reason == apns2.ReasonUnregistered {
		return fmt.Errorf("%w: device token rejected (%s)", ErrPermanent, resp.Reason)
	}
	return fmt.Errorf("apns push rejected: status %d reason %s", resp.StatusCode, resp.Reason)
}
