package notify

import (
	"context"
	"encoding/base64"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// FCM sends push notifications to collector and customer devices.
type FCM struct {
	client *messaging.Client
}

// NewFCM builds a client from a credentials file, or from base64 encoded
// credentials JSON when file is empty.
func NewFCM(ctx context.Context, file, b64 string) (*FCM, error) {
	var opt option.ClientOption
	switch {
	case file != "":
		opt = option.WithCredentialsFile(file)
	case b64 != "":
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("decode firebase credentials: %w", err)
		}
		opt = option.WithCredentialsJSON(raw)
	default:
		return nil, fmt.Errorf("no firebase credentials")
	}
	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("messaging client: %w", err)
	}
	return &FCM{client: client}, nil
}

func (f *FCM) Send(ctx context.Context, to Recipient, msg Message) error {
	if to.DeviceToken == "" {
		return ErrNoAddress
	}
	data := map[string]string{"type": msg.Kind}
	for k, v := range msg.Data {
		data[k] = v
	}
	_, err := f.client.Send(ctx, &messaging.Message{
		Token:        to.DeviceToken,
		Notification: &messaging.Notification{Title: msg.Title, Body: msg.Body},
		Data:         data,
		Android:      &messaging.AndroidConfig{Priority: "high"},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{ContentAvailable: true, Sound: "default"},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("send fcm message: %w", err)
	}
	return nil
}
