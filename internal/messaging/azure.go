package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/scoring/config"
)

// AzureClient wraps an Azure Service Bus connection for session-based
// command consumption.
type AzureClient struct {
	client *azservicebus.Client
	cfg    config.AzureConfig
}

// NewAzureClient connects to Azure Service Bus.
func NewAzureClient(cfg config.AzureConfig) (*AzureClient, error) {
	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, err
	}

	return &AzureClient{client: client, cfg: cfg}, nil
}

// StartConsumers accepts queue sessions in a loop and processes each one in
// its own goroutine. Blocks until the context is cancelled or accepting a
// session fails with a non-timeout error.
func (a *AzureClient) StartConsumers(ctx context.Context, processor MessageProcessor) error {
	log.Info().Str("queue", a.cfg.QueueName).Msg("Starting command consumers")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		sessionReceiver, err := a.client.AcceptNextSessionForQueue(ctx, a.cfg.QueueName, nil)
		if err != nil {
			var sbErr *azservicebus.Error
			if errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeTimeout {
				log.Debug().Msg("No session available, waiting...")
				time.Sleep(2 * time.Second)
				continue
			}
			return err
		}

		log.Info().Str("session_id", sessionReceiver.SessionID()).Msg("Session received")

		go a.handleSession(ctx, sessionReceiver, processor)
	}
}

func (a *AzureClient) handleSession(ctx context.Context, receiver *azservicebus.SessionReceiver, processor MessageProcessor) {
	defer func() {
		if err := receiver.Close(context.Background()); err != nil {
			log.Error().Err(err).Str("session_id", receiver.SessionID()).Msg("Error closing session")
		}
	}()

	for {
		messages, err := receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			log.Error().Err(err).Str("session_id", receiver.SessionID()).Msg("Error receiving messages")
			return
		}

		if len(messages) == 0 {
			// Session drained
			return
		}

		for _, message := range messages {
			if err := processor.ProcessMessage(ctx, message); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).Msg("Error processing message")
				// Return the message to the queue
				if err := receiver.AbandonMessage(ctx, message, nil); err != nil {
					log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to abandon message")
				}
				continue
			}

			if err := receiver.CompleteMessage(ctx, message, nil); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to complete message")
			}
		}
	}
}

// Close shuts down the Service Bus connection.
func (a *AzureClient) Close() error {
	if a.client == nil {
		return nil
	}
	return a.client.Close(context.Background())
}
