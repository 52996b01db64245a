package messaging

import (
	"context"
	"encoding/json"
	"time"

	"example.com/backstage/services/possync/config"
	"example.com/backstage/services/possync/internal/models"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
)

// JobEventPublisher publishes job lifecycle events for the bot layer.
type JobEventPublisher interface {
	NotifyJobFinished(ctx context.Context, job *models.ImportJob) error
	Close() error
}

// serviceBusPublisher implements JobEventPublisher on Azure Service Bus.
type serviceBusPublisher struct {
	client    *azservicebus.Client
	sender    *azservicebus.Sender
	queueName string
}

// NewServiceBusPublisher creates a new Azure Service Bus publisher.
func NewServiceBusPublisher(cfg config.AzureConfig) (JobEventPublisher, error) {
	if cfg.QueueConnStr == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus sender")
	}

	return &serviceBusPublisher{
		client:    client,
		sender:    sender,
		queueName: cfg.QueueName,
	}, nil
}

// jobFinishedEvent is the wire shape of a job-finished notification.
type jobFinishedEvent struct {
	JobID       uint            `json:"job_id"`
	Status      string          `json:"status"`
	RequestedBy string          `json:"requested_by"`
	Result      json.RawMessage `json:"result,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
	FinishedAt  string          `json:"finished_at"`
}

// NotifyJobFinished publishes one job-finished event.
func (p *serviceBusPublisher) NotifyJobFinished(ctx context.Context, job *models.ImportJob) error {
	event := jobFinishedEvent{
		JobID:       job.ID,
		Status:      job.Status,
		RequestedBy: job.RequestedBy,
		Result:      job.Result,
		LastError:   job.LastError,
		FinishedAt:  time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to marshal job-finished event")
	}

	msg := &azservicebus.Message{
		Body: data,
		ApplicationProperties: map[string]interface{}{
			"source": "possync",
			"event":  "job_finished",
		},
	}
	return p.sender.SendMessage(ctx, msg, nil)
}

// Close closes the Service Bus client.
func (p *serviceBusPublisher) Close() error {
	if p.sender != nil {
		if err := p.sender.Close(context.Background()); err != nil {
			return err
		}
	}
	if p.client != nil {
		return p.client.Close(context.Background())
	}
	return nil
}
