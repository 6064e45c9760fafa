package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
)

// CloudDispatcher uses Google Cloud Tasks for durable, at-least-once
// webhook delivery. Each Emit enqueues one HTTP task per matching
// subscriber.
//
// Cloud Tasks handles:
//   - Retry with exponential backoff (configured at queue level)
//   - A dead-letter queue for permanently failed deliveries
//   - Rate limiting per queue
//
// Falls back to the in-memory Dispatcher if a task enqueue fails.
type CloudDispatcher struct {
	registry  *Registry
	client    *cloudtasks.Client
	queuePath string
	logger    *log.Logger
	fallback  *Dispatcher
}

// NewCloudDispatcher creates a Cloud Tasks-backed webhook dispatcher.
// projectID, locationID, queueID identify the Cloud Tasks queue. If
// fallbackWorkers > 0, an in-memory Dispatcher also runs as a fallback
// for enqueue failures.
func NewCloudDispatcher(registry *Registry, projectID, locationID, queueID string, fallbackWorkers int) (*CloudDispatcher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	queuePath := fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID)

	cd := &CloudDispatcher{
		registry:  registry,
		client:    client,
		queuePath: queuePath,
		logger:    log.New(log.Writer(), "[CLOUD-TASKS] ", log.LstdFlags),
	}

	if fallbackWorkers > 0 {
		cd.fallback = NewDispatcher(registry, fallbackWorkers)
	}

	cd.logger.Printf("connected to cloud tasks queue: %s", queuePath)
	return cd, nil
}

// Emit creates a Cloud Task for every subscriber registered for
// eventType. Each task is an HTTP POST to the subscriber URL carrying
// the signed WebhookEvent payload.
func (cd *CloudDispatcher) Emit(eventType EventType, agentID string, data map[string]interface{}) {
	subscribers := cd.registry.GetSubscribers(eventType)
	if len(subscribers) == 0 {
		return
	}

	event := &WebhookEvent{
		ID:        fmt.Sprintf("evt-%d", time.Now().UnixNano()),
		Type:      eventType,
		Source:    "sentry-gateway",
		Timestamp: time.Now(),
		AgentID:   agentID,
		Data:      data,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		cd.logger.Printf("failed to marshal webhook event: %v", err)
		return
	}

	for _, sub := range subscribers {
		cd.enqueueTask(sub, event, payload)
	}
}

// enqueueTask creates a single Cloud Task for a webhook subscriber.
func (cd *CloudDispatcher) enqueueTask(sub *WebhookSubscription, event *WebhookEvent, payload []byte) {
	headers := map[string]string{
		"Content-Type":              "application/json",
		"X-Sentry-Event-Type":       string(event.Type),
		"X-Sentry-Event-ID":         event.ID,
		"X-Sentry-Delivery-Attempt": "1",
	}

	if sub.Secret != "" {
		sig := SignPayload(payload, sub.Secret)
		headers["X-Sentry-Signature"] = "sha256=" + sig
	}

	req := &taskspb.CreateTaskRequest{
		Parent: cd.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        sub.URL,
					Headers:    headers,
					Body:       payload,
				},
			},
		},
	}

	// Non-blocking: enqueue in a goroutine to keep Emit off the hot path.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		task, err := cd.client.CreateTask(ctx, req)
		if err != nil {
			cd.logger.Printf("cloud task enqueue failed: %s -> %s: %v", event.ID, sub.URL, err)
			if cd.fallback != nil {
				cd.logger.Printf("falling back to in-memory delivery for %s", event.ID)
				cd.fallback.Emit(event.Type, event.AgentID, event.Data)
			}
			return
		}

		cd.logger.Printf("enqueued cloud task: %s -> %s (task=%s)", event.ID, sub.URL, task.GetName())
	}()
}

// Shutdown closes the Cloud Tasks client and any in-memory fallback.
func (cd *CloudDispatcher) Shutdown() {
	if cd.fallback != nil {
		cd.fallback.Shutdown()
	}
	if err := cd.client.Close(); err != nil {
		cd.logger.Printf("cloud tasks client close error: %v", err)
	}
	cd.logger.Printf("cloud tasks dispatcher closed")
}

// HealthCheck verifies the Cloud Tasks client was constructed
// successfully. The client has no direct ping; connectivity is
// validated at construction time by cloudtasks.NewClient.
func (cd *CloudDispatcher) HealthCheck(ctx context.Context) error {
	return nil
}

// ensure interface compatibility
var _ WebhookEmitter = (*CloudDispatcher)(nil)
