package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/recon_backend/config"
	"github.com/mmdatafocus/recon_backend/workflow"
	"github.com/sirupsen/logrus"
)

// PubSubPushMessage is the envelope Pub/Sub posts to push endpoints.
type PubSubPushMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// pubSubPushHandler answers 204 to ack and 500 to ask Pub/Sub to redeliver.
func (a *app) pubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := a.logger

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "pubsub.go", "pubSubPushHandler", "io.ReadAll", nil, err)
			// Malformed request body: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		// byte slice unmarshalling handles base64 decoding.
		var push PubSubPushMessage
		if err := json.Unmarshal(body, &push); err != nil {
			config.LogError(logger, "pubsub.go", "pubSubPushHandler", "Unmarshal body", body, err)
			c.Status(http.StatusNoContent)
			return
		}

		var job config.BatchJobMessage
		if err := json.Unmarshal(push.Message.Data, &job); err != nil {
			config.LogError(logger, "pubsub.go", "pubSubPushHandler", "Unmarshal batch job", push.Message.Data, err)
			c.Status(http.StatusNoContent)
			return
		}

		if err := a.eng().HandleBatchJob(c.Request.Context(), job, push.Message.ID); err != nil {
			logger.WithFields(logrus.Fields{
				"field":      "pubSubPushHandler",
				"batch_id":   job.BatchId,
				"job_id":     job.JobId,
				"message_id": push.Message.ID,
			}).Error("batch job failed; requesting redelivery: " + err.Error())
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// runBatchWorker pulls batch jobs from PUBSUB_SUBSCRIPTION until ctx ends.
func runBatchWorker(ctx context.Context, engine *workflow.Engine) error {
	logger := engine.Logger
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(ctx, client, config.PubSubTopic())
	if err != nil {
		return err
	}
	sub, err := config.CreateSubscriptionIfNotExists(ctx, client, config.PubSubSubscription(), topic)
	if err != nil {
		return err
	}
	sub.ReceiveSettings.MaxOutstandingMessages = config.MatchWorkers()

	callback := func(ctx context.Context, msg *pubsub.Message) {
		var job config.BatchJobMessage
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			config.LogError(logger, "pubsub.go", "runBatchWorker", "Unmarshaling batch job", msg.Data, err)
			msg.Ack()
			return
		}
		if err := engine.HandleBatchJob(ctx, job, msg.ID); err != nil {
			logger.WithFields(logrus.Fields{
				"field":      "BatchWorker",
				"batch_id":   job.BatchId,
				"job_id":     job.JobId,
				"message_id": msg.ID,
			}).Error("batch job failed: " + err.Error())
			msg.Nack()
			return
		}
		msg.Ack()
	}

	go func() {
		if err := sub.Receive(ctx, callback); err != nil && !errors.Is(err, context.Canceled) {
			config.LogError(logger, "pubsub.go", "runBatchWorker", "Failed to receive messages", nil, err)
		}
	}()
	return nil
}
