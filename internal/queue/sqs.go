// Package queue carries asynchronous batch translation jobs. Large
// document jobs are submitted here instead of holding an HTTP request
// open while the throttle drains.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/MikkoParkkola/translate-gateway/internal/domain"
)

type Job struct {
	ID         string                  `json:"id"`
	Texts      []string                `json:"texts"`
	SourceLang string                  `json:"source_lang"`
	TargetLang string                  `json:"target_lang"`
	Options    domain.TranslateOptions `json:"options"`
	Callback   string                  `json:"callback,omitempty"`
	CreatedAt  time.Time               `json:"created_at"`

	// ReceiptHandle identifies the in-flight delivery for deletion.
	// Empty for jobs that never crossed a broker.
	ReceiptHandle string `json:"-"`
}

type JobResult struct {
	JobID       string    `json:"job_id"`
	Translated  []string  `json:"translated,omitempty"`
	Provider    string    `json:"provider,omitempty"`
	TotalCharge float64   `json:"total_charge_usd"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Queue interface {
	SendJob(ctx context.Context, job Job) error
	ReceiveJobs(ctx context.Context, maxMessages int) ([]Job, error)
	DeleteJob(ctx context.Context, receiptHandle string) error
	SendResult(ctx context.Context, result JobResult) error
}

type SQSQueue struct {
	client         *sqs.Client
	jobQueueURL    string
	resultQueueURL string
}

func NewSQSQueue(ctx context.Context, region, jobQueueURL, resultQueueURL string) (*SQSQueue, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SQSQueue{
		client:         sqs.NewFromConfig(cfg),
		jobQueueURL:    jobQueueURL,
		resultQueueURL: resultQueueURL,
	}, nil
}

func NewSQSQueueWithConfig(cfg aws.Config, jobQueueURL, resultQueueURL string) *SQSQueue {
	return &SQSQueue{
		client:         sqs.NewFromConfig(cfg),
		jobQueueURL:    jobQueueURL,
		resultQueueURL: resultQueueURL,
	}
}

func (q *SQSQueue) SendJob(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.jobQueueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"JobID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(job.ID),
			},
			"LangPair": {
				DataType:    aws.String("String"),
				StringValue: aws.String(job.SourceLang + "-" + job.TargetLang),
			},
		},
	}

	_, err = q.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	return nil
}

func (q *SQSQueue) ReceiveJobs(ctx context.Context, maxMessages int) ([]Job, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.jobQueueURL),
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       20,
		MessageAttributeNames: []string{"All"},
	}

	result, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}

	jobs := make([]Job, 0, len(result.Messages))
	for _, msg := range result.Messages {
		var job Job
		if err := json.Unmarshal([]byte(*msg.Body), &job); err != nil {
			slog.Warn("failed to unmarshal job", "error", err)
			continue
		}
		if msg.ReceiptHandle != nil {
			job.ReceiptHandle = *msg.ReceiptHandle
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

func (q *SQSQueue) DeleteJob(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.jobQueueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (q *SQSQueue) SendResult(ctx context.Context, result JobResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.resultQueueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("send result: %w", err)
	}
	return nil
}
