package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"golang.org/x/sync/errgroup"

	"github.com/ignite/relay/internal/pkg/logger"
)

const (
	// sqsMaxBatch is the SQS limit on entries per batch call.
	sqsMaxBatch = 10
	// sqsMaxDelay is the SQS limit on per-message delivery delay.
	sqsMaxDelay = 15 * time.Minute
)

// SQSAPI is the subset of the SQS client used by the provider.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, in *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, in *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
}

// SQSConfig tunes the cloud-queue provider.
type SQSConfig struct {
	Name            string
	QueueURL        string
	WaitTimeSeconds int32
	// Concurrency bounds how many messages of one batch run at once.
	Concurrency int
	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
}

// SQS is a long-poll provider. Failed messages are left on the queue to
// become visible again; a redrive policy on the queue handles poison
// messages.
type SQS struct {
	client SQSAPI
	cfg    SQSConfig

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSQS creates a cloud-queue provider.
func NewSQS(client SQSAPI, cfg SQSConfig) *SQS {
	if cfg.Name == "" {
		cfg.Name = "sqs"
	}
	if cfg.WaitTimeSeconds <= 0 || cfg.WaitTimeSeconds > 20 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = sqsMaxBatch
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	return &SQS{client: client, cfg: cfg}
}

func (s *SQS) Name() string         { return s.cfg.Name }
func (s *SQS) SupportsDedupe() bool { return false }
func (s *SQS) BatchSize() int       { return sqsMaxBatch }

// delaySeconds clamps d to the SQS per-message delay limit.
func delaySeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	if d > sqsMaxDelay {
		d = sqsMaxDelay
	}
	return int32((d + time.Second - 1) / time.Second)
}

func (s *SQS) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *SQS) Enqueue(ctx context.Context, job *Job) error {
	return s.send(ctx, job, job.Delay())
}

func (s *SQS) Delay(ctx context.Context, job *Job, d time.Duration) error {
	return s.send(ctx, job, d)
}

func (s *SQS) send(ctx context.Context, job *Job, d time.Duration) error {
	if s.isClosed() {
		return ErrClosed
	}
	body, err := job.Encode()
	if err != nil {
		return err
	}
	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(s.cfg.QueueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delaySeconds(d),
	})
	if err != nil {
		return fmt.Errorf("sqs send %s: %w", job.Name, err)
	}
	return nil
}

// EnqueueBatch sends jobs in chunks of at most ten.
func (s *SQS) EnqueueBatch(ctx context.Context, jobs []*Job) error {
	if s.isClosed() {
		return ErrClosed
	}
	for start := 0; start < len(jobs); start += sqsMaxBatch {
		end := start + sqsMaxBatch
		if end > len(jobs) {
			end = len(jobs)
		}
		entries := make([]types.SendMessageBatchRequestEntry, 0, end-start)
		for i, j := range jobs[start:end] {
			body, err := j.Encode()
			if err != nil {
				return err
			}
			entries = append(entries, types.SendMessageBatchRequestEntry{
				Id:           aws.String(strconv.Itoa(i)),
				MessageBody:  aws.String(string(body)),
				DelaySeconds: delaySeconds(j.Delay()),
			})
		}
		out, err := s.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(s.cfg.QueueURL),
			Entries:  entries,
		})
		if err != nil {
			return fmt.Errorf("sqs send batch: %w", err)
		}
		if len(out.Failed) > 0 {
			msgs := make([]string, 0, len(out.Failed))
			for _, f := range out.Failed {
				msgs = append(msgs, aws.ToString(f.Id)+": "+aws.ToString(f.Message))
			}
			return fmt.Errorf("sqs send batch: %d of %d failed (%s)", len(out.Failed), len(entries), strings.Join(msgs, "; "))
		}
	}
	return nil
}

// Start launches the long-poll loop once.
func (s *SQS) Start(ctx context.Context, d Dispatcher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}
	s.started = true
	pollCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.poll(pollCtx, d)
	logger.Info("sqs queue consumer started", "queue", s.cfg.Name, "url", s.cfg.QueueURL)
	return nil
}

// Close stops polling. Messages already received and not deleted become
// visible again after their visibility timeout.
func (s *SQS) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (s *SQS) poll(ctx context.Context, d Dispatcher) {
	defer close(s.done)
	for ctx.Err() == nil {
		out, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:                    aws.String(s.cfg.QueueURL),
			MaxNumberOfMessages:         sqsMaxBatch,
			WaitTimeSeconds:             s.cfg.WaitTimeSeconds,
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("sqs receive error", "queue", s.cfg.Name, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.ErrorBackoff):
			}
			continue
		}
		if len(out.Messages) == 0 {
			continue
		}
		if err := s.handleBatch(ctx, d, out.Messages); err != nil {
			logger.Error("sqs acknowledge failed", "queue", s.cfg.Name, "error", err)
		}
	}
}

// handleBatch runs every message and deletes only those whose handler
// succeeded.
func (s *SQS) handleBatch(ctx context.Context, d Dispatcher, msgs []types.Message) error {
	succeeded := make([]bool, len(msgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, msg := range msgs {
		g.Go(func() error {
			job, err := DecodeJob([]byte(aws.ToString(msg.Body)))
			if err != nil {
				logger.Error("sqs undecodable message", "queue", s.cfg.Name, "message_id", aws.ToString(msg.MessageId), "error", err)
				return nil
			}
			if n, err := strconv.Atoi(msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil && n > 0 {
				job.AttemptsMade = n - 1
			}
			if err := d.Dequeue(gctx, job); err != nil {
				if errors.Is(err, ErrUnknownJob) {
					logger.Error("sqs message left for redrive", "queue", s.cfg.Name, "job", job.Name)
				}
				return nil
			}
			succeeded[i] = true
			return nil
		})
	}
	_ = g.Wait()

	entries := make([]types.DeleteMessageBatchRequestEntry, 0, len(msgs))
	for i, msg := range msgs {
		if !succeeded[i] {
			continue
		}
		entries = append(entries, types.DeleteMessageBatchRequestEntry{
			Id:            aws.String(strconv.Itoa(i)),
			ReceiptHandle: msg.ReceiptHandle,
		})
	}
	if len(entries) == 0 {
		return nil
	}
	out, err := s.client.DeleteMessageBatch(context.WithoutCancel(ctx), &sqs.DeleteMessageBatchInput{
		QueueUrl: aws.String(s.cfg.QueueURL),
		Entries:  entries,
	})
	if err != nil {
		return fmt.Errorf("sqs delete batch: %w", err)
	}
	if len(out.Failed) > 0 {
		return fmt.Errorf("sqs delete batch: %d of %d failed", len(out.Failed), len(entries))
	}
	return nil
}
