package awstest

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const (
	fakeAccount = "000000000000"
	fakeRegion  = "us-east-1"
)

// SentMessage records a SendMessage call.
type SentMessage struct {
	Queue        string
	Body         string
	Attributes   map[string]string
	DelaySeconds int32
}

type fakeMessage struct {
	id       string
	body     string
	attrs    map[string]sqstypes.MessageAttributeValue
	received int
	inflight bool
	receipt  string
}

type fakeQueue struct {
	name  string
	attrs map[string]string
	tags  map[string]string
	msgs  []*fakeMessage
}

// SQS is an in-memory queue service. Delays are recorded but not enforced:
// a sent message is visible immediately.
type SQS struct {
	mu     sync.Mutex
	queues map[string]*fakeQueue
	seq    int
	sent   []SentMessage

	// Err, when set, fails every call.
	Err error
	// SendErr, when set, fails SendMessage only.
	SendErr error
}

// NewSQS returns a fake without queues.
func NewSQS() *SQS {
	return &SQS{queues: map[string]*fakeQueue{}}
}

// QueueURL returns the URL the fake assigns to name.
func QueueURL(name string) string {
	return fmt.Sprintf("https://sqs.%s.amazonaws.com/%s/%s", fakeRegion, fakeAccount, name)
}

func queueName(url string) string {
	return url[strings.LastIndex(url, "/")+1:]
}

// QueueARN returns the ARN the fake assigns to name.
func QueueARN(name string) string {
	return fmt.Sprintf("arn:aws:sqs:%s:%s:%s", fakeRegion, fakeAccount, name)
}

// HasQueue reports whether name has been created.
func (s *SQS) HasQueue(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queues[name]
	return ok
}

// QueueAttributes returns the attributes name was created with.
func (s *SQS) QueueAttributes(name string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[name]; ok {
		return q.attrs
	}
	return nil
}

// QueueTags returns the tags name was created with.
func (s *SQS) QueueTags(name string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[name]; ok {
		return q.tags
	}
	return nil
}

// Sent returns every SendMessage recorded for queue.
func (s *SQS) Sent(queue string) []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SentMessage
	for _, m := range s.sent {
		if m.Queue == queue {
			out = append(out, m)
		}
	}
	return out
}

// Pending returns the bodies of messages not yet deleted from queue.
func (s *SQS) Pending(queue string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queue]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(q.msgs))
	for _, m := range q.msgs {
		out = append(out, m.body)
	}
	return out
}

// InFlight counts the messages of queue that were received and not yet
// deleted or made visible again.
func (s *SQS) InFlight(queue string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queue]
	if !ok {
		return 0
	}
	n := 0
	for _, m := range q.msgs {
		if m.inflight {
			n++
		}
	}
	return n
}

func (s *SQS) queue(url *string) (*fakeQueue, error) {
	q, ok := s.queues[queueName(sdkaws.ToString(url))]
	if !ok {
		return nil, &sqstypes.QueueDoesNotExist{Message: sdkaws.String("queue does not exist")}
	}
	return q, nil
}

func (s *SQS) CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	name := sdkaws.ToString(params.QueueName)
	attrs := map[string]string{}
	for k, v := range params.Attributes {
		attrs[k] = v
	}
	if q, ok := s.queues[name]; ok {
		if !reflect.DeepEqual(q.attrs, attrs) {
			return nil, &sqstypes.QueueNameExists{Message: sdkaws.String("queue exists with different attributes")}
		}
		return &sqs.CreateQueueOutput{QueueUrl: sdkaws.String(QueueURL(name))}, nil
	}
	s.queues[name] = &fakeQueue{name: name, attrs: attrs, tags: params.Tags}
	return &sqs.CreateQueueOutput{QueueUrl: sdkaws.String(QueueURL(name))}, nil
}

func (s *SQS) GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	q, err := s.queue(params.QueueUrl)
	if err != nil {
		return nil, err
	}
	out := map[string]string{string(sqstypes.QueueAttributeNameQueueArn): QueueARN(q.name)}
	for k, v := range q.attrs {
		out[k] = v
	}
	return &sqs.GetQueueAttributesOutput{Attributes: out}, nil
}

func (s *SQS) ListQueues(ctx context.Context, params *sqs.ListQueuesInput, optFns ...func(*sqs.Options)) (*sqs.ListQueuesOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := &sqs.ListQueuesOutput{}
	for name := range s.queues {
		out.QueueUrls = append(out.QueueUrls, QueueURL(name))
	}
	return out, nil
}

func (s *SQS) DeleteQueue(ctx context.Context, params *sqs.DeleteQueueInput, optFns ...func(*sqs.Options)) (*sqs.DeleteQueueOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	q, err := s.queue(params.QueueUrl)
	if err != nil {
		return nil, err
	}
	delete(s.queues, q.name)
	return &sqs.DeleteQueueOutput{}, nil
}

func (s *SQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if s.SendErr != nil {
		return nil, s.SendErr
	}
	q, err := s.queue(params.QueueUrl)
	if err != nil {
		return nil, err
	}
	s.seq++
	id := "msg-" + strconv.Itoa(s.seq)
	attrs := map[string]sqstypes.MessageAttributeValue{}
	flat := map[string]string{}
	for k, v := range params.MessageAttributes {
		attrs[k] = v
		flat[k] = sdkaws.ToString(v.StringValue)
	}
	q.msgs = append(q.msgs, &fakeMessage{id: id, body: sdkaws.ToString(params.MessageBody), attrs: attrs})
	s.sent = append(s.sent, SentMessage{
		Queue:        q.name,
		Body:         sdkaws.ToString(params.MessageBody),
		Attributes:   flat,
		DelaySeconds: params.DelaySeconds,
	})
	return &sqs.SendMessageOutput{MessageId: sdkaws.String(id)}, nil
}

// Push places a message on queue without recording it as sent.
func (s *SQS) Push(queue, body string, attrs map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queue]
	if !ok {
		return
	}
	s.seq++
	m := &fakeMessage{id: "msg-" + strconv.Itoa(s.seq), body: body, attrs: map[string]sqstypes.MessageAttributeValue{}}
	for k, v := range attrs {
		m.attrs[k] = sqstypes.MessageAttributeValue{DataType: sdkaws.String("String"), StringValue: sdkaws.String(v)}
	}
	q.msgs = append(q.msgs, m)
}

func (s *SQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	s.mu.Lock()
	if s.Err != nil {
		s.mu.Unlock()
		return nil, s.Err
	}
	q, err := s.queue(params.QueueUrl)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	limit := int(params.MaxNumberOfMessages)
	if limit <= 0 {
		limit = 1
	}
	out := &sqs.ReceiveMessageOutput{}
	for _, m := range q.msgs {
		if len(out.Messages) >= limit {
			break
		}
		if m.inflight {
			continue
		}
		m.inflight = true
		m.received++
		m.receipt = fmt.Sprintf("rh-%s-%d", m.id, m.received)
		out.Messages = append(out.Messages, sqstypes.Message{
			MessageId:         sdkaws.String(m.id),
			Body:              sdkaws.String(m.body),
			ReceiptHandle:     sdkaws.String(m.receipt),
			MessageAttributes: m.attrs,
			Attributes: map[string]string{
				string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount): strconv.Itoa(m.received),
			},
		})
	}
	s.mu.Unlock()

	if len(out.Messages) == 0 && params.WaitTimeSeconds > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return out, nil
}

func (s *SQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	q, err := s.queue(params.QueueUrl)
	if err != nil {
		return nil, err
	}
	for i, m := range q.msgs {
		if m.receipt != "" && m.receipt == sdkaws.ToString(params.ReceiptHandle) {
			q.msgs = append(q.msgs[:i], q.msgs[i+1:]...)
			return &sqs.DeleteMessageOutput{}, nil
		}
	}
	return nil, &sqstypes.ReceiptHandleIsInvalid{Message: sdkaws.String("receipt handle is invalid")}
}

func (s *SQS) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	q, err := s.queue(params.QueueUrl)
	if err != nil {
		return nil, err
	}
	for _, m := range q.msgs {
		if m.receipt == sdkaws.ToString(params.ReceiptHandle) {
			if params.VisibilityTimeout == 0 {
				m.inflight = false
			}
			return &sqs.ChangeMessageVisibilityOutput{}, nil
		}
	}
	return nil, &sqstypes.ReceiptHandleIsInvalid{Message: sdkaws.String("receipt handle is invalid")}
}
