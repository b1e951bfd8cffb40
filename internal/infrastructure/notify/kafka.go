package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/notification"
	"github.com/segmentio/kafka-go"
)

const DefaultTopic = "order-notifications"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes notifications as JSON messages keyed by order id,
// so every notification for one order lands on the same partition.
type KafkaNotifier struct {
	writer messageWriter
	now    func() time.Time
}

// NewKafkaWriter builds a writer for the comma-separated broker list.
func NewKafkaWriter(brokersCSV, topic string) *kafka.Writer {
	var brokers []string
	for _, b := range strings.Split(brokersCSV, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
}

func NewKafkaNotifier(w messageWriter) *KafkaNotifier {
	return &KafkaNotifier{writer: w, now: func() time.Time { return time.Now().UTC() }}
}

func (n *KafkaNotifier) publish(ctx context.Context, kind notification.Kind, orderID string) error {
	data, err := json.Marshal(notification.Message{Kind: kind, OrderID: orderID})
	if err != nil {
		return fmt.Errorf("notify: marshal %s: %w", kind, err)
	}
	msg := kafka.Message{
		Key:   []byte(orderID),
		Value: data,
		Time:  n.now(),
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(kind)},
		},
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("notify: publish %s for %s: %w", kind, orderID, err)
	}
	return nil
}

func (n *KafkaNotifier) SendOrderConfirmation(ctx context.Context, orderID string) error {
	return n.publish(ctx, notification.KindOrderConfirmation, orderID)
}

func (n *KafkaNotifier) SendShippingNotification(ctx context.Context, orderID string) error {
	return n.publish(ctx, notification.KindShipping, orderID)
}

func (n *KafkaNotifier) SendDeliveryNotification(ctx context.Context, orderID string) error {
	return n.publish(ctx, notification.KindDelivery, orderID)
}

func (n *KafkaNotifier) Close() error { return n.writer.Close() }
