package kafka

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"ms-reservation/internal/logger"

	"github.com/segmentio/kafka-go"
)

// EnsureTopicsExist creates each topic and its dead-letter companion on the
// cluster controller. Existing topics are left alone.
func EnsureTopicsExist(brokers []string, topics []string, log *logger.Logger) error {
	if len(brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}
	conn, err := kafka.Dial("tcp", brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return err
	}
	controllerConn, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return err
	}
	defer controllerConn.Close()

	for _, topic := range WithDeadLetters(topics) {
		err := controllerConn.CreateTopics(kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     3,
			ReplicationFactor: 1,
		})
		switch {
		case err == nil:
			log.LogKafka("TOPIC", topic, "Created")
		case errors.Is(err, kafka.TopicAlreadyExists):
			log.Debug("KAFKA", fmt.Sprintf("Topic %s already exists", topic))
		default:
			log.Warn("KAFKA", fmt.Sprintf("Error creating topic %s: %v", topic, err))
		}
	}
	return nil
}

// WithDeadLetters returns topics followed by their .dlq topics.
func WithDeadLetters(topics []string) []string {
	out := make([]string, 0, len(topics)*2)
	out = append(out, topics...)
	for _, t := range topics {
		out = append(out, DeadLetterTopic(t))
	}
	return out
}
