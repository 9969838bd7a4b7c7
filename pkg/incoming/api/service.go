package api

import (
	"context"
	"encoding/json"

	"github.com/LuanEdCosta/dojot/pkg/identity"
	"github.com/LuanEdCosta/dojot/pkg/incoming/models/message"
	"github.com/LuanEdCosta/dojot/pkg/incoming/producer"
	"github.com/LuanEdCosta/dojot/pkg/utils"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

type Service interface {
	Health(ctx context.Context) bool
	PublishMessage(ctx context.Context, id identity.Identity, msg message.Message) error
	PublishMessages(ctx context.Context, id identity.Identity, msgs []message.Message) error
}

type incomingService struct {
	producer    producer.Producer
	topicSuffix string
	logger      log.Logger
}

func NewIncomingService(p producer.Producer, topicSuffix string, logger log.Logger) Service {
	return &incomingService{
		producer:    p,
		topicSuffix: topicSuffix,
		logger:      logger,
	}
}

func (s *incomingService) Health(ctx context.Context) bool {
	return true
}

func (s *incomingService) PublishMessage(ctx context.Context, id identity.Identity, msg message.Message) error {
	ts, err := msg.Timestamp()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(message.Envelope{
		Metadata: message.Metadata{
			DeviceID:  id.DeviceID,
			Tenant:    id.Tenant,
			Timestamp: ts,
		},
		Attrs: msg.Attrs,
	})
	if err != nil {
		return err
	}

	err = s.producer.Send(ctx, id.Tenant+"."+s.topicSuffix, id.String(), payload)
	if err != nil {
		level.Error(utils.LoggerFromContext(ctx, s.logger)).Log("err", err, "msg", "Could not publish device message", "tenant", id.Tenant, "device_id", id.DeviceID)
		return err
	}
	return nil
}

// PublishMessages sends the messages in order and stops at the first
// publication error.
func (s *incomingService) PublishMessages(ctx context.Context, id identity.Identity, msgs []message.Message) error {
	for _, msg := range msgs {
		if err := s.PublishMessage(ctx, id, msg); err != nil {
			return err
		}
	}
	return nil
}
