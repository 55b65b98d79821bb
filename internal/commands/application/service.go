package application

import (
	"context"
	"errors"
	"log"
	"time"

	commands "power-desk/internal/commands/domain"
	"power-desk/internal/mqttadapter"
	"power-desk/internal/observability/metrics"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
)

const (
	vinStatusQoS          = 1
	defaultPublishTimeout = 10 * time.Second
)

// Publisher sends a payload to a prefix-relative bus topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, opts mqttadapter.PublishOptions) error
}

// Service issues device configuration commands over the bus.
type Service struct {
	publisher Publisher
	logger    *log.Logger
	timeout   time.Duration
	now       func() time.Time
	inflight  conc.WaitGroup
}

// NewService constructs a command service.
func NewService(publisher Publisher, logger *log.Logger) (*Service, error) {
	if publisher == nil {
		return nil, errors.New("commands: nil publisher")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		publisher: publisher,
		logger:    logger,
		timeout:   defaultPublishTimeout,
		now:       time.Now,
	}, nil
}

// SetDeviceStatus publishes status as a single retained byte to the device's
// vin-status topic at QoS 1 and waits for the broker acknowledgement.
func (s *Service) SetDeviceStatus(ctx context.Context, deviceID string, status commands.VinStatus) (*commands.Command, error) {
	cmd, err := s.newCommand(deviceID, status)
	if err != nil {
		return nil, err
	}
	return cmd, s.send(ctx, cmd)
}

// SubmitDeviceStatus validates the command and publishes it in the
// background. The caller does not wait for the broker.
func (s *Service) SubmitDeviceStatus(ctx context.Context, deviceID string, status commands.VinStatus) (*commands.Command, error) {
	cmd, err := s.newCommand(deviceID, status)
	if err != nil {
		return nil, err
	}
	accepted := *cmd
	ctx = context.WithoutCancel(ctx)
	s.inflight.Go(func() {
		_ = s.send(ctx, cmd)
	})
	return &accepted, nil
}

// Wait blocks until every submitted command finished publishing.
func (s *Service) Wait() {
	if s == nil {
		return
	}
	s.inflight.Wait()
}

func (s *Service) newCommand(deviceID string, status commands.VinStatus) (*commands.Command, error) {
	if err := commands.ValidateDeviceID(deviceID); err != nil {
		metrics.IncCommand(metrics.ResultInvalid)
		return nil, err
	}
	if _, err := commands.ParseVinStatus(int(status)); err != nil {
		metrics.IncCommand(metrics.ResultInvalid)
		return nil, err
	}
	return &commands.Command{
		CommandID:   "cmd-" + uuid.NewString(),
		DeviceID:    deviceID,
		CommandType: commands.CommandTypeVinStatus,
		Topic:       commands.VinStatusTopic(deviceID),
		Payload:     []byte{byte(status)},
		Status:      commands.StatusCreated,
		CreatedAt:   s.now().UTC(),
	}, nil
}

func (s *Service) send(ctx context.Context, cmd *commands.Command) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.publisher.Publish(ctx, cmd.Topic, cmd.Payload, mqttadapter.PublishOptions{QoS: vinStatusQoS, Retain: true})
	if err != nil {
		cmd.Status = commands.StatusFailed
		cmd.Error = err.Error()
		metrics.IncCommand(metrics.ResultError)
		s.logger.Printf("commands: publish failed id=%s device=%s: %v", cmd.CommandID, cmd.DeviceID, err)
		return err
	}
	cmd.Status = commands.StatusSent
	cmd.SentAt = s.now().UTC()
	metrics.IncCommand(metrics.ResultSuccess)
	s.logger.Printf("commands: sent id=%s device=%s type=%s payload=%v", cmd.CommandID, cmd.DeviceID, cmd.CommandType, cmd.Payload)
	return nil
}
