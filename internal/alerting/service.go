// Package alerting turns device lifecycle events into operator
// notifications. Delivery happens on a bounded worker pool so a slow SMTP
// server can never back-pressure the webhook path.
package alerting

import (
	"fmt"
	"strings"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/chatgate-io/chatgate/config"
	"github.com/chatgate-io/chatgate/internal/devices"
	"github.com/chatgate-io/chatgate/internal/dispatch"
	"github.com/chatgate-io/chatgate/internal/domain"
)

const alertPoolSize = 4

type Service struct {
	conf config.AlertConfig
	bus  evbus.Bus
	pool *ants.Pool

	send func(subject, body string) error
}

func NewService(conf config.AlertConfig, bus evbus.Bus) (*Service, error) {
	pool, err := ants.NewPool(alertPoolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	s := &Service{conf: conf, bus: bus, pool: pool}
	s.send = s.sendMail
	return s, nil
}

// Start subscribes to the lifecycle topics. Async subscription keeps bus
// publishers from waiting on alert evaluation.
func (s *Service) Start() error {
	if err := s.bus.SubscribeAsync(devices.TopicStatusChanged, s.onStatusChanged, false); err != nil {
		return err
	}
	return s.bus.SubscribeAsync(dispatch.TopicRetryExhausted, s.onRetryExhausted, false)
}

func (s *Service) Stop() {
	s.bus.Unsubscribe(devices.TopicStatusChanged, s.onStatusChanged)
	s.bus.Unsubscribe(dispatch.TopicRetryExhausted, s.onRetryExhausted)
	s.pool.Release()
}

// onStatusChanged alerts only on terminal statuses; routine transitions
// stay in the audit log.
func (s *Service) onStatusChanged(deviceID int64, status string) {
	if status != domain.StatusBanned && status != domain.StatusAuthFailure {
		return
	}
	subject := fmt.Sprintf("device %d entered %s", deviceID, status)
	body := fmt.Sprintf(
		"Device %d reached the terminal status %q at %s.\n"+
			"It will not reconnect until an operator resets it.\n",
		deviceID, status, time.Now().Format(time.RFC3339))
	s.submit(subject, body)
}

func (s *Service) onRetryExhausted(deviceID int64, retryCount int) {
	subject := fmt.Sprintf("device %d reconnect budget exhausted", deviceID)
	body := fmt.Sprintf(
		"Device %d failed %d automatic reconnect attempts.\n"+
			"Automatic reconnects are suspended; retry manually from the dashboard.\n",
		deviceID, retryCount)
	s.submit(subject, body)
}

func (s *Service) submit(subject, body string) {
	if !s.conf.Enabled {
		zap.L().Info("alerting disabled, dropping alert", zap.String("subject", subject))
		return
	}
	err := s.pool.Submit(func() {
		if err := s.send(subject, body); err != nil {
			zap.L().Error("alert delivery failed",
				zap.String("subject", subject), zap.Error(err))
		}
	})
	if err != nil {
		// nonblocking pool: overflow drops the alert rather than the caller
		zap.L().Warn("alert pool saturated, dropping alert",
			zap.String("subject", subject), zap.Error(err))
	}
}

func (s *Service) sendMail(subject, body string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.conf.From)
	m.SetHeader("To", strings.Split(s.conf.To, ",")...)
	m.SetHeader("Subject", "[chatgate] "+subject)
	m.SetBody("text/plain", body)

	d := gomail.NewDialer(s.conf.SmtpHost, s.conf.SmtpPort, s.conf.SmtpUser, s.conf.SmtpPass)
	return d.DialAndSend(m)
}
