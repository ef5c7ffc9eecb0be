// Package sweeper runs periodic room maintenance: expiring idle locks,
// tearing down empty rooms and pruning presence state.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Target is the maintenance pass run on every tick.
type Target interface {
	Sweep(ctx context.Context) (expired, closed int)
}

type Config struct {
	Interval time.Duration
}

func DefaultConfig() Config {
	return Config{Interval: 5 * time.Second}
}

type Service struct {
	target Target
	config Config
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	log    *logrus.Entry
}

func New(target Target, config Config) *Service {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	return &Service{
		target: target,
		config: config,
		stop:   make(chan struct{}),
		log:    logrus.WithField("component", "sweeper"),
	}
}

// Start runs the sweep loop until Stop is called or ctx ends.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
	s.log.WithField("interval", s.config.Interval).Info("Sweeper started")
}

func (s *Service) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.log.Info("Sweeper stopped")
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	expired, closed := s.target.Sweep(ctx)
	if expired > 0 || closed > 0 {
		s.log.WithFields(logrus.Fields{
			"expired_locks": expired,
			"closed_rooms":  closed,
		}).Info("Sweep completed")
	}
}
