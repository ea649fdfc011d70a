package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/beastdl/beastdl/internal/pkg/billing"
	"github.com/beastdl/beastdl/internal/pkg/config"
	"github.com/beastdl/beastdl/internal/pkg/metrics/counter"
)

// Manager runs the worker pool plus the background sweepers: stuck-job
// recovery and payment intent expiry.
type Manager struct {
	queue    *Queue
	billing  *billing.Service
	settings config.Settings

	jobSweepTicker     *time.Ticker
	paymentSweepTicker *time.Ticker
	counterFlushTicker *time.Ticker
	stopCh             chan struct{}
	wg                 sync.WaitGroup
	mu                 sync.Mutex
	running            bool
}

// NewManager wires the queue and the billing service into one lifecycle.
func NewManager(queue *Queue, billingSvc *billing.Service, settings config.Settings) *Manager {
	return &Manager{
		queue:    queue,
		billing:  billingSvc,
		settings: settings,
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so the manager can be
	// restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	if err := m.queue.RecoverPending(context.Background(), m.settings.BackoffBase, m.settings.BackoffCap); err != nil {
		log.Errorf("[JobQueue Manager] Pending job recovery failed: %v", err)
	}

	m.queue.Start()

	m.jobSweepTicker = time.NewTicker(m.settings.SweepEvery)
	m.wg.Add(1)
	go m.stuckJobWorker()

	m.paymentSweepTicker = time.NewTicker(m.settings.PaymentSweepEvery)
	m.wg.Add(1)
	go m.paymentSweepWorker()

	m.counterFlushTicker = time.NewTicker(m.settings.CounterFlushEvery)
	m.wg.Add(1)
	go m.counterFlushWorker()

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	if m.jobSweepTicker != nil {
		m.jobSweepTicker.Stop()
	}
	if m.paymentSweepTicker != nil {
		m.paymentSweepTicker.Stop()
	}
	if m.counterFlushTicker != nil {
		m.counterFlushTicker.Stop()
	}

	close(m.stopCh)
	m.running = false

	m.wg.Wait()
	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// stuckJobWorker periodically requeues jobs abandoned by crashed workers.
func (m *Manager) stuckJobWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Stuck job worker stopping")
			return
		case <-m.jobSweepTicker.C:
			if err := m.queue.SweepStuck(context.Background(), m.settings.StuckJobAge); err != nil {
				log.Errorf("[JobQueue Manager] Stuck job sweep error: %v", err)
			}
		}
	}
}

// paymentSweepWorker periodically expires stale pending payment intents.
func (m *Manager) paymentSweepWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Payment sweep worker stopping")
			return
		case <-m.paymentSweepTicker.C:
			if _, err := m.billing.SweepExpired(context.Background(), m.settings.PaymentTimeout); err != nil {
				log.Errorf("[JobQueue Manager] Payment sweep error: %v", err)
			}
		}
	}
}

// counterFlushWorker periodically drains buffered download counters into
// the users table.
func (m *Manager) counterFlushWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Counter flush worker stopping")
			return
		case <-m.counterFlushTicker.C:
			if err := counter.FlushAll(); err != nil {
				log.Errorf("[JobQueue Manager] Counter flush error: %v", err)
			}
		}
	}
}
