package cluster

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// timer is a single interval-driven job inside a Cron.
type timer struct {
	name     string
	task     func()
	interval time.Duration
	next     time.Time
}

// Cron runs the three periodic jobs the orchestrator needs (retransmit
// sweep, keepalive sweep, gossip round) off of one shared ticker, rather
// than one goroutine per job. Jobs run inline on the ticker goroutine
// rather than each spawning its own: the orchestrator's single-threaded
// cooperative model forbids engine mutations from running concurrently
// with each other.
type Cron struct {
	mu   sync.Mutex
	jobs []*timer

	resolution time.Duration
	stopSyn    chan struct{}
	stopAck    chan struct{}
}

// NewCron creates and starts a Cron that checks jobs every resolution.
func NewCron(resolution time.Duration) *Cron {
	c := &Cron{
		resolution: resolution,
		stopSyn:    make(chan struct{}),
		stopAck:    make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *Cron) loop() {
	ticker := time.NewTicker(c.resolution)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopSyn:
			close(c.stopAck)
			return
		case t := <-ticker.C:
			c.fire(t)
		}
	}
}

func (c *Cron) fire(now time.Time) {
	c.mu.Lock()
	due := make([]*timer, 0, len(c.jobs))
	for _, j := range c.jobs {
		if !j.next.After(now) {
			j.next = j.next.Add(j.interval)
			due = append(due, j)
		}
	}
	c.mu.Unlock()

	for _, j := range due {
		j.task()
		log.WithFields(log.Fields{"job": j.name, "interval": j.interval}).Debug("cluster: cron job ran")
	}
}

// Register schedules task to run every interval, starting one interval
// from now. Job names must be unique.
func (c *Cron) Register(name string, interval time.Duration, task func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, j := range c.jobs {
		if j.name == name {
			return fmt.Errorf("cluster: cron job %q already registered", name)
		}
	}
	c.jobs = append(c.jobs, &timer{name: name, task: task, interval: interval, next: time.Now().Add(interval)})
	return nil
}

// Stop halts the Cron. Only safe to call once.
func (c *Cron) Stop() {
	close(c.stopSyn)
	<-c.stopAck
}
