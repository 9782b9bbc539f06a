package engine

import (
	"context"
	"sync"
	"time"
)

// Janitor runs Cleanup and policy Reload on fixed intervals until closed.
type Janitor struct {
	m    *Manager
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// StartJanitor starts the maintenance loops. A zero interval disables that
// task.
func (m *Manager) StartJanitor(cleanupEvery, reloadEvery time.Duration) *Janitor {
	j := &Janitor{m: m, done: make(chan struct{})}
	if cleanupEvery > 0 {
		j.wg.Add(1)
		go j.loop(cleanupEvery, j.runCleanup)
	}
	if reloadEvery > 0 {
		j.wg.Add(1)
		go j.loop(reloadEvery, j.runReload)
	}
	return j
}

// Close stops the loops and waits for a running task to finish.
func (j *Janitor) Close() {
	j.once.Do(func() { close(j.done) })
	j.wg.Wait()
}

func (j *Janitor) loop(every time.Duration, task func()) {
	defer j.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			task()
		}
	}
}

func (j *Janitor) runCleanup() {
	if _, err := j.m.Cleanup(context.Background()); err != nil {
		j.m.log.WithField("op", "cleanup").WithError(err).Error("scheduled cleanup failed")
	}
}

func (j *Janitor) runReload() {
	if err := j.m.Reload(context.Background()); err != nil {
		j.m.log.WithField("op", "reload").WithError(err).Warn("scheduled policy reload failed")
	}
}
