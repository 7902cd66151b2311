// Package ioworker implements the small background-I/O worker pool
// (§5): three non-critical job kinds — close-fd, unlink-file, and
// fsync-file — run off the main event-loop goroutine so syscalls with
// unpredictable latency never block cluster-core processing.
package ioworker

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// JobKind selects which of the three background jobs to run.
type JobKind int

const (
	JobCloseFD JobKind = iota
	JobUnlinkFile
	JobFsyncFile
)

// Job is a strict producer-to-worker, one-way unit of work: no reply is
// ever sent back to the submitter (§5).
type Job struct {
	Kind JobKind
	File *os.File // for JobCloseFD / JobFsyncFile
	Path string    // for JobUnlinkFile
}

// Pool runs Jobs on a small set of worker goroutines pulling from a
// shared channel, the Go analogue of the reference's background-I/O
// thread (§5).
type Pool struct {
	jobs    chan Job
	wg      sync.WaitGroup
	log     *logrus.Entry
}

// New starts a pool with the given number of workers; workers is clamped
// to at least 1.
func New(workers int, log *logrus.Entry) *Pool {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Pool{jobs: make(chan Job, 256), log: log.WithField("component", "ioworker")}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.exec(job)
	}
}

func (p *Pool) exec(job Job) {
	switch job.Kind {
	case JobCloseFD:
		if job.File != nil {
			if err := job.File.Close(); err != nil {
				p.log.WithError(err).Warn("background close-fd failed")
			}
		}
	case JobUnlinkFile:
		if err := os.Remove(job.Path); err != nil && !os.IsNotExist(err) {
			p.log.WithError(err).WithField("path", job.Path).Warn("background unlink-file failed")
		}
	case JobFsyncFile:
		if job.File != nil {
			if err := job.File.Sync(); err != nil {
				p.log.WithError(err).Warn("background fsync-file failed")
			}
		}
	}
}

// Submit enqueues a job without waiting for it to run. It never blocks
// the caller on the job's completion (§5's "no reply required").
func (p *Pool) Submit(j Job) {
	p.jobs <- j
}

// CloseFDAsync schedules f to be closed by the pool.
func (p *Pool) CloseFDAsync(f *os.File) { p.Submit(Job{Kind: JobCloseFD, File: f}) }

// UnlinkFileAsync schedules path to be removed by the pool.
func (p *Pool) UnlinkFileAsync(path string) { p.Submit(Job{Kind: JobUnlinkFile, Path: path}) }

// FsyncFileAsync schedules f to be fsynced by the pool.
func (p *Pool) FsyncFileAsync(f *os.File) { p.Submit(Job{Kind: JobFsyncFile, File: f}) }

// Shutdown closes the job channel and waits for all workers to drain
// it. Submit must not be called after Shutdown.
func (p *Pool) Shutdown() {
	close(p.jobs)
	p.wg.Wait()
}
