// Package sched drives the channels of a multi channel engine as a group: configure the set under test, post one
// request per channel and wait for all of them, or run the same requests one after another as a baseline.
package sched

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/dmabench/dmaerr"
	"github.com/slackhq/dmabench/engine"
	"github.com/slackhq/dmabench/engine/lpd"
)

type Policy = engine.Policy

const (
	RoundRobin     = engine.RoundRobin
	StrictPriority = engine.StrictPriority
)

// MultiChannel is an engine with independently started channels.
type MultiChannel interface {
	SetScheduler(p Policy) error
	EnableChannel(ch int) error
	DisableChannel(ch int) error
	Start(ctx context.Context, req engine.Request) error
	PollComplete(ctx context.Context, ch int, timeout time.Duration) error
	Channels() int
}

// Scheduler tracks which channels have a request outstanding. It is not safe for concurrent use, each engine is
// driven by one goroutine.
type Scheduler struct {
	l  logrus.FieldLogger
	mc MultiChannel

	active      []int
	outstanding map[int]bool
}

func New(l logrus.FieldLogger, mc MultiChannel) *Scheduler {
	return &Scheduler{l: l, mc: mc, outstanding: make(map[int]bool)}
}

// Configure selects the policy and enables channels 0 to channels-1, disabling the rest.
func (s *Scheduler) Configure(p Policy, channels int) error {
	if channels < 1 || channels > s.mc.Channels() {
		return fmt.Errorf("%w: %d channels requested, engine has %d", dmaerr.ErrInvalidParam, channels, s.mc.Channels())
	}
	if err := s.mc.SetScheduler(p); err != nil {
		return err
	}

	s.active = s.active[:0]
	for ch := 0; ch < s.mc.Channels(); ch++ {
		if ch < channels {
			if err := s.mc.EnableChannel(ch); err != nil {
				return fmt.Errorf("enabling channel %d: %w", ch, err)
			}
			s.active = append(s.active, ch)
			continue
		}
		if err := s.mc.DisableChannel(ch); err != nil {
			return fmt.Errorf("disabling channel %d: %w", ch, err)
		}
	}
	clear(s.outstanding)

	s.l.WithFields(logrus.Fields{"policy": p, "channels": channels}).Debug("Scheduler configured")
	return nil
}

// Active returns the channels enabled by the last Configure.
func (s *Scheduler) Active() []int {
	return slices.Clone(s.active)
}

// Outstanding returns the channels posted and not yet waited for, in channel order.
func (s *Scheduler) Outstanding() []int {
	var out []int
	for ch, on := range s.outstanding {
		if on {
			out = append(out, ch)
		}
	}
	slices.Sort(out)
	return out
}

// FireAll starts every request without waiting. A channel that already has a request outstanding rejects another
// with ErrBusy. Every request is attempted, the errors are joined.
func (s *Scheduler) FireAll(ctx context.Context, reqs []engine.Request) error {
	var errs []error
	for _, req := range reqs {
		if s.outstanding[req.Channel] {
			errs = append(errs, fmt.Errorf("%w: channel %d already has a transfer outstanding", dmaerr.ErrBusy, req.Channel))
			continue
		}
		if err := s.mc.Start(ctx, req); err != nil {
			errs = append(errs, fmt.Errorf("channel %d: %w", req.Channel, err))
			continue
		}
		s.outstanding[req.Channel] = true
	}
	return errors.Join(errs...)
}

// WaitAll waits for every outstanding channel in channel order. Each wait gets the full timeout.
func (s *Scheduler) WaitAll(ctx context.Context, timeout time.Duration) error {
	return s.WaitEach(ctx, timeout, nil)
}

// WaitEach is WaitAll calling done, when not nil, as each channel finishes.
func (s *Scheduler) WaitEach(ctx context.Context, timeout time.Duration, done func(ch int, err error)) error {
	var errs []error
	for _, ch := range s.Outstanding() {
		delete(s.outstanding, ch)
		err := s.mc.PollComplete(ctx, ch, timeout)
		if done != nil {
			done(ch, err)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("channel %d: %w", ch, err))
			if ctx.Err() != nil {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// RunOnce fires every request and waits for all of them.
func (s *Scheduler) RunOnce(ctx context.Context, reqs []engine.Request, timeout time.Duration) error {
	fireErr := s.FireAll(ctx, reqs)
	return errors.Join(fireErr, s.WaitAll(ctx, timeout))
}

// Sequential starts and waits for each request in turn.
func (s *Scheduler) Sequential(ctx context.Context, reqs []engine.Request, timeout time.Duration) error {
	var errs []error
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		if err := s.mc.Start(ctx, req); err != nil {
			errs = append(errs, fmt.Errorf("channel %d: %w", req.Channel, err))
			continue
		}
		if err := s.mc.PollComplete(ctx, req.Channel, timeout); err != nil {
			errs = append(errs, fmt.Errorf("channel %d: %w", req.Channel, err))
		}
	}
	return errors.Join(errs...)
}

// LPDChannels adapts the LPD DMA to MultiChannel. Its channels are independent and have no arbiter, so the policy is
// ignored. Channels that did not come out of reset stay unusable whatever EnableChannel says.
type LPDChannels struct {
	*lpd.Engine
	l logrus.FieldLogger

	once    sync.Once
	m       sync.Mutex
	enabled map[int]bool
}

func NewLPDChannels(l logrus.FieldLogger, e *lpd.Engine) *LPDChannels {
	return &LPDChannels{Engine: e, l: l, enabled: make(map[int]bool)}
}

func (a *LPDChannels) SetScheduler(p Policy) error {
	a.once.Do(func() {
		a.l.WithField("policy", p).Debug("LPD channels have no arbiter, ignoring the scheduler policy")
	})
	return nil
}

func (a *LPDChannels) EnableChannel(ch int) error {
	if ch < 0 || ch >= a.Channels() {
		return fmt.Errorf("%w: lpd channel %d", dmaerr.ErrInvalidParam, ch)
	}
	a.m.Lock()
	a.enabled[ch] = true
	a.m.Unlock()
	return nil
}

func (a *LPDChannels) DisableChannel(ch int) error {
	a.m.Lock()
	delete(a.enabled, ch)
	a.m.Unlock()
	return nil
}

func (a *LPDChannels) Start(ctx context.Context, req engine.Request) error {
	a.m.Lock()
	on := a.enabled[req.Channel]
	a.m.Unlock()
	if !on {
		return fmt.Errorf("%w: lpd channel %d is not enabled", dmaerr.ErrNotInit, req.Channel)
	}
	return a.Engine.Start(ctx, req)
}
