// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/chatstream/services/llm/datatypes"
)

// Call is a handle on one in-flight SendMessage.
//
// Description:
//
//	A Call ends exactly once: with the stored assistant message, or with
//	the first of a service error, the timeout firing, the parent context
//	ending, or Cancel. Once the answer is being written back to the store
//	the call can no longer be aborted, so an aborted call never leaves an
//	assistant message behind.
//
// Thread Safety: All methods are safe for concurrent use.
type Call struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	timeout time.Duration

	timer     *time.Timer
	stopAfter func() bool

	agg  atomic.Pointer[Aggregator]
	done chan struct{}

	mu         sync.Mutex
	finished   bool
	committing bool
	resp       Response
	msg        datatypes.Message
	err        error
}

// newCall derives the call context from parent and arms the timeout.
func newCall(parent context.Context, timeout time.Duration) *Call {
	ctx, cancel := context.WithCancelCause(parent)
	c := &Call{
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
		done:    make(chan struct{}),
	}
	if timeout > 0 {
		c.timer = time.AfterFunc(timeout, func() {
			c.abort(&TimeoutError{Timeout: timeout})
		})
	}
	c.stopAfter = context.AfterFunc(parent, func() {
		c.abort(contextError(parent, timeout))
	})
	return c
}

// Context is the derived context the call's work runs under.
func (c *Call) Context() context.Context {
	return c.ctx
}

// Done is closed when the call has ended.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call ends and returns its outcome.
//
// Wait returns as soon as the call context ends, even if the transport
// ignores cancellation and never returns.
func (c *Call) Wait() (datatypes.Message, error) {
	select {
	case <-c.done:
	case <-c.ctx.Done():
		c.abort(contextError(c.ctx, c.timeout))
		<-c.done
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msg, c.err
}

// Cancel aborts the call with a CancellationError. It is a no-op once the
// call has ended or its answer is being stored.
func (c *Call) Cancel() {
	c.abort(&CancellationError{Cause: context.Canceled})
}

// State reports the call's lifecycle position.
func (c *Call) State() State {
	c.mu.Lock()
	finished, err := c.finished, c.err
	c.mu.Unlock()
	if finished {
		if err != nil {
			return StateFailed
		}
		return StateDone
	}
	if agg := c.agg.Load(); agg != nil {
		return agg.State()
	}
	return StateIdle
}

// Response returns the final response once the call ended successfully.
func (c *Call) Response() (Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.finished || c.err != nil {
		return Response{}, false
	}
	return c.resp, true
}

// abort ends the call with cause. First outcome wins.
func (c *Call) abort(cause error) {
	c.mu.Lock()
	if c.finished || c.committing {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.err = cause
	close(c.done)
	c.mu.Unlock()

	c.cancel(cause)
	c.release()
}

// fail ends the call with a work error. Errors caused by the call context
// ending are replaced by the typed reason.
func (c *Call) fail(err error) {
	if ctxErr := contextError(c.ctx, c.timeout); ctxErr != nil {
		err = ctxErr
	}
	c.abort(err)
}

// beginCommit marks the point after which the call can no longer be
// aborted. It reports false if the call already ended.
func (c *Call) beginCommit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return false
	}
	c.committing = true
	return true
}

// complete records the committed outcome.
func (c *Call) complete(resp Response, msg datatypes.Message, err error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.resp = resp
	c.msg = msg
	c.err = err
	close(c.done)
	c.mu.Unlock()

	c.cancel(context.Canceled)
	c.release()
}

func (c *Call) release() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.stopAfter()
}

// progress gates observer so it is never called after the call ended.
func (c *Call) progress(observer func(Response)) func(Response) {
	if observer == nil {
		return nil
	}
	return func(r Response) {
		c.mu.Lock()
		finished := c.finished
		c.mu.Unlock()
		if finished || c.ctx.Err() != nil {
			return
		}
		observer(r)
	}
}
