package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reachstack/fabric/internal/hashstream"
	"github.com/reachstack/fabric/internal/observability"
	"github.com/reachstack/fabric/internal/protocol"
	"github.com/reachstack/fabric/internal/protocol/frame"
)

// Submit sends one execution request and blocks until the engine answers,
// the context is cancelled, or the request timeout fires. Requests may be
// pipelined from multiple goroutines; completions are matched by
// correlation id.
func (c *Conn) Submit(ctx context.Context, req protocol.ExecRequest) (*protocol.ExecResult, error) {
	start := time.Now()
	res, err := c.submit(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	observability.RecordRequest(c.cfg.Endpoint, status, time.Since(start))
	return res, err
}

func (c *Conn) submit(ctx context.Context, req protocol.ExecRequest) (*protocol.ExecResult, error) {
	if c.failed.Load() {
		return nil, ErrConnectionClosed
	}
	if err := c.requireReady(); err != nil {
		return nil, err
	}
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	req.CorrelationID = c.nextCorr.Add(1)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	fr, err := c.encodeFrame(protocol.TypeExecRequest, req)
	if err != nil {
		return nil, err
	}

	timeout := c.cfg.Session.RequestTimeout
	p := &pendingRequest{
		correlationID: req.CorrelationID,
		runID:         req.RunID,
		deadline:      time.Now().Add(timeout),
		resultCh:      make(chan outcome, 1),
	}
	if err := c.runOp(func() { c.pending[p.correlationID] = p }); err != nil {
		return nil, err
	}

	if err := c.enqueue(fr, p.correlationID); err != nil {
		return nil, err
	}
	log.Debug().
		Uint64("correlation_id", p.correlationID).
		Str("run_id", req.RunID).
		Msg("request submitted")

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-p.resultCh:
		return c.finish(out)
	case <-ctx.Done():
		c.unregister(p.correlationID)
		return nil, ctx.Err()
	case <-timer.C:
		c.unregister(p.correlationID)
		c.breaker.RecordFailure()
		return nil, fmt.Errorf("%w: no result within %s", ErrTimeout, timeout)
	case <-c.done:
		return nil, ErrConnectionClosed
	}
}

// Cancel asks the engine to abandon a run. Fire and forget: the engine
// still answers the original request, normally with a cancelled result.
// The Cancel carries the correlation id of the in-flight Submit for the
// run, so the engine can target the exact request.
func (c *Conn) Cancel(runID, reason string) error {
	if c.failed.Load() {
		return ErrConnectionClosed
	}
	if err := c.requireReady(); err != nil {
		return err
	}
	var target uint64
	if err := c.runOp(func() {
		for id, p := range c.pending {
			if p.runID == runID {
				target = id
				return
			}
		}
	}); err != nil {
		return err
	}
	fr, err := c.encodeFrame(protocol.TypeCancel, protocol.Cancel{
		CorrelationID: target,
		RunID:         runID,
		Reason:        reason,
	})
	if err != nil {
		return err
	}
	return c.enqueue(fr, 0)
}

func (c *Conn) encodeFrame(t protocol.MessageType, msg any) (frame.Frame, error) {
	payload, err := protocol.Marshal(c.sess.Encoding, msg)
	if err != nil {
		return frame.Frame{}, err
	}
	if len(payload) > frame.MaxFrameBytes {
		return frame.Frame{}, fmt.Errorf("%w: payload %d bytes", frame.ErrFrameTooLarge, len(payload))
	}
	return frame.Frame{Type: t, Payload: payload}, nil
}

// enqueue is non-blocking: a full send queue surfaces as ErrBusy so the
// caller sheds load instead of stacking up behind a slow socket.
func (c *Conn) enqueue(fr frame.Frame, correlationID uint64) error {
	select {
	case c.sendQ <- fr:
		return nil
	case <-c.done:
		if correlationID != 0 {
			c.unregister(correlationID)
		}
		return ErrConnectionClosed
	default:
		if correlationID != 0 {
			c.unregister(correlationID)
		}
		return ErrBusy
	}
}

func (c *Conn) unregister(correlationID uint64) {
	_ = c.runOp(func() { delete(c.pending, correlationID) })
}

// finish validates a completion. A digest carrying the wrong hash
// primitive is a hard error even when the run itself succeeded; trusting
// it would poison replay verification downstream.
func (c *Conn) finish(out outcome) (*protocol.ExecResult, error) {
	if out.err != nil {
		if !errors.Is(out.err, ErrEngineRejected) {
			c.breaker.RecordFailure()
		}
		return nil, out.err
	}
	res := out.result
	if err := res.Validate(); err != nil {
		c.breaker.RecordFailure()
		return nil, err
	}
	if res.ResultDigest != "" {
		if err := hashstream.VerifyAlgorithm(res.ResultDigest, c.sess.HashPrimitive); err != nil {
			c.breaker.RecordFailure()
			return nil, fmt.Errorf("%w: %v", ErrDigestPrimitive, err)
		}
	}
	c.breaker.RecordSuccess()
	return res, nil
}
