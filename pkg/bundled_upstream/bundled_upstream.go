/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 */

package bundled_upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

type Upstream interface {
	Exchange(ctx context.Context, q *dns.Msg) (*dns.Msg, error)
	Address() string
}

type parallelResult struct {
	r    *dns.Msg
	err  error
	from Upstream
}

var nopLogger = zap.NewNop()
var ErrAllFailed = errors.New("all upstreams failed")

// ExchangeParallel sends q to all upstreams at once. The first NOERROR
// response with answers wins. Otherwise the first response received is
// returned, so NXDOMAIN and NODATA are still answers.
func ExchangeParallel(ctx context.Context, q *dns.Msg, upstreams []Upstream, logger *zap.Logger) (*dns.Msg, error) {
	if logger == nil {
		logger = nopLogger
	}

	t := len(upstreams)
	if t == 0 {
		return nil, ErrAllFailed
	}
	if t == 1 {
		return upstreams[0].Exchange(ctx, q)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	c := make(chan *parallelResult, t)

	for _, u := range upstreams {
		u := u
		qCopy := q.Copy()
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := u.Exchange(taskCtx, qCopy)
			select {
			case c <- &parallelResult{r: r, err: err, from: u}:
			case <-taskCtx.Done():
				return
			}
		}()
	}

	go func() {
		wg.Wait()
		close(c)
	}()

	qField := zap.Stringer("query", questionStringer{q})
	errMsgs := make([]string, 0, t)
	var fallback *dns.Msg

	for res := range c {
		if res.err != nil {
			if errors.Is(res.err, context.Canceled) {
				logger.Debug("upstream exchange canceled", qField, zap.String("addr", res.from.Address()))
			} else {
				logger.Warn("upstream exchange failed", qField, zap.String("addr", res.from.Address()), zap.Error(res.err))
				errMsgs = append(errMsgs, fmt.Sprintf("[%s: %v]", res.from.Address(), res.err))
			}
			continue
		}
		if res.r == nil {
			continue
		}

		if res.r.Rcode == dns.RcodeSuccess && len(res.r.Answer) > 0 {
			cancel()
			return res.r, nil
		}
		if fallback == nil {
			fallback = res.r
		}
	}

	if fallback != nil {
		return fallback, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var detailedErr error
	if len(errMsgs) > 0 {
		detailedErr = fmt.Errorf("%w: %s", ErrAllFailed, strings.Join(errMsgs, ", "))
	} else {
		detailedErr = ErrAllFailed
	}
	logger.Warn("parallel exchange failed", qField, zap.Error(detailedErr))
	return nil, detailedErr
}

type questionStringer struct {
	q *dns.Msg
}

func (s questionStringer) String() string {
	if len(s.q.Question) == 0 {
		return "<empty>"
	}
	q := s.q.Question[0]
	return q.Name + " " + dns.TypeToString[q.Qtype]
}
