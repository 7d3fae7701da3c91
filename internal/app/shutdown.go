package app

import (
	"context"
	"fmt"
	"time"

	logx "agendacore/pkg/logx"
)

type stopStep struct {
	name   string
	budget time.Duration
	fn     func(context.Context) error
}

// slowStep is the duration above which a finished step is logged at info.
const slowStep = 500 * time.Millisecond

// runStopStep runs one step under min(budget, time left in ctx). A step that
// overruns is left running in the background and reported when it returns.
func (a *App) runStopStep(ctx context.Context, st stopStep) {
	sctx, cancel := context.WithTimeout(ctx, st.budget)
	defer cancel()

	began := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- st.fn(sctx)
	}()

	fields := func(err error) []logx.Field {
		return []logx.Field{logx.String("step", st.name), logx.Duration("took", time.Since(began)), logx.Err(err)}
	}

	select {
	case err := <-done:
		switch took := time.Since(began); {
		case err != nil:
			a.log.Warn("stop step failed", fields(err)...)
		case took >= slowStep:
			a.log.Info("stop step slow", fields(nil)...)
		default:
			a.log.Debug("stop step done", fields(nil)...)
		}
	case <-sctx.Done():
		a.log.Warn("stop step over budget; continuing", fields(sctx.Err())...)
		go func() {
			err := <-done
			a.log.Info("stop step finished late", fields(err)...)
		}()
	}
}
