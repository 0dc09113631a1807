package journal

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"taskdelegate/internal/domain"
)

// Source hands out named event subscriptions.
type Source interface {
	Subscribe(name string, buffer int) <-chan domain.Event
	Unsubscribe(name string) error
}

type Sink interface {
	Record(ctx context.Context, evt domain.Event) error
}

// Journal copies the event stream into a Sink. It is an observer only; nothing
// reads the journal back into the engine.
type Journal struct {
	id     string
	buffer int
	source Source
	sink   Sink
	logger *log.Logger

	recorded atomic.Int64
	failed   atomic.Int64
	done     chan struct{}
}

func New(source Source, sink Sink, buffer int, logger *log.Logger) *Journal {
	if logger == nil {
		logger = log.Default()
	}
	return &Journal{
		id:     "journal",
		buffer: buffer,
		source: source,
		sink:   sink,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start subscribes and records events until ctx is done, then flushes what is
// already buffered.
func (j *Journal) Start(ctx context.Context) {
	ch := j.source.Subscribe(j.id, j.buffer)
	go func() {
		defer close(j.done)
		for {
			select {
			case <-ctx.Done():
				j.flush(context.WithoutCancel(ctx), ch)
				if err := j.source.Unsubscribe(j.id); err != nil {
					j.logger.Printf("journal unsubscribe: %v", err)
				}
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				j.record(ctx, evt)
			}
		}
	}()
}

func (j *Journal) flush(ctx context.Context, ch <-chan domain.Event) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			j.record(ctx, evt)
		default:
			return
		}
	}
}

func (j *Journal) record(ctx context.Context, evt domain.Event) {
	if err := j.sink.Record(ctx, evt); err != nil {
		j.failed.Add(1)
		j.logger.Printf("journal record failed type=%s task=%s group=%s: %v", evt.Type, evt.TaskID, evt.GroupID, err)
		return
	}
	j.recorded.Add(1)
}

// Done is closed once the journal goroutine has exited.
func (j *Journal) Done() <-chan struct{} {
	return j.done
}

func (j *Journal) Recorded() int64 {
	return j.recorded.Load()
}

func (j *Journal) Failed() int64 {
	return j.failed.Load()
}
