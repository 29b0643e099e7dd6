package piecewriter

import (
	"context"
	"sync"

	"github.com/cenkalti/drizzle/internal/logger"
	"github.com/cenkalti/drizzle/internal/piece"
	"github.com/rcrowley/go-metrics"
)

// ReadRequest asks for a block to be read from disk on behalf of a peer.
type ReadRequest struct {
	Peer                 any
	Index, Begin, Length uint32
}

type job struct {
	write *piece.Block
	read  *ReadRequest
}

// Service runs disk jobs in arrival order on a single goroutine.
// Reads queued after writes of the same block observe the written data.
type Service struct {
	writer *Writer
	log    logger.Logger
	onRead func(ReadRequest, []byte)

	m       sync.Mutex
	queue   []job
	signalC chan struct{}

	WritesPerSecond     metrics.Meter
	WriteBytesPerSecond metrics.Meter
	ReadBytesPerSecond  metrics.Meter
	WriteErrors         metrics.Counter

	// OnWriteError is called when a block cannot be written. Must be set before Run.
	OnWriteError func(piece.Block, error)
}

// NewService returns a Service writing through w. onRead is called with the data of each successful read.
// Metrics are registered in r.
func NewService(w *Writer, onRead func(ReadRequest, []byte), r metrics.Registry, l logger.Logger) *Service {
	s := &Service{
		writer:              w,
		log:                 l,
		onRead:              onRead,
		signalC:             make(chan struct{}, 1),
		WritesPerSecond:     metrics.NewRegisteredMeter("writes_per_second", r),
		WriteBytesPerSecond: metrics.NewRegisteredMeter("write_bytes_per_second", r),
		ReadBytesPerSecond:  metrics.NewRegisteredMeter("read_bytes_per_second", r),
		WriteErrors:         metrics.NewRegisteredCounter("write_errors", r),
	}
	metrics.NewRegisteredFunctionalGauge("writes_pending", r, func() int64 { return int64(s.Pending()) })
	return s
}

// Write queues a block to be written. Does not block.
func (s *Service) Write(b piece.Block) {
	s.push(job{write: &b})
}

// Read queues a block read. Does not block.
func (s *Service) Read(req ReadRequest) {
	s.push(job{read: &req})
}

func (s *Service) push(j job) {
	s.m.Lock()
	s.queue = append(s.queue, j)
	s.m.Unlock()
	select {
	case s.signalC <- struct{}{}:
	default:
	}
}

func (s *Service) pop() (job, bool) {
	s.m.Lock()
	defer s.m.Unlock()
	if len(s.queue) == 0 {
		return job{}, false
	}
	j := s.queue[0]
	s.queue[0] = job{}
	s.queue = s.queue[1:]
	return j, true
}

// Pending returns the number of queued jobs.
func (s *Service) Pending() int {
	s.m.Lock()
	defer s.m.Unlock()
	return len(s.queue)
}

// Run processes jobs until ctx is done.
// After cancellation, if flush returns true the queued writes are written and synced before returning;
// queued reads are dropped. The number of blocks written during the flush is returned.
func (s *Service) Run(ctx context.Context, flush func() bool) int {
	for {
		select {
		case <-s.signalC:
			for {
				if ctx.Err() != nil {
					break
				}
				j, ok := s.pop()
				if !ok {
					break
				}
				s.do(j)
			}
		case <-ctx.Done():
			if !flush() {
				return 0
			}
			return s.flush()
		}
	}
}

func (s *Service) flush() int {
	var n int
	for {
		j, ok := s.pop()
		if !ok {
			break
		}
		if j.write != nil {
			s.do(j)
			n++
		}
	}
	if err := s.writer.Sync(); err != nil {
		s.log.Errorln("cannot sync files:", err)
	}
	s.log.Debugf("flushed %d blocks", n)
	return n
}

func (s *Service) do(j job) {
	switch {
	case j.write != nil:
		b := *j.write
		if err := s.writer.WriteBlock(b); err != nil {
			s.WriteErrors.Inc(1)
			s.log.Errorf("cannot write block piece=%d begin=%d: %s", b.PieceIndex, b.Begin, err)
			if s.OnWriteError != nil {
				s.OnWriteError(b, err)
			}
			return
		}
		s.WritesPerSecond.Mark(1)
		s.WriteBytesPerSecond.Mark(int64(b.Length))
	case j.read != nil:
		r := *j.read
		data, err := s.writer.ReadBlock(r.Index, r.Begin, r.Length)
		if err != nil {
			s.log.Errorf("cannot read block piece=%d begin=%d: %s", r.Index, r.Begin, err)
			return
		}
		s.ReadBytesPerSecond.Mark(int64(len(data)))
		if s.onRead != nil {
			s.onRead(r, data)
		}
	}
}
