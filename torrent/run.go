package torrent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/drizzle/internal/allocator"
	"github.com/cenkalti/drizzle/internal/announcer"
	"github.com/cenkalti/drizzle/internal/logger"
	"github.com/cenkalti/drizzle/internal/messagehandler"
	"github.com/cenkalti/drizzle/internal/peer"
	"github.com/cenkalti/drizzle/internal/peermanager"
	"github.com/cenkalti/drizzle/internal/piece"
	"github.com/cenkalti/drizzle/internal/piecemanager"
	"github.com/cenkalti/drizzle/internal/piecewriter"
	"github.com/cenkalti/drizzle/internal/resumer"
	"github.com/cenkalti/drizzle/internal/session"
	"github.com/cenkalti/drizzle/internal/storage/filestorage"
	"golang.org/x/sync/errgroup"
)

// run drives a session until ctx is canceled or the download completes, then stops it
// according to the stop intent of the session.
func (e *Engine) run(ctx context.Context, d *Download) error {
	s := d.session
	defer s.Close()
	l := s.Log

	sto, err := filestorage.New(s.Dest)
	if err != nil {
		return err
	}
	res, err := allocator.Allocate(ctx, s.FileMap.Files, sto, func(p allocator.Progress) {
		l.Debugf("allocated %d of %d bytes", p.AllocatedSize, p.TotalSize)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return err
	}
	if res.HasExisting {
		l.Info("using existing files")
	}

	writer := piecewriter.NewWriter(s.FileMap, sto, logger.ForSession("storage", s.Name))
	writer.SetFiles(res.Files)
	storage := piecewriter.NewService(writer, func(req piecewriter.ReadRequest, data []byte) {
		s.BlockRead.Notify(session.BlockRead{
			Peer:  req.Peer.(*peer.Peer),
			Block: piece.Block{PieceIndex: req.Index, Begin: req.Begin, Length: req.Length, Data: data},
		})
	}, s.Metrics.Registry, logger.ForSession("storage", s.Name))
	storage.OnWriteError = func(b piece.Block, err error) {
		if s.PieceManager.MarkPieceIncomplete(b.PieceIndex) {
			s.AddRemaining(int64(s.PieceLength(b.PieceIndex)))
		}
		s.Pieces[b.PieceIndex].Reset()
	}

	pm := peermanager.New(s)
	pm.Blocklist = e.blocklist
	handler := messagehandler.New(s, pm)
	trackers, err := announcer.NewTrackers(s.Trackers(), announcer.TrackerConfig{
		HTTPTimeout:           e.config.TrackerHTTPTimeout,
		HTTPUserAgent:         e.config.TrackerHTTPUserAgent,
		HTTPMaxResponseLength: e.config.TrackerHTTPMaxResponseLength,
		UDPTimeout:            e.config.TrackerUDPTimeout,
		UDPTransport:          e.udpTransport,
	})
	if err != nil {
		return err
	}
	ann := announcer.New(s, trackers, e.config.TrackerNumWant, e.config.Port)

	completedC := make(chan struct{})
	var completeOnce sync.Once
	unsubscribers := []func(){
		handler.Subscribe(),
		s.BlockReceived.Subscribe(func(b session.BlockReceived) { storage.Write(b.Block) }),
		s.BlockRequestReceived.Subscribe(func(r session.BlockRequest) {
			storage.Read(piecewriter.ReadRequest{Peer: r.Peer, Index: r.Index, Begin: r.Begin, Length: r.Length})
		}),
		s.FileCompleted.Subscribe(func(struct{}) {
			completeOnce.Do(func() { close(completedC) })
		}),
	}
	defer func() {
		for _, unsubscribe := range unsubscribers {
			unsubscribe()
		}
	}()

	storageCtx, stopStorage := context.WithCancel(context.Background())
	defer stopStorage()
	storageDone := make(chan struct{})
	go func() {
		defer close(storageDone)
		n := storage.Run(storageCtx, s.FlushOnStop)
		if err := writer.Close(); err != nil {
			l.Errorln("cannot close files:", err)
		}
		if s.FlushOnStop() {
			s.PiecesFlushed.Notify(n)
		}
		if s.SnapshotOnStop() {
			s.PieceManagerSnapshotted.Notify(s.PieceManager.Snapshot())
		}
	}()

	if s.PieceManager.HasAllPieces() {
		l.Info("all pieces are already downloaded")
		d.stop(true, false)
		return e.stopStorage(s, stopStorage, storageDone)
	}

	peerCtx, stopPeers := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(peerCtx)
	g.Go(func() error {
		pm.Run(gctx)
		return nil
	})
	g.Go(func() error {
		ann.Run(gctx)
		return nil
	})

	var completed bool
	select {
	case <-ctx.Done():
	case <-completedC:
		l.Info("download completed")
		d.stop(true, false)
		completed = true
	}
	stopPeers()
	_ = g.Wait()

	if completed {
		ann.AnnounceCompleted(e.config.TrackerCompletedEventTimeout)
	}

	err = e.stopStorage(s, stopStorage, storageDone)
	ann.AnnounceStopped(e.config.TrackerStoppedEventTimeout)
	return err
}

// stopStorage stops the storage service and, depending on the stop intent, waits for the flush
// and the piece manager snapshot confirmations, then saves or deletes the paused snapshot.
func (e *Engine) stopStorage(s *session.Session, stop context.CancelFunc, done <-chan struct{}) error {
	l := s.Log
	flush, snapshot := s.FlushOnStop(), s.SnapshotOnStop()
	if !flush && !snapshot {
		stop()
		<-done
		return nil
	}

	flushedC := make(chan int, 1)
	snapshotC := make(chan piecemanager.Snapshot, 1)
	defer s.PiecesFlushed.Subscribe(func(n int) { flushedC <- n })()
	defer s.PieceManagerSnapshotted.Subscribe(func(ps piecemanager.Snapshot) { snapshotC <- ps })()
	stop()

	timer := time.NewTimer(e.config.ShutdownTimeout)
	defer timer.Stop()
	var flushed, snapshotted bool
	var ps piecemanager.Snapshot
	for !flushed || (snapshot && !snapshotted) {
		select {
		case n := <-flushedC:
			l.Debugf("flushed %d blocks", n)
			flushed = true
		case ps = <-snapshotC:
			snapshotted = true
		case <-timer.C:
			l.Warning("timeout while waiting for pending writes to be flushed")
			return nil
		}
	}

	if !snapshot {
		// Completed downloads are not resumed.
		if err := e.store.Delete(s.Name); err != nil && !errors.Is(err, resumer.ErrNotFound) {
			l.Errorln("cannot delete paused session:", err)
		}
		return nil
	}
	spec := s.Snapshot()
	spec.PieceManager = ps
	spec.PausedAt = time.Now()
	if err := e.store.Save(spec); err != nil {
		return err
	}
	l.Infof("paused at %d%%", int(spec.Progress()*100))
	return nil
}
