package udptracker

// http://bittorrent.org/beps/bep_0015.html
// http://bittorrent.org/beps/bep_0041.html

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand/v2"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/cenkalti/drizzle/internal/blocklist"
	"github.com/cenkalti/drizzle/internal/logger"
	"github.com/cenkalti/drizzle/internal/tracker"
)

const (
	connectionIDMagic    = 0x41727101980
	connectionIDInterval = time.Minute
	// BEP 15 stops doubling the retransmit interval after 8 retries.
	maxRetryShift = 8
	maxPacketSize = 1 << 16
)

var (
	errClosed  = errors.New("udp tracker transport is closed")
	errBlocked = errors.New("tracker address is blocked")
)

// Transport sends the requests of all UDP trackers over a single socket
// and routes the responses back by transaction id.
type Transport struct {
	blocklist     *blocklist.Blocklist
	retryInterval time.Duration
	log           logger.Logger

	m            sync.Mutex
	conn         *net.UDPConn
	connections  map[netip.AddrPort]*connection
	transactions map[int32]*transaction
	closed       bool
	readDone     chan struct{}
}

type connection struct {
	m           sync.Mutex
	id          int64
	connectedAt time.Time
}

type transaction struct {
	id       int32
	response []byte
	err      error
	done     chan struct{}
}

// NewTransport returns a Transport. The socket is opened on first use.
// Requests are retransmitted after retryInterval, doubling on each retry.
// Trackers resolving to an address in bl are not contacted. bl may be nil.
func NewTransport(bl *blocklist.Blocklist, retryInterval time.Duration) *Transport {
	return &Transport{
		blocklist:     bl,
		retryInterval: retryInterval,
		log:           logger.New("udp tracker transport"),
		connections:   make(map[netip.AddrPort]*connection),
		transactions:  make(map[int32]*transaction),
	}
}

func (t *Transport) listen() (*net.UDPConn, error) {
	t.m.Lock()
	defer t.m.Unlock()
	if t.closed {
		return nil, errClosed
	}
	if t.conn != nil {
		return t.conn, nil
	}
	conn, err := net.ListenUDP("udp4", new(net.UDPAddr))
	if err != nil {
		return nil, err
	}
	t.conn = conn
	t.readDone = make(chan struct{})
	go t.readLoop(conn, t.readDone)
	return conn, nil
}

// Close closes the socket. Requests in progress return an error.
func (t *Transport) Close() error {
	t.m.Lock()
	t.closed = true
	conn, readDone := t.conn, t.readDone
	for id, trx := range t.transactions {
		delete(t.transactions, id)
		trx.err = errClosed
		close(trx.done)
	}
	t.m.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-readDone
	return err
}

// readLoop reads datagrams from the socket and completes the matching transaction.
func (t *Transport) readLoop(conn *net.UDPConn, done chan struct{}) {
	defer close(done)
	buf := make([]byte, maxPacketSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			t.m.Lock()
			closed := t.closed
			t.m.Unlock()
			if !closed {
				t.log.Error(err)
			}
			return
		}
		if n < headerLength {
			t.log.Debugf("short packet of %d bytes", n)
			continue
		}
		act := action(binary.BigEndian.Uint32(buf[:4]))
		id := int32(binary.BigEndian.Uint32(buf[4:8]))

		t.m.Lock()
		trx, ok := t.transactions[id]
		delete(t.transactions, id)
		t.m.Unlock()
		if !ok {
			t.log.Debugln("unexpected transaction id:", id)
			continue
		}
		if act == actionError {
			trx.err = &tracker.Error{FailureReason: string(buf[headerLength:n])}
		} else {
			trx.response = append([]byte(nil), buf[:n]...)
		}
		close(trx.done)
	}
}

func (t *Transport) resolve(ctx context.Context, dest string) (netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(dest)
	if err != nil {
		return netip.AddrPort{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netip.AddrPort{}, err
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, &net.DNSError{Err: "no IPv4 address", Name: host, IsNotFound: true}
	}
	addr := addrs[0].Unmap()
	if t.blocklist != nil && t.blocklist.Blocked(addr) {
		return netip.AddrPort{}, errBlocked
	}
	return netip.AddrPortFrom(addr, uint16(port)), nil
}

// connectionID returns the connection id for the tracker at addr, connecting if the last one is expired.
func (t *Transport) connectionID(ctx context.Context, addr netip.AddrPort) (int64, error) {
	t.m.Lock()
	c, ok := t.connections[addr]
	if !ok {
		c = new(connection)
		t.connections[addr] = c
	}
	t.m.Unlock()

	c.m.Lock()
	defer c.m.Unlock()
	if !c.connectedAt.IsZero() && time.Since(c.connectedAt) < connectionIDInterval {
		return c.id, nil
	}
	data, err := t.roundTrip(ctx, addr, 0, new(connectRequest))
	if err != nil {
		return 0, err
	}
	id, err := parseConnectResponse(data)
	if err != nil {
		return 0, err
	}
	c.id, c.connectedAt = id, time.Now()
	t.log.Debugf("connected to %s", addr)
	return id, nil
}

// Do resolves dest, obtains a connection id and sends req until the tracker responds or ctx is done.
func (t *Transport) Do(ctx context.Context, dest string, req request) ([]byte, error) {
	addr, err := t.resolve(ctx, dest)
	if err != nil {
		return nil, err
	}
	id, err := t.connectionID(ctx, addr)
	if err != nil {
		return nil, err
	}
	return t.roundTrip(ctx, addr, id, req)
}

func (t *Transport) roundTrip(ctx context.Context, addr netip.AddrPort, connectionID int64, req request) ([]byte, error) {
	conn, err := t.listen()
	if err != nil {
		return nil, err
	}
	trx := &transaction{done: make(chan struct{})}
	t.m.Lock()
	for {
		trx.id = rand.Int32() // nolint: gosec
		if _, ok := t.transactions[trx.id]; !ok {
			break
		}
	}
	t.transactions[trx.id] = trx
	t.m.Unlock()

	b, err := req.encode(connectionID, trx.id)
	if err != nil {
		t.forget(trx.id)
		return nil, err
	}
	ticker := backoff.NewTicker(&backoff.ExponentialBackOff{
		InitialInterval:     t.retryInterval,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         t.retryInterval << maxRetryShift,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	})
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err = conn.WriteToUDPAddrPort(b, addr); err != nil {
				t.log.Debugln("cannot write to tracker:", err)
			}
		case <-trx.done:
			return trx.response, trx.err
		case <-ctx.Done():
			t.forget(trx.id)
			return nil, ctx.Err()
		}
	}
}

func (t *Transport) forget(id int32) {
	t.m.Lock()
	delete(t.transactions, id)
	t.m.Unlock()
}
