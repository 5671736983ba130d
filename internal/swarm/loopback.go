package swarm

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrEngineNotStarted = errors.New("engine not started")
	ErrEngineClosed     = errors.New("engine closed")
	ErrSessionClosed    = errors.New("session closed")
	ErrIncomplete       = errors.New("payload incomplete")
)

// LoopbackNetwork is an in-process swarm. Engines attached to the same
// network exchange payloads directly, which makes multi-node behaviour
// testable without sockets.
type LoopbackNetwork struct {
	mu      sync.Mutex
	swarms  map[string]map[*loopbackSession]struct{}
	changed chan struct{}
}

func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{
		swarms:  make(map[string]map[*loopbackSession]struct{}),
		changed: make(chan struct{}),
	}
}

// watch returns a channel closed on the next membership or state change.
// Callers must hold n.mu.
func (n *LoopbackNetwork) watch() <-chan struct{} {
	return n.changed
}

func (n *LoopbackNetwork) notify() {
	n.mu.Lock()
	n.notifyLocked()
	n.mu.Unlock()
}

func (n *LoopbackNetwork) notifyLocked() {
	close(n.changed)
	n.changed = make(chan struct{})
}

func (n *LoopbackNetwork) join(s *loopbackSession) {
	n.mu.Lock()
	defer n.mu.Unlock()
	members := n.swarms[s.hash]
	if members == nil {
		members = make(map[*loopbackSession]struct{})
		n.swarms[s.hash] = members
	}
	members[s] = struct{}{}
	n.notifyLocked()
}

func (n *LoopbackNetwork) leave(s *loopbackSession) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if members := n.swarms[s.hash]; members != nil {
		delete(members, s)
		if len(members) == 0 {
			delete(n.swarms, s.hash)
		}
	}
	n.notifyLocked()
}

func (n *LoopbackNetwork) peers(s *loopbackSession) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := len(n.swarms[s.hash])
	if _, ok := n.swarms[s.hash][s]; ok {
		count--
	}
	return count
}

// source finds a member other than s able to upload the payload. When none
// is available it returns a channel that fires on the next change.
func (n *LoopbackNetwork) source(s *loopbackSession) (*loopbackSession, <-chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for m := range n.swarms[s.hash] {
		if m != s && m.serving() {
			return m, nil
		}
	}
	return nil, n.watch()
}

// LoopbackOption configures a LoopbackEngine.
type LoopbackOption func(*LoopbackEngine)

// WithStartFunc runs fn during Start. A non-nil error fails the start.
func WithStartFunc(fn func(ctx context.Context) error) LoopbackOption {
	return func(e *LoopbackEngine) {
		e.startFn = fn
	}
}

// WithTransferChunk sets how many bytes move per step and the pause
// between steps; a positive delay makes downloads observable mid-flight.
func WithTransferChunk(size int, delay time.Duration) LoopbackOption {
	return func(e *LoopbackEngine) {
		if size > 0 {
			e.chunkSize = size
		}
		e.chunkDelay = delay
	}
}

// LoopbackEngine is an Engine over a LoopbackNetwork.
type LoopbackEngine struct {
	network    *LoopbackNetwork
	startFn    func(ctx context.Context) error
	chunkSize  int
	chunkDelay time.Duration

	mu       sync.Mutex
	started  bool
	closed   bool
	sessions map[string]*loopbackSession
}

var _ Engine = (*LoopbackEngine)(nil)

func NewLoopbackEngine(network *LoopbackNetwork, opts ...LoopbackOption) *LoopbackEngine {
	e := &LoopbackEngine{
		network:   network,
		chunkSize: 64 << 10,
		sessions:  make(map[string]*loopbackSession),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *LoopbackEngine) Start(ctx context.Context) error {
	if e.startFn != nil {
		if err := e.startFn(ctx); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	e.started = true
	return nil
}

func (e *LoopbackEngine) register(s *loopbackSession) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.closed:
		return ErrEngineClosed
	case !e.started:
		return ErrEngineNotStarted
	}
	if old, ok := e.sessions[s.hash]; ok {
		go old.Close()
	}
	e.sessions[s.hash] = s
	return nil
}

func (e *LoopbackEngine) unregister(s *loopbackSession) {
	e.mu.Lock()
	if e.sessions[s.hash] == s {
		delete(e.sessions, s.hash)
	}
	e.mu.Unlock()
}

func (e *LoopbackEngine) newSession(hash string, size int64) *loopbackSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &loopbackSession{
		engine:  e,
		hash:    hash,
		size:    size,
		started: time.Now(),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (e *LoopbackEngine) Seed(ctx context.Context, d Descriptor, data []byte) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	s := e.newSession(d.InfoHash, d.Size)
	s.data = data
	s.state = StateSeeding
	s.finish()

	if err := e.register(s); err != nil {
		return nil, err
	}
	e.network.join(s)
	return s, nil
}

func (e *LoopbackEngine) Join(ctx context.Context, m Magnet) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := e.newSession(m.InfoHash, m.Size)
	s.state = StateDownloading

	if err := e.register(s); err != nil {
		return nil, err
	}
	e.network.join(s)
	go s.download()
	return s, nil
}

// RecordTraffic credits transfer counters of the session for hash as if
// peers had exchanged the bytes.
func (e *LoopbackEngine) RecordTraffic(hash string, uploaded, downloaded int64) bool {
	e.mu.Lock()
	s, ok := e.sessions[hash]
	e.mu.Unlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	s.uploaded += uploaded
	s.downloaded += downloaded
	s.mu.Unlock()
	return true
}

func (e *LoopbackEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sessions := make([]*loopbackSession, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	return nil
}

type loopbackSession struct {
	engine  *LoopbackEngine
	hash    string
	started time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	doneOnce sync.Once

	mu         sync.Mutex
	size       int64
	data       []byte
	downloaded int64
	uploaded   int64
	state      State
	// resume is the state restored by Resume.
	resume State
	err    error
	closed bool
}

func (s *loopbackSession) InfoHash() string { return s.hash }

func (s *loopbackSession) Done() <-chan struct{} { return s.done }

func (s *loopbackSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *loopbackSession) serving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data != nil && s.state == StateSeeding && !s.closed
}

func (s *loopbackSession) Bytes() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.data == nil {
		return nil, ErrIncomplete
	}
	return s.data, nil
}

func (s *loopbackSession) Stats() SessionStats {
	peers := s.engine.network.peers(s)

	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := time.Since(s.started).Seconds()
	stats := SessionStats{
		InfoHash:        s.hash,
		BytesDownloaded: s.downloaded,
		BytesUploaded:   s.uploaded,
		ShareRatio:      ShareRatio(s.uploaded, s.downloaded, s.size),
		PeerCount:       peers,
		State:           s.state,
	}
	if elapsed > 0 {
		stats.DownloadRateBps = float64(s.downloaded) / elapsed
		stats.UploadRateBps = float64(s.uploaded) / elapsed
	}
	switch {
	case s.data != nil:
		stats.Progress = 1
	case s.size > 0:
		stats.Progress = min(float64(s.downloaded)/float64(s.size), 1)
	}
	return stats
}

func (s *loopbackSession) Pause() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state != StatePaused {
		s.resume = s.state
		s.state = StatePaused
	}
	s.mu.Unlock()
	s.engine.network.notify()
	return nil
}

func (s *loopbackSession) Resume() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state == StatePaused {
		s.state = s.resume
	}
	s.mu.Unlock()
	s.engine.network.notify()
	return nil
}

func (s *loopbackSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = StateStopped
	finished := s.data != nil
	if !finished && s.err == nil {
		s.err = ErrSessionClosed
	}
	s.mu.Unlock()

	s.cancel()
	if !finished {
		s.finish()
	}
	s.engine.network.leave(s)
	s.engine.unregister(s)
	return nil
}

func (s *loopbackSession) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *loopbackSession) paused() (bool, <-chan struct{}) {
	n := s.engine.network
	n.mu.Lock()
	defer n.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StatePaused {
		return true, n.watch()
	}
	return false, nil
}

// download pulls the payload from any serving member, one chunk at a time.
func (s *loopbackSession) download() {
	var (
		src *loopbackSession
		buf []byte
	)
	for {
		if wait, ch := s.paused(); wait {
			select {
			case <-ch:
				continue
			case <-s.ctx.Done():
				return
			}
		}

		if src == nil || !src.serving() {
			var ch <-chan struct{}
			src, ch = s.engine.network.source(s)
			if src == nil {
				select {
				case <-ch:
					continue
				case <-s.ctx.Done():
					return
				}
			}
		}

		src.mu.Lock()
		payload := src.data
		src.mu.Unlock()
		if buf == nil {
			buf = make([]byte, 0, len(payload))
		}

		end := min(len(buf)+s.engine.chunkSize, len(payload))
		n := int64(end - len(buf))
		buf = append(buf, payload[len(buf):end]...)

		src.mu.Lock()
		src.uploaded += n
		src.mu.Unlock()

		s.mu.Lock()
		s.downloaded += n
		s.size = int64(len(payload))
		if len(buf) == len(payload) {
			s.data = buf
			s.state = StateSeeding
			s.mu.Unlock()
			s.finish()
			s.engine.network.notify()
			return
		}
		s.mu.Unlock()

		if s.engine.chunkDelay > 0 {
			select {
			case <-time.After(s.engine.chunkDelay):
			case <-s.ctx.Done():
				return
			}
		}
	}
}
