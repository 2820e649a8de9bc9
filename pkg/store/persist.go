package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ragchat/pkg/storage"
)

// persister writes snapshots to a KV. Snapshots carry a sequence number and a
// write never replaces a newer snapshot with an older one.
type persister struct {
	kv       storage.KV
	key      string
	debounce time.Duration
	logger   *slog.Logger

	writeMu sync.Mutex
	written uint64

	mu         sync.Mutex
	pending    []byte
	pendingSeq uint64
	timer      *time.Timer
}

func newPersister(kv storage.KV, key string, debounce time.Duration, logger *slog.Logger) *persister {
	return &persister{kv: kv, key: key, debounce: debounce, logger: logger}
}

func (p *persister) save(seq uint64, data []byte) {
	if p.debounce <= 0 {
		p.write(seq, data)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq > p.pendingSeq {
		p.pending = data
		p.pendingSeq = seq
	}
	if p.timer == nil {
		p.timer = time.AfterFunc(p.debounce, p.flush)
	}
}

func (p *persister) flush() {
	p.mu.Lock()
	data, seq := p.pending, p.pendingSeq
	p.pending = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
	if data != nil {
		p.write(seq, data)
	}
}

func (p *persister) write(seq uint64, data []byte) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if seq <= p.written {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.kv.Put(ctx, p.key, data); err != nil {
		p.logger.Error("persist sessions failed", "key", p.key, "seq", seq, "err", err)
		return
	}
	p.written = seq
}
