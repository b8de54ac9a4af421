// Package bufpool implements the watermark-driven buffer factory described
// in the original engine's inc/prx_buffer.h: a pool of byte buffers that
// notifies a callback when the free count crosses a low or high watermark,
// which is how the server engine throttles receive-side work when memory
// pressure builds (spec §4.2, invariant 7 "receive flow control").
package bufpool

import "sync"

// Config mirrors prx_pool_config_t. LowWatermark >= HighWatermark disables
// the low-watermark notification (treated as 0); HighWatermark >= MaxCount
// clamps to MaxCount, matching the header's documented coercion.
type Config struct {
	Name          string
	InitialCount  int
	MaxCount      int // 0 == grows on demand
	LowWatermark  int
	HighWatermark int
	// OnWatermark is called with empty=true the moment the free count dips
	// below LowWatermark, and with empty=false the moment it climbs back to
	// or above HighWatermark. May be nil.
	OnWatermark func(empty bool)
}

func (c *Config) normalize() {
	if c.LowWatermark >= c.HighWatermark {
		c.LowWatermark = 0
	}
	if c.MaxCount > 0 && c.HighWatermark >= c.MaxCount {
		c.HighWatermark = c.MaxCount
	}
}

// Factory allocates and recycles byte buffers. Fixed pools ignore the size
// argument to Alloc and always return itemSize-length buffers; dynamic
// pools grow Alloc's buffer on request and support Resize.
type Factory interface {
	Alloc(size int) []byte
	// Resize reslices buf to length when length <= cap(buf). Past that,
	// dynamic pools return a grown copy and fixed pools return buf at its
	// full capacity.
	Resize(buf []byte, length int) []byte
	Release(buf []byte)
	// Available reports how many more items this pool can hand out before
	// MaxCount is reached (always > 0 when MaxCount == 0).
	Available() int
	Close()
}

type pool struct {
	mu       sync.Mutex
	cfg      Config
	itemSize int
	dynamic  bool
	free     [][]byte
	created  int  // total buffers ever allocated against MaxCount
	belowLow bool // current watermark state, to suppress duplicate callbacks
}

// NewFixedPool creates a pool of fixed itemSize buffers (prx_fixed_pool_create).
func NewFixedPool(itemSize int, cfg Config) Factory {
	return newPool(itemSize, false, cfg)
}

// NewDynamicPool creates a pool whose buffers may grow past initialItemSize
// on demand (prx_dynamic_pool_create).
func NewDynamicPool(initialItemSize int, cfg Config) Factory {
	return newPool(initialItemSize, true, cfg)
}

func newPool(itemSize int, dynamic bool, cfg Config) *pool {
	cfg.normalize()
	p := &pool{cfg: cfg, itemSize: itemSize, dynamic: dynamic}
	for i := 0; i < cfg.InitialCount; i++ {
		p.free = append(p.free, make([]byte, itemSize))
		p.created++
	}
	return p
}

func (p *pool) Alloc(size int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	var buf []byte
	if n := len(p.free); n > 0 {
		buf = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		if p.cfg.MaxCount > 0 && p.created >= p.cfg.MaxCount {
			return nil // caller should treat this as er_out_of_memory
		}
		want := p.itemSize
		if p.dynamic && size > want {
			want = size
		}
		buf = make([]byte, want)
		p.created++
	}
	p.checkWatermarkLocked()

	if !p.dynamic {
		return buf
	}
	if size > cap(buf) {
		grown := make([]byte, size)
		copy(grown, buf)
		return grown
	}
	return buf[:size]
}

func (p *pool) Resize(buf []byte, length int) []byte {
	if length <= cap(buf) {
		return buf[:length]
	}
	if !p.dynamic {
		return buf[:cap(buf)]
	}
	grown := make([]byte, length)
	copy(grown, buf)
	return grown
}

func (p *pool) Release(buf []byte) {
	if buf == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, buf[:cap(buf)])
	p.checkWatermarkLocked()
}

// checkWatermarkLocked fires OnWatermark on transitions only, mirroring the
// header's "called with true if dip below low_watermark" semantics: the
// pool is considered to have recovered once free count reaches
// HighWatermark again.
func (p *pool) checkWatermarkLocked() {
	if p.cfg.OnWatermark == nil {
		return
	}
	free := len(p.free)
	if p.cfg.LowWatermark > 0 && !p.belowLow && free < p.cfg.LowWatermark {
		p.belowLow = true
		p.cfg.OnWatermark(true)
	} else if p.belowLow && free >= p.cfg.HighWatermark {
		p.belowLow = false
		p.cfg.OnWatermark(false)
	}
}

func (p *pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.MaxCount == 0 {
		return int(^uint(0) >> 1) // unbounded, matches "0 == grows pool on demand"
	}
	avail := p.cfg.MaxCount - p.created + len(p.free)
	if avail < 0 {
		return 0
	}
	return avail
}

func (p *pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = nil
	p.created = 0
}
