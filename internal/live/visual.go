package live

import (
	"sync"
	"time"

	"github.com/MrWong99/prismnexus/pkg/audio"
)

// visualiser turns the most recent capture block into bar heights once per
// frame. Blocks are offered through a one-slot mailbox that always holds the
// newest block, so offering never blocks the capture path.
type visualiser struct {
	env      audio.Envelope
	interval time.Duration
	emit     func([]float64)

	slot     chan audio.Block
	stop     chan struct{}
	stopOnce sync.Once
}

func newVisualiser(env audio.Envelope, interval time.Duration, emit func([]float64)) *visualiser {
	return &visualiser{
		env:      env,
		interval: interval,
		emit:     emit,
		slot:     make(chan audio.Block, 1),
		stop:     make(chan struct{}),
	}
}

// offer replaces any unseen block with b.
func (v *visualiser) offer(b audio.Block) {
	select {
	case <-v.slot:
	default:
	}
	select {
	case v.slot <- b:
	default:
	}
}

// run ticks until halt is called.
func (v *visualiser) run() error {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-v.stop:
			return nil
		case <-ticker.C:
			select {
			case b := <-v.slot:
				v.emit(v.env.Levels(b))
			default:
			}
		}
	}
}

func (v *visualiser) halt() {
	v.stopOnce.Do(func() { close(v.stop) })
}
