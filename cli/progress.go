package cli

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"securepeer/transfer"
)

// progressTracker draws one bar per active transfer once enabled. Updates arrive
// from transfer goroutines.
type progressTracker struct {
	out io.Writer

	mu      sync.Mutex
	enabled bool
	bars    map[string]*progressbar.ProgressBar
}

func newProgressTracker(out io.Writer) *progressTracker {
	return &progressTracker{out: out, bars: make(map[string]*progressbar.ProgressBar)}
}

func (p *progressTracker) enable() {
	p.mu.Lock()
	p.enabled = true
	p.mu.Unlock()
}

func (p *progressTracker) update(snap transfer.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled || snap.TotalBytes <= 0 {
		return
	}

	id := snap.Metadata.ID
	bar, ok := p.bars[id]
	if !ok {
		if snap.State.Terminal() {
			return
		}
		bar = p.newBar(snap)
		p.bars[id] = bar
	}
	_ = bar.Set64(snap.BytesTransferred)

	if !snap.State.Terminal() {
		return
	}
	if snap.State == transfer.StateCompleted {
		_ = bar.Finish()
	} else {
		_ = bar.Exit()
		fmt.Fprintln(p.out)
	}
	delete(p.bars, id)
}

func (p *progressTracker) newBar(snap transfer.Snapshot) *progressbar.ProgressBar {
	verb := "receiving"
	if snap.Direction == transfer.DirectionOutgoing {
		verb = "sending"
	}
	return progressbar.NewOptions64(snap.TotalBytes,
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionSetDescription(fmt.Sprintf("%s %s", verb, snap.Metadata.Name)),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(p.out) }),
	)
}
