package vbus

import (
	"time"

	"github.com/signalsfoundry/vbus-simulator/internal/codec"
	"github.com/signalsfoundry/vbus-simulator/model"
)

type contender struct {
	c   *controller
	arb []uint8
}

// Advance transmits queued frames back to back in [now, now+window).
// A frame may start anywhere inside the window; one that is still on the
// bus at the window end keeps the bus busy into the next call. Each frame
// is timestamped with its start of frame.
func (b *Bus) Advance(now, window time.Duration, hooks Hooks) []Transmission {
	b.mu.Lock()
	defer b.mu.Unlock()

	end := now + window
	t := max(b.busyUntil, now)
	var out []Transmission

	for t < end {
		round, next := b.contenders(t)
		if len(round) == 0 {
			if next < 0 || next >= end {
				break
			}
			t = next
			continue
		}
		win := b.pickWinner(round)
		b.winner = win.c.id

		for _, r := range round {
			// An inverted arbitration bit only lasts one round.
			r.c.queue[0].arb = nil
			if r.c == win.c {
				continue
			}
			b.setState(r.c, Arbitrating, hooks)
			if hooks.OnArbitrationLost != nil {
				hooks.OnArbitrationLost(r.c.id, r.c.queue[0].frame, win.c.id)
			}
		}

		p := win.c.queue[0]
		win.c.queue = win.c.queue[1:]
		b.setState(win.c, Transmitting, hooks)

		tx := b.transmit(p, t)
		out = append(out, tx)
		t = tx.End

		if tx.Err != nil {
			b.recordError(win.c, hooks)
		} else {
			before := confinement(win.c.counter)
			win.c.counter = max(0, win.c.counter-1)
			if after := confinement(win.c.counter); after != before && hooks.OnConfinementChange != nil {
				hooks.OnConfinementChange(win.c.id, before, after)
			}
			b.lastTx[p.frame.ID] = tx.Start
			if len(win.c.queue) > 0 {
				b.setState(win.c, Arbitrating, hooks)
			} else {
				b.setState(win.c, Idle, hooks)
			}
		}
	}
	b.busyUntil = max(t, b.busyUntil)
	return out
}

// contenders returns the queue heads ready to start at t. When none is
// ready, next is the earliest time one becomes ready, or -1.
func (b *Bus) contenders(t time.Duration) (round []contender, next time.Duration) {
	next = -1
	for _, id := range b.order {
		c := b.nodes[id]
		if c.state == BusOff || len(c.queue) == 0 {
			continue
		}
		head := c.queue[0]
		if head.readyAt > t {
			if next < 0 || head.readyAt < next {
				next = head.readyAt
			}
			continue
		}
		arb := head.arb
		if arb == nil {
			arb = codec.ArbitrationBits(head.frame)
		}
		round = append(round, contender{c: c, arb: arb})
	}
	return round, next
}

// pickWinner applies wired-AND arbitration on CAN and FIFO order on LIN.
// Ties fall to the earlier attached node.
func (b *Bus) pickWinner(round []contender) contender {
	best := round[0]
	for _, r := range round[1:] {
		if b.typ == model.BusLIN {
			if r.c.queue[0].seq < best.c.queue[0].seq {
				best = r
			}
			continue
		}
		if codec.CompareArbitration(r.arb, best.arb) < 0 {
			best = r
		}
	}
	return best
}

func (b *Bus) transmit(p pending, start time.Duration) Transmission {
	f := p.frame
	f.Timestamp = start
	tx := Transmission{Node: f.Sender, Frame: f, Start: start, End: start + b.FrameDuration(f)}

	wire, err := b.codec.Encode(f)
	if err != nil {
		tx.Err = err
		return tx
	}
	if p.dataBit != nil {
		if flipped, ferr := codec.FlipDataBit(b.typ, wire, *p.dataBit); ferr == nil {
			wire = flipped
		}
	}
	tx.Wire = wire

	got, err := b.codec.Decode(b.typ, wire)
	if err != nil {
		tx.Err = err
		if got.DLC == f.DLC && len(got.Data) == f.DLC {
			// Receivers saw the corrupted payload.
			tx.Frame.Data = got.Data
		}
	}
	return tx
}

func (b *Bus) recordError(c *controller, hooks Hooks) {
	c.counter += b.increment
	next := confinement(c.counter)
	b.setState(c, next, hooks)
	if next == BusOff {
		c.queue = nil
	}
}

func (b *Bus) setState(c *controller, to ControllerState, hooks Hooks) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to
	if hooks.OnStateChange != nil {
		hooks.OnStateChange(c.id, from, to)
	}
}
