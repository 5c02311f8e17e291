package progress

// Sink receives updates for one observer. Offer must not block: it reports
// whether the update was accepted, and a rejected update is simply lost for
// that observer.
type Sink interface {
	Offer(u Update) bool
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Update) bool

// Offer calls f(u).
func (f SinkFunc) Offer(u Update) bool {
	return f(u)
}

// Publisher accepts updates for fan-out; Broadcaster satisfies this interface
// so reporters stay agnostic about how updates reach observers.
type Publisher interface {
	Publish(u Update)
}

// Mailbox is a Sink holding at most one pending update. A new update replaces
// a pending one that the observer has not collected yet, so a lagging
// observer always sees the latest value next.
type Mailbox struct {
	ch chan Update
}

// NewMailbox creates an empty Mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{ch: make(chan Update, 1)}
}

// Offer stores u, displacing any uncollected update.
func (m *Mailbox) Offer(u Update) bool {
	select {
	case m.ch <- u:
		return true
	default:
	}
	select {
	case <-m.ch:
	default:
	}
	select {
	case m.ch <- u:
		return true
	default:
		return false
	}
}

// C returns the channel observers read pending updates from.
func (m *Mailbox) C() <-chan Update {
	return m.ch
}
