package console

import (
	"fmt"
	"sync"

	"github.com/emirpasic/gods/v2/queues/circularbuffer"
)

// LogPanel is the operator-facing log: one line per connection step, command sent and
// response received. It keeps the most recent lines and fans new ones out to
// subscribers.
type LogPanel struct {
	lock        sync.Mutex
	lines       *circularbuffer.Queue[string]
	subscribers []chan string
	closed      bool
}

func newLogPanel(capacity int) *LogPanel {
	if capacity < 1 {
		capacity = 1
	}
	return &LogPanel{lines: circularbuffer.New[string](capacity)}
}

// Add appends line. Subscribers that are not keeping up miss it; it is still kept in
// Lines.
func (panel *LogPanel) Add(line string) {
	panel.lock.Lock()
	defer panel.lock.Unlock()

	if panel.closed {
		return
	}

	panel.lines.Enqueue(line)
	for _, subscriber := range panel.subscribers {
		select {
		case subscriber <- line:
		default:
		}
	}
}

// Addf formats and appends a line.
func (panel *LogPanel) Addf(format string, args ...interface{}) {
	panel.Add(fmt.Sprintf(format, args...))
}

// Lines returns the retained lines, oldest first.
func (panel *LogPanel) Lines() []string {
	panel.lock.Lock()
	defer panel.lock.Unlock()
	return panel.lines.Values()
}

// Subscribe returns a channel that receives every line added from now on. The channel
// is closed when the console closes.
func (panel *LogPanel) Subscribe(buffer int) <-chan string {
	panel.lock.Lock()
	defer panel.lock.Unlock()

	subscriber := make(chan string, buffer)
	if panel.closed {
		close(subscriber)
		return subscriber
	}

	panel.subscribers = append(panel.subscribers, subscriber)
	return subscriber
}

func (panel *LogPanel) close() {
	panel.lock.Lock()
	defer panel.lock.Unlock()

	if panel.closed {
		return
	}
	panel.closed = true

	for _, subscriber := range panel.subscribers {
		close(subscriber)
	}
	panel.subscribers = nil
}
