package log

import (
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"
)

// RawLogger records raw USB packets.
type RawLogger interface {
	// Log records one packet. in is true for device-to-host traffic.
	Log(in bool, data []byte)
}

type rawLogger struct {
	w     io.Writer
	mu    sync.Mutex
	now   func() time.Time
	limit int
}

// NewRaw creates a RawLogger writing one line per packet to w. A nil w
// yields a no-op logger.
func NewRaw(w io.Writer) RawLogger {
	return &rawLogger{w: w, now: time.Now, limit: 256}
}

// Log emits a single line with timestamp, direction, length and hex dump.
// Packets longer than the dump limit are truncated with an ellipsis.
// Zero-length packets are logged too; they end transfers.
func (r *rawLogger) Log(in bool, data []byte) {
	if r.w == nil {
		return
	}

	dir := "OUT"
	if in {
		dir = "IN "
	}
	shown, more := data, ""
	if len(shown) > r.limit {
		shown, more = shown[:r.limit], " ..."
	}

	line := fmt.Sprintf("%s %s %4d: %s%s\n",
		r.now().Format("15:04:05.000000"),
		dir,
		len(data),
		hex.EncodeToString(shown),
		more)

	r.mu.Lock()
	_, _ = io.WriteString(r.w, line)
	r.mu.Unlock()
}
