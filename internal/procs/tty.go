package procs

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// TTYOf asks ps for the controlling terminal of a single pid. The hook
// command uses it instead of a full snapshot; "" means no terminal or no
// answer.
func (b *Builder) TTYOf(ctx context.Context, pid int) string {
	if pid <= 0 {
		return ""
	}
	timeout := b.Timeout
	if timeout > time.Second {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := b.Runner.Run(ctx, b.Binary, "-o", "tty=", "-p", strconv.Itoa(pid))
	if err != nil {
		return ""
	}
	return normalizeTTY(strings.TrimSpace(string(out)))
}
