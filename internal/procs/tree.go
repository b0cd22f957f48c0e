// Package procs snapshots the OS process table and answers ancestry queries
// over it.
package procs

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-watch/internal/logging"
)

var procsLog = logging.ForComponent(logging.CompProcs)

const (
	// MaxAncestorHops bounds every parent-chain walk.
	MaxAncestorHops = 20
	// MaxVisited bounds descendant searches.
	MaxVisited = 10000
)

// ProcessInfo is one row of a process snapshot.
type ProcessInfo struct {
	PID     int
	PPID    int
	TTY     string // "ttys003", "pts/2"; empty when the process has none
	Command string
}

// ProcessTree is a point-in-time snapshot keyed by pid. It is never mutated
// after Build returns it.
type ProcessTree map[int]ProcessInfo

// Builder snapshots the process table through ps.
type Builder struct {
	Runner  Runner
	Binary  string
	Timeout time.Duration
}

// NewBuilder returns a Builder using ps via os/exec.
func NewBuilder(binary string, timeout time.Duration) *Builder {
	if binary == "" {
		binary = "ps"
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Builder{Runner: ExecRunner{}, Binary: binary, Timeout: timeout}
}

// Build lists all processes. Failure or timeout yields an empty tree: callers
// treat "no information" as "not applicable".
func (b *Builder) Build(ctx context.Context) ProcessTree {
	ctx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()

	start := time.Now()
	out, err := b.Runner.Run(ctx, b.Binary, "-axo", "pid=,ppid=,tty=,command=")
	if err != nil {
		procsLog.Warn("ps_failed",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)))
		return ProcessTree{}
	}
	return ParsePS(out)
}

// ParsePS parses `ps -o pid=,ppid=,tty=,command=` output. Malformed rows are
// skipped.
func ParsePS(out []byte) ProcessTree {
	tree := make(ProcessTree)
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil || pid <= 0 {
			continue
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		tty := normalizeTTY(fields[2])
		command := ""
		if len(fields) > 3 {
			command = strings.Join(fields[3:], " ")
		}
		tree[pid] = ProcessInfo{PID: pid, PPID: ppid, TTY: tty, Command: command}
	}
	return tree
}

// normalizeTTY maps ps's "??"/"?" placeholders to "" and strips /dev/.
func normalizeTTY(tty string) string {
	tty = strings.TrimPrefix(tty, "/dev/")
	if tty == "??" || tty == "?" || tty == "-" {
		return ""
	}
	return tty
}

// NormalizeTTY is the exported form used by callers that receive a full
// device path from a hook ("/dev/ttys003" → "ttys003").
func NormalizeTTY(tty string) string { return normalizeTTY(tty) }

// commandName is the base name of the executable in a command line.
func commandName(command string) string {
	exe := command
	if i := strings.IndexByte(exe, ' '); i >= 0 {
		exe = exe[:i]
	}
	if i := strings.LastIndexByte(exe, '/'); i >= 0 {
		exe = exe[i+1:]
	}
	return strings.TrimPrefix(exe, "-")
}

// FindAncestor walks the parent chain of pid (excluding pid itself) and
// returns the first process matching pred.
func (t ProcessTree) FindAncestor(pid int, pred func(ProcessInfo) bool) (ProcessInfo, bool) {
	info, ok := t[pid]
	if !ok {
		return ProcessInfo{}, false
	}
	for hops := 0; hops < MaxAncestorHops; hops++ {
		parent, ok := t[info.PPID]
		if !ok || parent.PID == info.PID {
			return ProcessInfo{}, false
		}
		if pred(parent) {
			return parent, true
		}
		info = parent
	}
	return ProcessInfo{}, false
}

// IsInTmux reports whether pid or one of its ancestors is a tmux process.
func (t ProcessTree) IsInTmux(pid int) bool {
	isTmux := func(p ProcessInfo) bool {
		return strings.Contains(commandName(p.Command), "tmux")
	}
	if info, ok := t[pid]; ok && isTmux(info) {
		return true
	}
	_, ok := t.FindAncestor(pid, isTmux)
	return ok
}

// IsDescendant reports whether target equals ancestor or sits below it.
func (t ProcessTree) IsDescendant(target, ancestor int) bool {
	if target == ancestor {
		return true
	}
	_, ok := t.FindAncestor(target, func(p ProcessInfo) bool { return p.PID == ancestor })
	return ok
}

// FindDescendants returns every process below pid (not including pid).
func (t ProcessTree) FindDescendants(pid int) map[int]struct{} {
	children := make(map[int][]int, len(t))
	for _, p := range t {
		children[p.PPID] = append(children[p.PPID], p.PID)
	}

	out := make(map[int]struct{})
	queue := []int{pid}
	for len(queue) > 0 && len(out) < MaxVisited {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range children[cur] {
			if c == pid {
				continue
			}
			if _, seen := out[c]; seen {
				continue
			}
			out[c] = struct{}{}
			queue = append(queue, c)
		}
	}
	return out
}

var shellNames = map[string]bool{
	"zsh": true, "bash": true, "fish": true, "sh": true,
	"tcsh": true, "csh": true, "ksh": true, "dash": true, "nu": true,
}

// ShellPIDForTTY returns the controlling shell of tty: the lowest-pid shell
// on that terminal, or the lowest-pid process of any kind when no shell is
// found.
func (t ProcessTree) ShellPIDForTTY(tty string) (int, bool) {
	tty = normalizeTTY(tty)
	if tty == "" {
		return 0, false
	}
	shell, first := 0, 0
	for _, p := range t {
		if p.TTY != tty {
			continue
		}
		if first == 0 || p.PID < first {
			first = p.PID
		}
		if shellNames[commandName(p.Command)] && (shell == 0 || p.PID < shell) {
			shell = p.PID
		}
	}
	if shell != 0 {
		return shell, true
	}
	return first, first != 0
}
