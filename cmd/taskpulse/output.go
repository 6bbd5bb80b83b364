package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ent0n29/taskpulse/internal/protocol"
	"github.com/ent0n29/taskpulse/internal/tasks"
)

// renderer prints one line per task. Colour is dropped automatically when
// out is not a terminal.
type renderer struct {
	mu  sync.Mutex
	out io.Writer
	lg  *lipgloss.Renderer

	name     lipgloss.Style
	muted    lipgloss.Style
	errText  lipgloss.Style
	byBucket map[tasks.Partition]lipgloss.Style
}

func newRenderer(out io.Writer) *renderer {
	lg := lipgloss.NewRenderer(out)
	return &renderer{
		out:     out,
		lg:      lg,
		name:    lg.NewStyle().Bold(true),
		muted:   lg.NewStyle().Faint(true),
		errText: lg.NewStyle().Foreground(lipgloss.Color("#f43f5e")),
		byBucket: map[tasks.Partition]lipgloss.Style{
			tasks.PartitionActive:    lg.NewStyle().Foreground(lipgloss.Color("#f59e0b")),
			tasks.PartitionCompleted: lg.NewStyle().Foreground(lipgloss.Color("#10b981")),
			tasks.PartitionFailed:    lg.NewStyle().Foreground(lipgloss.Color("#f43f5e")).Bold(true),
		},
	}
}

func (r *renderer) format(rec tasks.Record) string {
	dot := r.lg.NewStyle().Foreground(lipgloss.Color(rec.ColorTag)).Render("●")
	parts := []string{
		dot,
		r.name.Render(rec.DisplayName),
		r.byBucket[rec.Status.Partition()].Render(rec.Status.Title()),
	}
	if p := rec.Progress; p != nil && p.Total > 0 {
		progress := fmt.Sprintf("%d%% (%d/%d)", p.Percent(), p.Current, p.Total)
		if p.Message != "" {
			progress += " " + p.Message
		}
		parts = append(parts, progress)
	}
	if rec.Error != "" {
		parts = append(parts, r.errText.Render(rec.Error))
	}
	parts = append(parts, r.muted.Render(rec.ID))
	if !rec.UpdatedAt.IsZero() {
		parts = append(parts, r.muted.Render(rec.UpdatedAt.Local().Format(time.DateTime)))
	}
	return strings.Join(parts, " ")
}

func (r *renderer) line(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, s)
}

func (r *renderer) record(rec tasks.Record) {
	r.line(r.format(rec))
}

// event prints a raw per-task event; used by watch --task.
func (r *renderer) event(ev protocol.TaskStatus) {
	r.line(r.muted.Render("event") + " " + r.format(tasks.NewRecord(ev)))
}

func (r *renderer) note(msg string) {
	r.line(r.muted.Render(msg))
}

// notifier prints each visible notification once per update and reports
// connection changes.
type notifier struct {
	r         *renderer
	seen      map[string]time.Time
	connected bool
	started   bool
}

func newNotifier(r *renderer) *notifier {
	return &notifier{r: r, seen: make(map[string]time.Time)}
}

func (n *notifier) update(snap *tasks.Snapshot) {
	if !n.started || snap.Connected != n.connected {
		n.started = true
		n.connected = snap.Connected
		if snap.Connected {
			n.r.note("connected")
		} else {
			n.r.note("disconnected, waiting for reconnect")
		}
	}

	// Oldest first so the terminal reads chronologically.
	notes := snap.Notifications()
	for i := len(notes) - 1; i >= 0; i-- {
		rec := notes[i]
		if last, ok := n.seen[rec.ID]; ok && !rec.UpdatedAt.After(last) {
			continue
		}
		n.seen[rec.ID] = rec.UpdatedAt
		n.r.record(rec)
	}
	for id := range n.seen {
		if _, _, ok := snap.Partitions.Lookup(id); !ok {
			delete(n.seen, id)
		}
	}
}
