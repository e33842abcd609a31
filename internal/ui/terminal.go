// Package ui renders a live terminal view of positions and order tasks.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ordertask/internal/task"
	"github.com/tathienbao/ordertask/internal/types"
	"golang.org/x/term"
)

// ANSI escape codes
const (
	ClearLine   = "\033[2K"
	MoveUp      = "\033[%dA"
	HideCursor  = "\033[?25l"
	ShowCursor  = "\033[?25h"
	ColorReset  = "\033[0m"
	ColorGreen  = "\033[32m"
	ColorRed    = "\033[31m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
	ColorDim    = "\033[2m"
	ColorBold   = "\033[1m"
)

// PositionView is the read side of the position tracker.
type PositionView interface {
	Instruments() []string
	FilledOrders(instrument string) []types.Order
	OpenedOrders(instrument string) []types.Order
}

// PositionRow is one instrument line of the view.
type PositionRow struct {
	Instrument string
	Filled     int
	Opened     int
	Net        decimal.Decimal // signed filled amount, short is negative
}

// TaskStats counts finished tasks by outcome.
type TaskStats struct {
	Running   int
	Succeeded int
	Failed    int
	Canceled  int
	Last      string
}

// Snapshot is everything one frame shows.
type Snapshot struct {
	HostState string
	Pending   int
	Positions []PositionRow
	Tasks     TaskStats
}

// Collect builds position rows from positions.
func Collect(positions PositionView) []PositionRow {
	instruments := positions.Instruments()
	rows := make([]PositionRow, 0, len(instruments))
	for _, instrument := range instruments {
		filled := positions.FilledOrders(instrument)
		rows = append(rows, PositionRow{
			Instrument: instrument,
			Filled:     len(filled),
			Opened:     len(positions.OpenedOrders(instrument)),
			Net:        NetAmount(filled),
		})
	}
	return rows
}

// NetAmount sums order amounts, counting shorts as negative.
func NetAmount(orders []types.Order) decimal.Decimal {
	net := decimal.Zero
	for _, o := range orders {
		amount := o.Amount()
		if o.Side() == types.SideShort {
			amount = amount.Neg()
		}
		net = net.Add(amount)
	}
	return net
}

// Dashboard redraws a Snapshot in place on a terminal, or appends frames when
// the output is not a terminal. It counts tasks as an order.Observer.
type Dashboard struct {
	out   io.Writer
	tty   bool
	width int

	mu           sync.Mutex
	tasks        TaskStats
	linesPrinted int
}

// NewDashboard creates a dashboard writing to f.
func NewDashboard(f *os.File) *Dashboard {
	tty := term.IsTerminal(int(f.Fd()))
	width := 80
	if tty {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			width = w
		}
	}
	return newDashboard(f, tty, width)
}

func newDashboard(out io.Writer, tty bool, width int) *Dashboard {
	return &Dashboard{out: out, tty: tty, width: width}
}

// TaskStarted counts a running task.
func (d *Dashboard) TaskStarted(t *task.Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks.Running++
}

// TaskFinished moves a task from running to its outcome.
func (d *Dashboard) TaskFinished(t *task.Task) {
	_, err := t.Result()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks.Running--
	switch {
	case t.Canceled():
		d.tasks.Canceled++
	case err != nil:
		d.tasks.Failed++
	default:
		d.tasks.Succeeded++
	}
	d.tasks.Last = t.Operation()
}

// Tasks returns the current task counters.
func (d *Dashboard) Tasks() TaskStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tasks
}

// Start hides the cursor.
func (d *Dashboard) Start() {
	if d.tty {
		fmt.Fprint(d.out, HideCursor)
	}
}

// Stop restores the cursor.
func (d *Dashboard) Stop() {
	if d.tty {
		fmt.Fprint(d.out, ShowCursor)
	}
}

// Render draws snap. The task counters are filled in from the dashboard.
func (d *Dashboard) Render(snap Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap.Tasks = d.tasks
	lines := Lines(snap, d.width, d.tty)

	if d.tty && d.linesPrinted > 0 {
		fmt.Fprintf(d.out, MoveUp, d.linesPrinted)
	}
	for _, line := range lines {
		if d.tty {
			fmt.Fprint(d.out, ClearLine)
		}
		fmt.Fprintln(d.out, line)
	}
	d.linesPrinted = len(lines)
}

// Lines formats snap into display lines no wider than width. Colors are only
// used when color is set.
func Lines(snap Snapshot, width int, color bool) []string {
	paint := func(code, s string) string {
		if !color {
			return s
		}
		return code + s + ColorReset
	}

	hostColor := ColorGreen
	if snap.HostState != "connected" {
		hostColor = ColorRed
	}

	var lines []string
	lines = append(lines, fit(fmt.Sprintf("%s %s │ %s %d │ %s %d running, %d ok, %d failed, %d canceled",
		paint(ColorBold, "Host:"), paint(hostColor, snap.HostState),
		paint(ColorBold, "Pending:"), snap.Pending,
		paint(ColorBold, "Tasks:"), snap.Tasks.Running, snap.Tasks.Succeeded, snap.Tasks.Failed, snap.Tasks.Canceled,
	), width, color))

	header := fmt.Sprintf("%-10s %7s %7s %12s", "INSTRUMENT", "FILLED", "OPENED", "NET")
	lines = append(lines, fit(paint(ColorDim, header), width, color))

	if len(snap.Positions) == 0 {
		lines = append(lines, paint(ColorDim, "(no positions)"))
	}
	for _, row := range snap.Positions {
		netColor := ColorCyan
		switch {
		case row.Net.IsNegative():
			netColor = ColorRed
		case row.Net.IsPositive():
			netColor = ColorGreen
		}
		net := paint(netColor, fmt.Sprintf("%12s", row.Net.String()))
		lines = append(lines, fit(fmt.Sprintf("%-10s %7d %7d %s", row.Instrument, row.Filled, row.Opened, net), width, color))
	}

	if snap.Tasks.Last != "" {
		lines = append(lines, fit(paint(ColorYellow, "last: "+snap.Tasks.Last), width, color))
	}
	return lines
}

// fit truncates plain lines to width. Colored lines are left alone since
// escape codes do not take up columns.
func fit(line string, width int, color bool) string {
	runes := []rune(line)
	if color || width <= 0 || len(runes) <= width {
		return line
	}
	return strings.TrimRight(string(runes[:width]), " ")
}
