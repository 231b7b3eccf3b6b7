package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"gitdeck/internal/events"
	"gitdeck/internal/status"
	"gitdeck/internal/workspace"
)

// styles are bound to one output so colour is dropped when it is not a
// terminal.
type styles struct {
	title  lipgloss.Style
	clean  lipgloss.Style
	dirty  lipgloss.Style
	failed lipgloss.Style
	branch lipgloss.Style
	dim    lipgloss.Style
	ok     lipgloss.Style
	plain  lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		title:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("205")),
		clean:  r.NewStyle().Foreground(lipgloss.Color("42")),
		dirty:  r.NewStyle().Foreground(lipgloss.Color("214")),
		failed: r.NewStyle().Foreground(lipgloss.Color("196")),
		branch: r.NewStyle().Foreground(lipgloss.Color("39")),
		dim:    r.NewStyle().Foreground(lipgloss.Color("241")),
		ok:     r.NewStyle().Foreground(lipgloss.Color("42")),
		plain:  r.NewStyle(),
	}
}

// statusRow is one line of the status table.
type statusRow struct {
	name   string
	status status.RepositoryStatus
}

func syncLabel(st status.RepositoryStatus) string {
	switch {
	case st.State != status.StateKnown:
		return "?"
	case st.Upstream == "" && st.Ahead == 0 && st.Behind == 0:
		return "-"
	case st.Ahead == 0 && st.Behind == 0:
		return "="
	}
	var parts []string
	if st.Ahead > 0 {
		parts = append(parts, fmt.Sprintf("↑%d", st.Ahead))
	}
	if st.Behind > 0 {
		parts = append(parts, fmt.Sprintf("↓%d", st.Behind))
	}
	return strings.Join(parts, " ")
}

func branchLabel(st status.RepositoryStatus) string {
	switch {
	case st.State != status.StateKnown:
		return "?"
	case !st.HasBranch:
		return "(detached)"
	}
	return st.Branch
}

func (s styles) stateLabel(st status.RepositoryStatus) (string, lipgloss.Style) {
	switch {
	case st.State != status.StateKnown && st.LastError != nil:
		return "unreadable", s.failed
	case st.State != status.StateKnown:
		return "unknown", s.dim
	case st.Conflicted:
		return "conflicted", s.failed
	case st.Dirty:
		return "dirty", s.dirty
	}
	return "clean", s.clean
}

// renderStatus writes an aligned status table.
func renderStatus(w io.Writer, rows []statusRow) {
	s := newStyles(w)
	if len(rows) == 0 {
		fmt.Fprintln(w, s.dim.Render("No repositories."))
		return
	}

	headers := []string{"REPOSITORY", "BRANCH", "SYNC", "STATE", "ERROR"}
	cells := make([][]string, len(rows))
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for i, row := range rows {
		state, _ := s.stateLabel(row.status)
		errText := ""
		if row.status.LastError != nil {
			errText = row.status.LastError.Kind
		}
		cells[i] = []string{row.name, branchLabel(row.status), syncLabel(row.status), state, errText}
		for j, c := range cells[i] {
			widths[j] = max(widths[j], lipgloss.Width(c))
		}
	}

	line := func(parts []string, styleFor func(col int) lipgloss.Style) string {
		out := make([]string, len(parts))
		for j, p := range parts {
			style := styleFor(j)
			if j < len(parts)-1 {
				style = style.Width(widths[j] + 2)
			}
			out[j] = style.Render(p)
		}
		return strings.TrimRight(strings.Join(out, ""), " ")
	}

	fmt.Fprintln(w, line(headers, func(int) lipgloss.Style { return s.title }))
	for i, row := range rows {
		_, stateStyle := s.stateLabel(row.status)
		fmt.Fprintln(w, line(cells[i], func(col int) lipgloss.Style {
			switch col {
			case 1:
				return s.branch
			case 3:
				return stateStyle
			case 4:
				return s.failed
			}
			return s.plain
		}))
	}
}

// renderOutcomes writes one line per finished operation.
func renderOutcomes(w io.Writer, names map[string]string, outcomes []events.OperationCompleted, rejected []events.OperationRejected) {
	s := newStyles(w)
	for _, out := range outcomes {
		name := names[out.RepoID]
		if out.OK {
			fmt.Fprintf(w, "%s %s %s\n", s.ok.Render("ok"), name, s.dim.Render(out.Kind))
			continue
		}
		detail := firstLine(out.Detail)
		fmt.Fprintf(w, "%s %s %s: %s\n", s.failed.Render("failed"), name, out.ErrorKind, detail)
	}
	for _, r := range rejected {
		fmt.Fprintf(w, "%s %s %s: %s is running\n", s.dirty.Render("rejected"), names[r.RepoID], r.Kind, r.Running)
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

// renderFragments prints scan results as an indented tree.
func renderFragments(w io.Writer, fragments []workspace.Fragment) {
	s := newStyles(w)
	var walk func(f workspace.Fragment, depth int)
	walk = func(f workspace.Fragment, depth int) {
		indent := strings.Repeat("  ", depth)
		if f.Kind == workspace.KindRepository {
			fmt.Fprintf(w, "%s%s %s\n", indent, f.Name, s.dim.Render(f.Path))
			return
		}
		fmt.Fprintf(w, "%s%s\n", indent, s.title.Render(f.Name+"/"))
		for _, c := range f.Children {
			walk(c, depth+1)
		}
	}
	for _, f := range fragments {
		walk(f, 0)
	}
}
