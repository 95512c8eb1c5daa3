// Package widget reads the snapshot the Pulse client mirrors into the shared
// directory and turns it into a glanceable home-screen style view.
package widget

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Imhermes1/familyhub/internal/pulse"
	"github.com/charmbracelet/lipgloss"
)

// DefaultStaleAfter is how old a snapshot may be before the view marks it
// as out of date.
const DefaultStaleAfter = time.Hour

type Entry struct {
	Date        time.Time
	GroupName   string
	MemberCount int
	Members     []MemberEntry
	TopTasks    []pulse.TaskSummary
	LastUpdated time.Time
	Stale       bool
}

type MemberEntry struct {
	pulse.MemberStatus
	StatusText string
	MinutesAgo int
}

// BuildEntry projects snap as seen at now.
func BuildEntry(snap pulse.WidgetSnapshot, now time.Time, staleAfter time.Duration) Entry {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	members := make([]MemberEntry, 0, len(snap.Members))
	for _, m := range snap.Members {
		minutes := int(now.Sub(m.Timestamp) / time.Minute)
		if minutes < 0 {
			minutes = 0
		}
		members = append(members, MemberEntry{
			MemberStatus: m,
			StatusText:   StatusText(m.StatusType, m.LocationName),
			MinutesAgo:   minutes,
		})
	}
	return Entry{
		Date:        now,
		GroupName:   snap.GroupName,
		MemberCount: snap.MemberCount,
		Members:     members,
		TopTasks:    snap.TopTasks,
		LastUpdated: snap.LastUpdated,
		Stale:       !snap.LastUpdated.IsZero() && now.Sub(snap.LastUpdated) > staleAfter,
	}
}

func StatusText(status pulse.StatusType, location string) string {
	location = strings.TrimSpace(location)
	switch {
	case location == "":
		return status.DisplayName()
	case status == pulse.StatusArrived:
		return "At " + strings.ToLower(location)
	case status == pulse.StatusLeaving:
		return "Leaving " + strings.ToLower(location)
	default:
		return status.DisplayName() + " · " + location
	}
}

func Ago(minutes int) string {
	switch {
	case minutes < 1:
		return "now"
	case minutes < 60:
		return fmt.Sprintf("%dm", minutes)
	case minutes < 24*60:
		return fmt.Sprintf("%dh", minutes/60)
	default:
		return fmt.Sprintf("%dd", minutes/(24*60))
	}
}

// Load reads the snapshot from dir. A missing snapshot yields an empty
// placeholder entry rather than an error so the widget always renders.
func Load(dir string, now time.Time, staleAfter time.Duration) (Entry, error) {
	snap, err := pulse.ReadWidgetSnapshot(dir)
	if err != nil {
		if errors.Is(err, pulse.ErrNotFound) {
			return Entry{Date: now, GroupName: "Pulse"}, nil
		}
		return Entry{}, err
	}
	return BuildEntry(snap, now, staleAfter), nil
}

// LastRefresh reads the refresh stamp written next to the snapshot.
func LastRefresh(dir string) (time.Time, error) {
	data, err := os.ReadFile(filepath.Join(dir, pulse.LastRefreshFileName))
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	mutedStyle  = lipgloss.NewStyle().Faint(true)
	staleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#c2483f"))
	frameStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	statusStyle = map[pulse.StatusType]lipgloss.Style{
		pulse.StatusArrived:  lipgloss.NewStyle().Foreground(lipgloss.Color("#1f9d88")),
		pulse.StatusLeaving:  lipgloss.NewStyle().Foreground(lipgloss.Color("#e88a3d")),
		pulse.StatusOnTheWay: lipgloss.NewStyle().Foreground(lipgloss.Color("#3d7de8")),
	}
)

// Render writes entry as a framed block. Plain disables styling for
// non-terminal output.
func Render(w io.Writer, entry Entry, plain bool) error {
	style := func(s lipgloss.Style, text string) string {
		if plain {
			return text
		}
		return s.Render(text)
	}

	var b strings.Builder
	header := entry.GroupName
	if entry.MemberCount > 0 {
		header = fmt.Sprintf("%s (%d)", entry.GroupName, entry.MemberCount)
	}
	b.WriteString(style(titleStyle, header))
	if entry.Stale {
		b.WriteString(" " + style(staleStyle, "out of date"))
	}
	b.WriteString("\n")

	if len(entry.Members) == 0 {
		b.WriteString(style(mutedStyle, "No check-ins yet") + "\n")
	}
	for _, m := range entry.Members {
		name := strings.TrimSpace(m.Emoji + " " + m.DisplayName)
		if name == "" {
			name = m.UserID
		}
		status := m.StatusText
		if s, ok := statusStyle[m.StatusType]; ok {
			status = style(s, status)
		}
		fmt.Fprintf(&b, "%s  %s  %s\n", name, status, style(mutedStyle, Ago(m.MinutesAgo)))
	}

	if len(entry.TopTasks) > 0 {
		b.WriteString("\n" + style(titleStyle, "Tasks") + "\n")
		for _, t := range entry.TopTasks {
			line := "[ ] " + t.Title
			if t.AssignedTo != "" {
				line += " " + style(mutedStyle, "@"+t.AssignedTo)
			}
			b.WriteString(line + "\n")
		}
	}

	out := strings.TrimRight(b.String(), "\n")
	if !plain {
		out = frameStyle.Render(out)
	}
	_, err := fmt.Fprintln(w, out)
	return err
}
