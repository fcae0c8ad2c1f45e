// Package views renders read-only terminal reports of a project and of a
// rendered schedule.
package views

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/schollz/stepcollider/internal/chain"
	"github.com/schollz/stepcollider/internal/dispatch"
	"github.com/schollz/stepcollider/internal/model"
	"github.com/schollz/stepcollider/internal/playback"
	"github.com/schollz/stepcollider/internal/types"
)

// Common styles used across all reports
type ViewStyles struct {
	Selected  lipgloss.Style
	Normal    lipgloss.Style
	Label     lipgloss.Style
	Container lipgloss.Style
	Playback  lipgloss.Style
	Chain     lipgloss.Style
	Reverse   lipgloss.Style
	Muted     lipgloss.Style
}

func getCommonStyles() *ViewStyles {
	return &ViewStyles{
		Selected:  lipgloss.NewStyle().Background(lipgloss.Color("7")).Foreground(lipgloss.Color("0")),
		Normal:    lipgloss.NewStyle().Foreground(lipgloss.Color("15")),
		Label:     lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		Container: lipgloss.NewStyle().Padding(1, 2),
		Playback:  lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		Chain:     lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		Reverse:   lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
		Muted:     lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}
}

// RenderHeader puts left and right on one line of the given width
func RenderHeader(width int, leftContent, rightContent string) string {
	availableWidth := width - 4 // Container padding (2 on each side)
	paddingSize := availableWidth - lipgloss.Width(leftContent) - lipgloss.Width(rightContent)
	if paddingSize < 1 {
		paddingSize = 1
	}
	header := leftContent
	if rightContent != "" {
		header += strings.Repeat(" ", paddingSize) + rightContent
	}
	return header + "\n"
}

// RenderStepRow draws one channel: x active, r reversed, . rest. The
// playhead column is highlighted when playhead >= 0.
func RenderStepRow(styles *ViewStyles, steps []model.Step, playhead int) string {
	var b strings.Builder
	for i, st := range steps {
		cell := "."
		style := styles.Chain
		switch {
		case st.Active && st.Reverse:
			cell, style = "r", styles.Reverse
		case st.Active:
			cell, style = "x", styles.Normal
		}
		if i == playhead {
			style = styles.Selected
		}
		if i > 0 && i%types.StepsPerBeat == 0 {
			b.WriteString(" ")
		}
		b.WriteString(style.Render(cell))
	}
	return b.String()
}

// RenderChain lists the live sequences in play order. The current sequence
// is highlighted and the detected end sequence carries a trailing '|'.
func RenderChain(styles *ViewStyles, p *model.Project, current int) string {
	end := chain.EndSequence(p)
	var parts []string
	for _, seq := range p.Live() {
		label := fmt.Sprintf("%02X", seq)
		if !p.IsPopulated(seq) {
			label = styles.Chain.Render(label)
		} else if seq == current {
			label = styles.Selected.Render(label)
		} else {
			label = styles.Normal.Render(label)
		}
		if seq == end {
			label += "|"
		}
		parts = append(parts, label)
	}
	if len(parts) == 0 {
		return styles.Label.Render("(no live sequences)")
	}
	return strings.Join(parts, " ")
}

func renderChannel(styles *ViewStyles, idx int, c model.Channel, playhead int) string {
	buffer := c.Buffer
	if buffer == "" {
		buffer = "-"
	}
	if len(buffer) > 14 {
		buffer = buffer[:13] + "~"
	}
	flags := "  "
	if c.Mute {
		flags = styles.Muted.Render("M") + " "
	}
	if c.Solo {
		flags = flags[:len(flags)-1] + styles.Playback.Render("S")
	}
	settings := fmt.Sprintf("%-14s v%.2f x%.2f [%.2f-%.2f]", buffer, c.Volume, c.Speed, c.Trim.Start, c.Trim.End)
	return fmt.Sprintf("  %s %s %s %s",
		styles.Label.Render(fmt.Sprintf("%2d", idx)),
		styles.Normal.Render(settings),
		flags,
		RenderStepRow(styles, c.Steps, playhead))
}

// RenderProject summarizes every populated or live sequence
func RenderProject(p *model.Project, state playback.Snapshot, width int) string {
	styles := getCommonStyles()
	var content strings.Builder

	g := p.Geometry()
	left := fmt.Sprintf("BPM %.1f", p.BPM())
	if state.IsPlaying() {
		left += styles.Playback.Render(fmt.Sprintf("  > %02X:%02d", state.Sequence, state.Step))
	} else if state.IsPaused() {
		left += styles.Label.Render(fmt.Sprintf("  || %02X:%02d", state.Sequence, state.Step))
	}
	right := styles.Label.Render(fmt.Sprintf("%d steps x %d seq x %d ch", g.StepsPerSequence, g.SequenceCount, g.ChannelCount))
	content.WriteString(RenderHeader(width, left, right))
	content.WriteString("\n")
	content.WriteString(styles.Label.Render("chain ") + RenderChain(styles, p, state.Sequence))
	content.WriteString("\n")

	snap := p.Snapshot()
	for i, seq := range snap.Sequences {
		if !p.IsPopulated(i) && !p.IsLive(i) {
			continue
		}
		content.WriteString("\n")
		title := fmt.Sprintf("%02X %s", i, seq.Name)
		if seq.BPM > 0 {
			title += fmt.Sprintf(" (%.1f bpm)", seq.BPM)
		}
		if p.IsLive(i) {
			title = styles.Playback.Render(title)
		} else {
			title = styles.Normal.Render(title)
		}
		content.WriteString(title)
		content.WriteString("\n")
		playhead := -1
		if state.Status != playback.Stopped && state.Sequence == i {
			playhead = state.Step
		}
		for j, c := range seq.Channels {
			if c.Buffer == "" && !channelActive(c) {
				continue
			}
			content.WriteString(renderChannel(styles, j, c, playhead))
			content.WriteString("\n")
		}
	}
	return styles.Container.Render(content.String())
}

func channelActive(c model.Channel) bool {
	for _, st := range c.Steps {
		if st.Active {
			return true
		}
	}
	return false
}

// RenderSchedule prints the plays of an offline render in time order
func RenderSchedule(plays []dispatch.Play) string {
	styles := getCommonStyles()
	var content strings.Builder
	content.WriteString(styles.Label.Render(fmt.Sprintf("%10s %4s %3s %4s %-8s %-12s %8s %8s %6s %5s",
		"time", "seq", "ch", "step", "dir", "buffer", "offset", "dur", "rate", "gain")))
	content.WriteString("\n")
	for _, p := range plays {
		ref := ""
		if p.Buffer != nil {
			ref = p.Buffer.Ref
		}
		row := fmt.Sprintf("%10.4f %4d %3d %4d %-8s %-12s %8.4f %8.4f %6.3f %5.2f",
			p.When, p.Sequence, p.Channel, p.Step, p.Direction, ref, p.Offset, p.Duration, p.Rate, p.Gain)
		switch {
		case p.Gain == 0:
			row = styles.Label.Render(row)
		case p.Direction == types.Reverse:
			row = styles.Reverse.Render(row)
		default:
			row = styles.Normal.Render(row)
		}
		content.WriteString(row)
		content.WriteString("\n")
	}
	return content.String()
}
