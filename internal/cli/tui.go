package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/textinput"
	tea "charm.land/bubbletea/v2"
	"github.com/dustin/go-humanize"
	"github.com/raphaelgruber/parley/internal/engine"
	"github.com/raphaelgruber/parley/internal/models"
)

type screen int

const (
	pickScreen screen = iota
	chatScreen
)

// entry is one line of the contact list.
type entry struct {
	label string
	cp    models.Counterpart
}

// engineUpdateMsg is sent when the engine state changed.
type engineUpdateMsg struct{}

// selectDoneMsg carries the outcome of a selection.
type selectDoneMsg struct {
	err error
}

// suggestionMsg carries a suggested reply.
type suggestionMsg struct {
	text string
	err  error
}

// chatModel is the bubbletea model for the chat screen.
type chatModel struct {
	ctx     context.Context
	svc     *services
	eng     *engine.Engine
	theme   Theme
	input   textinput.Model
	screen  screen
	entries []entry
	cursor  int
	proj    engine.Projection
	status  string
	initial models.Counterpart
	width   int
	height  int
}

func newChatModel(ctx context.Context, svc *services, eng *engine.Engine, initial models.Counterpart) chatModel {
	ti := textinput.New()
	ti.Placeholder = "Write a message"
	ti.CharLimit = 4000
	ti.Focus()

	m := chatModel{
		ctx:     ctx,
		svc:     svc,
		eng:     eng,
		theme:   defaultTheme,
		input:   ti,
		initial: initial,
		proj:    eng.View(),
		height:  24,
	}
	m.entries = buildEntries(svc.directory.Users(), svc.directory.Groups(), svc.session.Identity.UserID)
	if initial != nil {
		m.screen = chatScreen
	}
	return m
}

// Init starts listening to the engine and opens the initial conversation.
func (m chatModel) Init() tea.Cmd {
	cmds := []tea.Cmd{waitForUpdate(m.eng.Updates())}
	if m.initial != nil {
		eng, ctx, cp := m.eng, m.ctx, m.initial
		cmds = append(cmds, func() tea.Msg {
			return selectDoneMsg{err: eng.Select(ctx, cp)}
		})
	}
	return tea.Batch(cmds...)
}

// Update handles messages and returns the updated model.
func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case engineUpdateMsg:
		prev := m.proj
		m.proj = m.eng.View()
		m.entries = buildEntries(m.svc.directory.Users(), m.svc.directory.Groups(), m.proj.Self.UserID)
		if m.cursor >= len(m.entries) {
			m.cursor = max(0, len(m.entries)-1)
		}
		// A deleted active chat drops back to the list.
		if m.screen == chatScreen && prev.Active != nil && m.proj.Active == nil && !m.proj.Loading {
			m.screen = pickScreen
		}
		return m, waitForUpdate(m.eng.Updates())

	case selectDoneMsg:
		if msg.err != nil && !errors.Is(msg.err, engine.ErrStaleResult) {
			m.status = msg.err.Error()
		}
		return m, nil

	case suggestionMsg:
		if msg.err != nil {
			m.status = "No suggestion: " + msg.err.Error()
			return m, nil
		}
		m.input.SetValue(strings.TrimSpace(msg.text))
		m.input.CursorEnd()
		m.eng.InputChanged(m.input.Value())
		return m, nil

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.screen == pickScreen {
			return m.updatePicker(msg)
		}
		return m.updateChat(msg)
	}

	return m, nil
}

func (m chatModel) updatePicker(msg tea.KeyPressMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.entries)-1 {
			m.cursor++
		}
	case "enter":
		if len(m.entries) == 0 {
			return m, nil
		}
		cmd := m.selectCmd(m.entries[m.cursor].cp)
		return m, cmd
	}
	return m, nil
}

func (m chatModel) updateChat(msg tea.KeyPressMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.eng.Deselect()
		m.input.Reset()
		m.status = ""
		m.screen = pickScreen
		return m, nil

	case "enter":
		text := m.input.Value()
		if err := m.eng.Send(text, nil); err != nil {
			if !errors.Is(err, engine.ErrEmptyMessage) {
				m.status = err.Error()
			}
			return m, nil
		}
		m.input.Reset()
		m.status = ""
		return m, nil

	case "ctrl+s":
		m.status = "Asking for a suggestion..."
		return m, m.suggestCmd(lastPeerMessage(m.proj))

	case "ctrl+d":
		if m.proj.Active == nil || m.proj.Active.ChatID == nil {
			m.status = "Nothing to delete yet."
			return m, nil
		}
		if err := m.eng.DeleteChat(*m.proj.Active.ChatID); err != nil {
			m.status = err.Error()
		}
		return m, nil
	}

	before := m.input.Value()
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	if after := m.input.Value(); after != before {
		m.eng.InputChanged(after)
	}
	return m, cmd
}

// View renders the chat screen.
func (m chatModel) View() tea.View {
	v := tea.NewView(m.renderContent())
	v.AltScreen = true
	return v
}

func (m chatModel) renderContent() string {
	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n\n")

	if m.screen == pickScreen {
		b.WriteString(renderPicker(m.entries, m.cursor, m.theme))
		b.WriteString("\n")
		b.WriteString(m.theme.hintStyle().Render("↑/↓ choose · enter open · q quit"))
		b.WriteString("\n")
		return b.String()
	}

	names := nameIndex(m.svc.directory.Users(), activeCounterpart(m.proj))
	bodyHeight := max(3, m.height-8)
	b.WriteString(renderTimeline(m.proj, names, m.theme, time.Now(), bodyHeight))
	b.WriteString("\n")
	if line := typingLine(m.proj, names); line != "" {
		b.WriteString(m.theme.hintStyle().Render(line))
	}
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	if m.status != "" {
		b.WriteString(m.theme.errorStyle().Render(m.status))
		b.WriteString("\n")
	}
	b.WriteString(m.theme.hintStyle().Render("enter send · ctrl+s suggest · ctrl+d delete · esc back"))
	b.WriteString("\n")
	return b.String()
}

func (m chatModel) renderHeader() string {
	conn := m.theme.successStyle().Render("● online")
	if !m.proj.Connected {
		conn = m.theme.errorStyle().Render("○ offline")
	}

	title := "Contacts"
	switch {
	case m.proj.Loading && m.proj.Selecting != nil:
		title = "Opening " + m.proj.Selecting.DisplayName() + "..."
	case m.proj.Active != nil:
		title = conversationTitle(m.proj.Active)
	case m.screen == chatScreen && m.proj.Err != nil:
		title = "Conversation unavailable"
	}

	header := m.theme.statusStyle().Render(title) + "  " + conn
	if n := latestNotice(m.proj); n != nil {
		style := m.theme.successStyle()
		text := n.Text
		if n.Err != nil {
			style = m.theme.errorStyle()
			text = fmt.Sprintf("%s: %v", n.Text, n.Err)
		}
		header += "\n" + style.Render(text)
	}
	return header
}

// =============================================================================
// COMMANDS
// =============================================================================

// waitForUpdate blocks until the engine signals a change.
func waitForUpdate(updates <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-updates; !ok {
			return nil
		}
		return engineUpdateMsg{}
	}
}

// selectCmd resolves a counterpart off the UI loop.
func (m *chatModel) selectCmd(cp models.Counterpart) tea.Cmd {
	m.screen = chatScreen
	m.status = ""
	m.input.Reset()
	eng, ctx := m.eng, m.ctx
	return func() tea.Msg {
		return selectDoneMsg{err: eng.Select(ctx, cp)}
	}
}

func (m chatModel) suggestCmd(message string) tea.Cmd {
	api, ctx := m.svc.api, m.ctx
	return func() tea.Msg {
		if message == "" {
			return suggestionMsg{err: errors.New("no message to reply to")}
		}
		ctx, cancel := context.WithTimeout(ctx, cfg.ClientTimeout)
		defer cancel()
		text, err := api.Suggest(ctx, message)
		return suggestionMsg{text: text, err: err}
	}
}

// =============================================================================
// RENDERING
// =============================================================================

// buildEntries lists other users first, then groups.
func buildEntries(users []models.User, groups []models.Group, self int64) []entry {
	out := make([]entry, 0, len(users)+len(groups))
	for _, u := range otherUsers(users, self) {
		out = append(out, entry{label: u.Name, cp: u})
	}
	for _, g := range groups {
		out = append(out, entry{label: fmt.Sprintf("# %s (%d)", g.Name, len(g.Participants)), cp: g})
	}
	return out
}

func renderPicker(entries []entry, cursor int, theme Theme) string {
	if len(entries) == 0 {
		return theme.hintStyle().Render("No contacts yet.") + "\n"
	}
	var b strings.Builder
	for i, e := range entries {
		line := "  " + e.label
		if i == cursor {
			line = theme.selectedStyle().Render("> " + e.label)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// renderTimeline renders the last height messages of the projection.
func renderTimeline(p engine.Projection, names map[int64]string, theme Theme, now time.Time, height int) string {
	switch {
	case p.Loading:
		return theme.hintStyle().Render("Loading conversation...")
	case p.Err != nil:
		return theme.errorStyle().Render("Could not load conversation: " + p.Err.Err.Error())
	case p.Active == nil:
		return theme.hintStyle().Render("No conversation selected.")
	case len(p.Timeline) == 0:
		return theme.hintStyle().Render("No messages yet. Say hi!")
	}

	msgs := p.Timeline
	if height > 0 && len(msgs) > height {
		msgs = msgs[len(msgs)-height:]
	}

	self := p.Self.UserID
	lines := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		who := senderName(msg.SenderID, names, self)
		style := theme.peerStyle()
		if msg.SenderID == self {
			style = theme.selfStyle()
		}

		body := msg.Content
		if len(msg.Image) > 0 {
			img := fmt.Sprintf("[image %s]", humanize.Bytes(uint64(len(msg.Image))))
			body = strings.TrimSpace(body + " " + img)
		}

		meta := ""
		if !msg.CreatedAt.IsZero() {
			meta = humanize.RelTime(msg.CreatedAt, now, "ago", "from now")
		}
		if !msg.Confirmed() {
			meta = "sending"
		}
		lines = append(lines, fmt.Sprintf("%s %s %s", style.Render(who+":"), body, theme.hintStyle().Render(meta)))
	}
	return strings.Join(lines, "\n")
}

// typingLine describes who is typing in the active conversation.
func typingLine(p engine.Projection, names map[int64]string) string {
	typing := p.TypingNames(func(id int64) (string, bool) {
		name, ok := names[id]
		return name, ok
	})
	switch len(typing) {
	case 0:
		return ""
	case 1:
		return typing[0] + " is typing..."
	case 2:
		return typing[0] + " and " + typing[1] + " are typing..."
	default:
		return fmt.Sprintf("%d people are typing...", len(typing))
	}
}

func conversationTitle(c *models.Conversation) string {
	name := c.Counterpart.DisplayName()
	if name == "" {
		name = "user " + models.FormatID(models.Int64Ptr(c.Counterpart.CounterpartID()))
	}
	if c.Kind == models.KindGroup {
		return "# " + name
	}
	if c.Pending() {
		return name + " (new chat)"
	}
	return name
}

func activeCounterpart(p engine.Projection) models.Counterpart {
	if p.Active == nil {
		return nil
	}
	return p.Active.Counterpart
}

func latestNotice(p engine.Projection) *engine.Notice {
	if len(p.Notices) == 0 {
		return nil
	}
	n := p.Notices[len(p.Notices)-1]
	return &n
}

// lastPeerMessage returns the newest message not sent by the local user.
func lastPeerMessage(p engine.Projection) string {
	for i := len(p.Timeline) - 1; i >= 0; i-- {
		if m := p.Timeline[i]; m.SenderID != p.Self.UserID && m.Content != "" {
			return m.Content
		}
	}
	return ""
}
