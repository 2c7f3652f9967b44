package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/wippyai/peloader/image"
	"github.com/wippyai/peloader/loader"
	"github.com/wippyai/peloader/metadata"
)

func newInteractiveCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "interactive <assembly>",
		Short: "Browse an assembly and its dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := newBrowserModel(opts, args[0])
			defer m.close()
			p := tea.NewProgram(m, tea.WithAltScreen())
			_, err := p.Run()
			return err
		},
	}
}

type facet int

const (
	facetIdentity facet = iota
	facetReferences
	facetResources
	facetFiles
	facetVerify
	facetHash
)

var facetNames = []string{"Identity", "References", "Resources", "Files", "Verify", "Hash"}

type browserState int

const (
	stateFacets browserState = iota
	stateItems
	stateHashInput
	stateDetail
)

// row is one selectable line of a list facet.
type row struct {
	label string
	token metadata.Token
	name  string
}

type browserModel struct {
	err      error
	opts     *rootOptions
	sess     *session
	path     string
	detail   string
	status   string
	stack    []*loader.Assembly
	rows     []row
	input    textinput.Model
	pal      palette
	facet    facet
	selected int
	state    browserState
}

func newBrowserModel(opts *rootOptions, path string) *browserModel {
	return &browserModel{
		opts: opts,
		path: path,
		pal:  newPalette(true),
	}
}

type openedMsg struct {
	err  error
	sess *session
}

func (m *browserModel) Init() tea.Cmd {
	return m.open
}

func (m *browserModel) open() tea.Msg {
	s, err := openSession(m.opts, m.path)
	return openedMsg{sess: s, err: err}
}

// current is the assembly being browsed: the last followed reference, or
// the one the session opened.
func (m *browserModel) current() *loader.Assembly {
	if n := len(m.stack); n > 0 {
		return m.stack[n-1]
	}
	return m.sess.asm
}

func (m *browserModel) close() {
	for i := len(m.stack) - 1; i >= 0; i-- {
		m.stack[i].Release()
	}
	m.stack = nil
	if m.sess != nil {
		m.sess.Close()
		m.sess = nil
	}
}

func (m *browserModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case openedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.sess = msg.sess
		return m, nil

	case tea.KeyMsg:
		if m.state == stateHashInput {
			return m.updateHashInput(msg)
		}
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
		case "down", "j":
			if m.selected < m.listLen()-1 {
				m.selected++
			}
		case "enter":
			m.enter()
		case "esc", "backspace":
			m.back()
		}
	}
	return m, nil
}

func (m *browserModel) listLen() int {
	switch m.state {
	case stateFacets:
		return len(facetNames)
	case stateItems:
		return len(m.rows)
	}
	return 0
}

func (m *browserModel) enter() {
	if m.sess == nil {
		return
	}
	m.status = ""
	switch m.state {
	case stateFacets:
		m.facet = facet(m.selected)
		m.openFacet()
	case stateItems:
		if len(m.rows) > 0 {
			m.openRow(m.rows[m.selected])
		}
	case stateDetail:
		m.state, m.detail = stateFacets, ""
		m.selected = int(m.facet)
	}
}

func (m *browserModel) back() {
	m.status = ""
	switch m.state {
	case stateItems, stateDetail:
		m.state, m.detail, m.rows = stateFacets, "", nil
		m.selected = int(m.facet)
	case stateFacets:
		if n := len(m.stack); n > 0 {
			m.stack[n-1].Release()
			m.stack = m.stack[:n-1]
			m.selected = 0
		}
	}
}

func (m *browserModel) openFacet() {
	a := m.current()
	var buf bytes.Buffer
	switch m.facet {
	case facetIdentity:
		r, err := collectInfo(a)
		if err != nil {
			m.showError(err)
			return
		}
		r.writeText(&buf, m.pal)
		m.showDetail(buf.String())

	case facetVerify:
		r, err := verifyAssembly(a, false)
		if err != nil {
			m.showError(err)
			return
		}
		r.writeText(&buf, m.pal)
		m.showDetail(buf.String())

	case facetHash:
		ti := textinput.New()
		ti.Placeholder = "sha256"
		ti.Prompt = "algorithm: "
		ti.Width = 20
		ti.Focus()
		m.input = ti
		m.state = stateHashInput

	case facetReferences, facetResources, facetFiles:
		rows, err := m.listRows(a)
		if err != nil {
			m.showError(err)
			return
		}
		m.rows, m.selected, m.state = rows, 0, stateItems
	}
}

func (m *browserModel) listRows(a *loader.Assembly) ([]row, error) {
	imp, err := a.MetadataImport()
	if err != nil {
		return nil, err
	}
	var rows []row
	switch m.facet {
	case facetReferences:
		for _, ref := range imp.AssemblyRefs() {
			rows = append(rows, row{label: loader.RefDisplayName(ref), token: ref.Token})
		}
	case facetResources:
		for _, mr := range imp.ManifestResources() {
			rows = append(rows, row{label: mr.Name, name: mr.Name, token: mr.Implementation})
		}
	case facetFiles:
		for _, f := range imp.Files() {
			label := f.Name
			if f.Flags&metadata.FileContainsNoMetadata != 0 {
				label += " (no metadata)"
			}
			rows = append(rows, row{label: label, name: f.Name, token: f.Token})
		}
	}
	return rows, nil
}

func (m *browserModel) openRow(r row) {
	a := m.current()
	switch m.facet {
	case facetReferences:
		dep, err := a.LoadAssembly(r.token)
		if err != nil {
			m.status = m.pal.render(m.pal.bad, err.Error())
			return
		}
		m.stack = append(m.stack, dep)
		m.state, m.rows, m.selected = stateFacets, nil, 0

	case facetResources:
		res, err := a.Resource(r.name)
		if err != nil {
			m.showError(err)
			return
		}
		var b strings.Builder
		m.pal.field(&b, "name", res.Name)
		m.pal.field(&b, "location", res.Location)
		if res.File != "" {
			m.pal.field(&b, "file", res.File)
		}
		if res.Assembly != "" {
			m.pal.field(&b, "assembly", res.Assembly)
		}
		m.pal.field(&b, "size", len(res.Data))
		b.WriteString("\n")
		b.WriteString(hex.Dump(res.Data[:min(len(res.Data), 256)]))
		m.showDetail(b.String())

	case facetFiles:
		mod, err := a.LoadModule(r.name)
		if err != nil {
			m.showError(err)
			return
		}
		var b strings.Builder
		m.pal.field(&b, "module", mod.ScopeName())
		if id, err := mod.MVID(); err == nil {
			m.pal.field(&b, "mvid", id)
		}
		m.pal.field(&b, "path", mod.Path())
		m.pal.field(&b, "flags", mod.Flags())
		m.showDetail(b.String())
	}
}

func (m *browserModel) updateHashInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "esc":
		m.state = stateFacets
		m.selected = int(m.facet)
		return m, nil
	case "enter":
		name := m.input.Value()
		if name == "" {
			name = m.input.Placeholder
		}
		alg, ok := image.ParseHashAlgorithm(name)
		if !ok {
			m.status = m.pal.render(m.pal.bad, fmt.Sprintf("unknown hash algorithm %q", name))
			return m, nil
		}
		// The unit caches a single algorithm; hash the image directly so
		// the user can try several.
		sum, err := m.current().IdentityImage().Hash(alg)
		if err != nil {
			m.showError(err)
			return m, nil
		}
		var b strings.Builder
		m.pal.field(&b, "algorithm", alg)
		m.pal.field(&b, "digest", hex.EncodeToString(sum))
		m.showDetail(b.String())
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *browserModel) showDetail(s string) {
	m.detail, m.state = s, stateDetail
}

func (m *browserModel) showError(err error) {
	m.showDetail(m.pal.render(m.pal.bad, "Error: "+err.Error()))
}

func (m *browserModel) View() string {
	if m.err != nil {
		return m.pal.render(m.pal.bad, fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}
	if m.sess == nil {
		return "Opening assembly..."
	}

	var b strings.Builder
	b.WriteString(m.pal.render(m.pal.title, "peinspect"))
	b.WriteString(" ")
	b.WriteString(m.breadcrumb())
	b.WriteString("\n\n")

	switch m.state {
	case stateFacets:
		m.list(&b, facetNames)
		b.WriteString("\n")
		help := "↑/↓ select • enter open • q quit"
		if len(m.stack) > 0 {
			help = "↑/↓ select • enter open • esc up • q quit"
		}
		b.WriteString(m.pal.render(m.pal.dim, help))

	case stateItems:
		b.WriteString(m.pal.render(m.pal.key, facetNames[m.facet]))
		b.WriteString("\n\n")
		if len(m.rows) == 0 {
			b.WriteString(m.pal.render(m.pal.dim, "(none)"))
			b.WriteString("\n")
		}
		labels := make([]string, len(m.rows))
		for i, r := range m.rows {
			labels[i] = r.label
		}
		m.list(&b, labels)
		b.WriteString("\n")
		b.WriteString(m.pal.render(m.pal.dim, "↑/↓ select • enter open • esc back • q quit"))

	case stateHashInput:
		b.WriteString(m.input.View())
		b.WriteString("\n\n")
		b.WriteString(m.pal.render(m.pal.dim, "enter hash • esc back"))

	case stateDetail:
		b.WriteString(m.detail)
		b.WriteString("\n")
		b.WriteString(m.pal.render(m.pal.dim, "enter/esc back • q quit"))
	}

	if m.status != "" {
		b.WriteString("\n\n")
		b.WriteString(m.status)
	}
	return b.String()
}

func (m *browserModel) list(b *strings.Builder, labels []string) {
	for i, l := range labels {
		if i == m.selected {
			b.WriteString(m.pal.render(m.pal.title, "> "+l))
		} else {
			b.WriteString("  " + l)
		}
		b.WriteString("\n")
	}
}

func (m *browserModel) breadcrumb() string {
	parts := []string{m.sess.asm.SimpleName()}
	for _, a := range m.stack {
		parts = append(parts, a.SimpleName())
	}
	return strings.Join(parts, " → ")
}
