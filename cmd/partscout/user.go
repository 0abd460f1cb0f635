// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/partscout/partscout/internal/agent"
	"github.com/partscout/partscout/internal/credentials"
	pserr "github.com/partscout/partscout/pkg/errors"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users in the credential file",
	}
	cmd.AddCommand(newUserAddCmd(), newUserListCmd())
	return cmd
}

func newUserAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or replace a user",
		Long: `Add a user to the credential file, replacing any user with the same name.

Without --username an interactive wizard asks for the username, the password
and the role (1 = admin, 2 = user; anything else means user).`,
		RunE: runUserAdd,
	}
	cmd.Flags().String("username", "", "username (non-interactive)")
	cmd.Flags().String("password", "", "password (non-interactive)")
	cmd.Flags().String("role", credentials.DefaultRole, "role name, or 1 for admin and 2 for user")
	return cmd
}

func newUserListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users and their roles",
		RunE:  runUserList,
	}
}

func credentialStore() (*credentials.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return credentials.NewStore(cfg.Credentials.Path), nil
}

func runUserAdd(cmd *cobra.Command, _ []string) error {
	creds, err := credentialStore()
	if err != nil {
		return err
	}

	username, _ := cmd.Flags().GetString("username")
	var res userResult
	if username != "" {
		password, _ := cmd.Flags().GetString("password")
		role, _ := cmd.Flags().GetString("role")
		res = userResult{Username: username, Password: password, Role: flagRole(role)}
		if res.Role == "" {
			return pserr.Errorf(pserr.CodeCLIInputInvalid, "invalid role %q", role)
		}
	} else {
		f, ok := cmd.InOrStdin().(*os.File)
		if !ok || !isTerminal(f) {
			return pserr.New(pserr.CodeCLIInputInvalid,
				"user add needs an interactive terminal or the --username and --password flags")
		}
		final, err := tea.NewProgram(newUserWizard()).Run()
		if err != nil {
			return pserr.Wrap(err, pserr.CodeCLISetupFailure, "user wizard")
		}
		m, ok := final.(userWizard)
		if !ok || !m.done {
			return nil
		}
		res = m.result
	}

	if err := creds.Upsert(res.Username, res.Password, res.Role); err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Saved user %s with role %s to %s\n",
		strings.TrimSpace(res.Username), res.Role, creds.Path())
	return err
}

func runUserList(cmd *cobra.Command, _ []string) error {
	creds, err := credentialStore()
	if err != nil {
		return err
	}
	users, err := creds.List()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(users) == 0 {
		_, err := fmt.Fprintf(out, "No users in %s.\n", creds.Path())
		return err
	}
	for _, u := range users {
		if _, err := fmt.Fprintf(out, "%-24s %s\n", u.Username, u.Role); err != nil {
			return err
		}
	}
	return nil
}

// wizardRole maps the wizard's numeric choice to a role.
func wizardRole(choice string) string {
	switch strings.TrimSpace(choice) {
	case "1":
		return "admin"
	case "2":
		return "user"
	default:
		return credentials.DefaultRole
	}
}

// flagRole accepts the wizard's numbers or a role name. Malformed names
// yield "".
func flagRole(role string) string {
	switch strings.TrimSpace(role) {
	case "", "1", "2":
		return wizardRole(role)
	}
	if r := agent.NormalizeRole(role); r == strings.TrimSpace(role) {
		return r
	}
	return ""
}

// isTerminal reports whether f is a terminal file descriptor.
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// --- bubbletea wizard ---

type userWizardStep int

const (
	stepUsername userWizardStep = iota
	stepPassword
	stepRole
)

type userResult struct {
	Username string
	Password string
	Role     string
}

type userWizard struct {
	step     userWizardStep
	inputs   [3]textinput.Model
	errMsg   string
	result   userResult
	done     bool
	canceled bool
}

func newUserWizard() userWizard {
	username := textinput.New()
	username.Placeholder = "username"
	username.Focus()

	password := textinput.New()
	password.Placeholder = "password"
	password.EchoMode = textinput.EchoPassword
	password.EchoCharacter = '•'

	role := textinput.New()
	role.Placeholder = "1 or 2"
	role.CharLimit = 16

	return userWizard{inputs: [3]textinput.Model{username, password, role}}
}

func (m userWizard) Init() tea.Cmd {
	return textinput.Blink
}

func (m userWizard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		var cmd tea.Cmd
		m.inputs[m.step], cmd = m.inputs[m.step].Update(msg)
		return m, cmd
	}

	switch key.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		m.canceled = true
		return m, tea.Quit
	case tea.KeyEnter:
		return m.submit()
	}

	var cmd tea.Cmd
	m.inputs[m.step], cmd = m.inputs[m.step].Update(msg)
	return m, cmd
}

func (m userWizard) submit() (tea.Model, tea.Cmd) {
	value := m.inputs[m.step].Value()
	switch m.step {
	case stepUsername:
		if strings.TrimSpace(value) == "" {
			m.errMsg = "username must not be empty"
			return m, nil
		}
		m.result.Username = strings.TrimSpace(value)
	case stepPassword:
		if value == "" {
			m.errMsg = "password must not be empty"
			return m, nil
		}
		m.result.Password = value
	case stepRole:
		m.result.Role = wizardRole(value)
		m.done = true
		return m, tea.Quit
	}

	m.errMsg = ""
	m.inputs[m.step].Blur()
	m.step++
	m.inputs[m.step].Focus()
	return m, textinput.Blink
}

func (m userWizard) View() string {
	if m.done || m.canceled {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("  Add partscout user  ") + "\n\n")

	labels := [3]string{"Username", "Password", "Role (1 = admin, 2 = user)"}
	for i := stepUsername; i <= m.step; i++ {
		b.WriteString(promptStyle.Render(labels[i]) + "\n")
		b.WriteString(m.inputs[i].View() + "\n\n")
	}
	if m.errMsg != "" {
		b.WriteString(errorStyle.Render("  "+m.errMsg) + "\n\n")
	}
	b.WriteString(dimStyle.Render("enter to continue  esc to cancel"))
	return boxStyle.Render(b.String())
}
