// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package main

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/partscout/partscout/internal/conversation"
	pserr "github.com/partscout/partscout/pkg/errors"
)

var (
	toolStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the datasheet assistant",
		Long: "Send a message to a running partscout server and stream the answer. " +
			"Starts an interactive session if no message is provided.",
		RunE: runChat,
	}

	cmd.Flags().String("address", "", "server address (default networking.listen)")
	cmd.Flags().StringP("session", "s", "", "continue an existing session by ID")
	cmd.Flags().StringP("user", "u", "", "username for basic auth")
	cmd.Flags().String("password", "", "password for basic auth (or PARTSCOUT_PASSWORD)")
	cmd.Flags().String("role", "", "user_type sent with the message; ignored when authenticated")
	cmd.Flags().StringArrayP("file", "f", nil, "attach a datasheet PDF or image (repeatable)")

	return cmd
}

type chatSession struct {
	client    *apiClient
	sessionID string
	role      string
	out       io.Writer
	errOut    io.Writer
}

func runChat(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("address")
	if addr == "" {
		addr = viper.GetString("networking.listen")
	}
	user, _ := cmd.Flags().GetString("user")
	password, _ := cmd.Flags().GetString("password")
	if password == "" {
		password = os.Getenv("PARTSCOUT_PASSWORD")
	}
	files, _ := cmd.Flags().GetStringArray("file")

	s := &chatSession{
		client: newAPIClient(addr).withAuth(user, password),
		out:    cmd.OutOrStdout(),
		errOut: cmd.ErrOrStderr(),
	}
	s.sessionID, _ = cmd.Flags().GetString("session")
	s.role, _ = cmd.Flags().GetString("role")

	if len(args) > 0 {
		return s.send(cmd, strings.Join(args, " "), files)
	}

	_, _ = fmt.Fprintln(s.out, "Interactive chat. Type /file <path> to attach a datasheet, /quit to exit.")
	var pending []string
	pending = append(pending, files...)
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		_, _ = fmt.Fprint(s.out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case strings.HasPrefix(line, "/file "):
			pending = append(pending, strings.TrimSpace(strings.TrimPrefix(line, "/file ")))
			_, _ = fmt.Fprintln(s.out, toolStyle.Render(fmt.Sprintf("(%d file(s) attached to the next message)", len(pending))))
			continue
		}
		if err := s.send(cmd, line, pending); err != nil {
			_, _ = fmt.Fprintln(s.errOut, errorStyle.Render(err.Error()))
			continue
		}
		pending = nil
	}
}

func (s *chatSession) send(cmd *cobra.Command, text string, files []string) error {
	msg, err := buildHumanMessage(text, s.role, files)
	if err != nil {
		return err
	}
	body := map[string]any{"messages": []conversation.Message{msg}}
	if s.sessionID != "" {
		body["session_id"] = s.sessionID
	}

	return s.client.streamChat(cmd.Context(), body, func(name string, data []byte) error {
		switch name {
		case "text_delta":
			var delta struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(data, &delta); err != nil {
				return pserr.Wrap(err, pserr.CodeCLIResponseInvalid, "decoding text delta")
			}
			_, _ = fmt.Fprint(s.out, delta.Text)
		case "tool_request":
			var req conversation.ToolRequest
			if err := json.Unmarshal(data, &req); err == nil {
				_, _ = fmt.Fprintln(s.errOut, toolStyle.Render("[calling "+req.Name+"]"))
			}
		case "tool_result":
			var res conversation.ToolResult
			if err := json.Unmarshal(data, &res); err == nil && res.Error != nil {
				_, _ = fmt.Fprintln(s.errOut, toolStyle.Render(fmt.Sprintf("[%s: %s]", res.Name, res.Error.Error())))
			}
		case "done":
			var done struct {
				SessionID string `json:"session_id"`
			}
			if err := json.Unmarshal(data, &done); err == nil && done.SessionID != "" {
				s.sessionID = done.SessionID
			}
			_, _ = fmt.Fprintln(s.out)
		case "error":
			var e struct {
				Code      string `json:"code"`
				Message   string `json:"message"`
				SessionID string `json:"session_id"`
			}
			_ = json.Unmarshal(data, &e)
			if e.SessionID != "" {
				s.sessionID = e.SessionID
			}
			return pserr.Errorf(pserr.CodeCLIRequestFailure, "agent error (%s): %s", e.Code, e.Message)
		}
		return nil
	})
}

// buildHumanMessage puts the text first so role can ride on the first part,
// followed by one inline attachment per file.
func buildHumanMessage(text, role string, files []string) (conversation.Message, error) {
	if strings.TrimSpace(text) == "" {
		return conversation.Message{}, pserr.New(pserr.CodeCLIInputInvalid, "message must not be empty")
	}
	first := conversation.TextPart(text)
	first.UserType = role
	parts := []conversation.Part{first}
	for _, f := range files {
		p, err := attachmentPart(f)
		if err != nil {
			return conversation.Message{}, err
		}
		parts = append(parts, p)
	}
	return conversation.Human(parts...), nil
}

func attachmentPart(path string) (conversation.Part, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return conversation.Part{}, pserr.Wrapf(err, pserr.CodeCLIInputInvalid, "reading attachment %s", path)
	}
	mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mt == "" {
		mt = http.DetectContentType(data)
	}
	mt, _, _ = strings.Cut(mt, ";")

	partType := conversation.PartFile
	if strings.HasPrefix(mt, "image/") {
		partType = conversation.PartImageURL
	}
	return conversation.Part{
		Type:     partType,
		Data:     base64.StdEncoding.EncodeToString(data),
		MimeType: mt,
		Filename: filepath.Base(path),
	}, nil
}
