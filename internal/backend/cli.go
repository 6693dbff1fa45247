package backend

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// claudeCLI drives `claude -p`. The first call names the session, later ones resume it.
type claudeCLI struct{}

func (claudeCLI) args(cfg Config, prompt string, s session) []string {
	args := []string{"-p", prompt, "--output-format", "json"}
	if s.started {
		args = append(args, "--resume", s.id)
	} else {
		args = append(args, "--session-id", s.id)
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.SystemPrompt != "" {
		args = append(args, "--system-prompt", cfg.SystemPrompt)
	}
	return args
}

// claudeResponse accepts both a plain string result and a content block list.
type claudeResponse struct {
	SessionID string          `json:"session_id"`
	IsError   bool            `json:"is_error"`
	Result    json.RawMessage `json:"result"`
}

type claudeContent struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (claudeCLI) parse(stdout []byte, s session) (string, session, error) {
	// The session exists once the CLI ran, whatever it printed
	s.started = true

	var cr claudeResponse
	if err := json.Unmarshal(stdout, &cr); err != nil {
		return "", s, fmt.Errorf("failed to parse claude response: %w", err)
	}
	if cr.SessionID != "" {
		s.id = cr.SessionID
	}

	var text string
	if err := json.Unmarshal(cr.Result, &text); err != nil {
		var blocks claudeContent
		if err := json.Unmarshal(cr.Result, &blocks); err != nil {
			return "", s, fmt.Errorf("unexpected claude result: %s", cr.Result)
		}
		for _, item := range blocks.Content {
			if item.Type == "text" {
				text += item.Text
			}
		}
	}
	if cr.IsError {
		return text, s, errors.New("claude reported an error: " + text)
	}
	return text, s, nil
}

// codexCLI drives `codex exec`. The thread ID comes back in the event stream.
type codexCLI struct{}

func (codexCLI) args(cfg Config, prompt string, s session) []string {
	var args []string
	if s.id == "" {
		args = []string{"exec", prompt, "--json"}
	} else {
		args = []string{"resume", s.id, prompt, "--json"}
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	return args
}

type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Content  string `json:"content"`
	Message  string `json:"message"`
}

func (codexCLI) parse(stdout []byte, s session) (string, session, error) {
	var (
		content string
		failure string
	)
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var evt codexEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			return "", s, fmt.Errorf("failed to parse codex event: %w", err)
		}
		switch evt.Type {
		case "ThreadStarted", "thread.started":
			s.id, s.started = evt.ThreadID, true
		case "TurnCompleted":
			content = evt.Content
		case "TurnFailed", "turn.failed", "error":
			failure = evt.Message
		}
	}
	if err := scanner.Err(); err != nil {
		return "", s, fmt.Errorf("error reading codex events: %w", err)
	}
	if failure != "" {
		return content, s, errors.New("codex turn failed: " + failure)
	}
	return content, s, nil
}

// gooseCLI drives `goose run`. Plain text output is accepted when JSON is not.
type gooseCLI struct{}

func (gooseCLI) args(cfg Config, prompt string, s session) []string {
	args := []string{"run", "--text", prompt, "--output-format", "json", "--name", s.id}
	if s.started {
		args = append(args, "--resume")
	}
	if cfg.Provider != "" {
		args = append(args, "--provider", cfg.Provider)
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.SystemPrompt != "" {
		args = append(args, "--system", cfg.SystemPrompt)
	}
	return args
}

type gooseResponse struct {
	Content string `json:"content"`
}

func (gooseCLI) parse(stdout []byte, s session) (string, session, error) {
	s.started = true

	var whole gooseResponse
	if err := json.Unmarshal(stdout, &whole); err == nil {
		return whole.Content, s, nil
	}

	// Stream output, one object per line
	var contents []string
	for _, line := range strings.Split(strings.TrimSpace(string(stdout)), "\n") {
		var r gooseResponse
		if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &r); err == nil && r.Content != "" {
			contents = append(contents, r.Content)
		}
	}
	if len(contents) > 0 {
		return strings.Join(contents, "\n"), s, nil
	}
	return strings.TrimSpace(string(stdout)), s, nil
}
