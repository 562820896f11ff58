package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/chat-gateway/internal/process"
	"github.com/Davincible/chat-gateway/internal/wire"
)

var chatCmd = &cobra.Command{
	Use:   "chat [prompt...]",
	Short: "Send a prompt to the gateway and stream the answer",
	Long:  `Send a prompt to the running gateway, starting it if needed, and render the event stream. The prompt is read from stdin when no arguments are given.`,
	Args:  cobra.ArbitraryArgs,
	RunE:  runChat,
}

func init() {
	chatCmd.Flags().StringP("model", "m", "", "primary model as provider,model")
	chatCmd.Flags().StringSlice("also", nil, "secondary models to answer alongside the primary")
	chatCmd.Flags().StringP("conversation", "c", "", "continue an existing conversation")
	chatCmd.Flags().String("system", "", "system prompt")
	chatCmd.Flags().Bool("thinking", false, "show reasoning deltas")
}

func runChat(cmd *cobra.Command, args []string) error {
	prompt := strings.Join(args, " ")
	if prompt == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read prompt: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
	}
	if prompt == "" {
		return errors.New("empty prompt")
	}

	cfg := cfgMgr.Get()
	base := gatewayURL(cfg.Host, cfg.Port)

	procMgr := process.NewManager(baseDir, logger)
	startedByUs, err := procMgr.StartServiceIfNeeded(func() bool { return checkHealth(base) })
	if err != nil {
		return err
	}

	procMgr.IncrementRef()
	defer func() {
		// only stop a gateway this session started, once nobody else uses it
		if procMgr.DecrementRef() == 0 && startedByUs {
			color.Yellow("No more active sessions, stopping auto-started gateway...")
			if err := procMgr.Stop(10 * time.Second); err != nil {
				logger.Error("Failed to stop gateway", "error", err)
			}
		}
	}()

	model, _ := cmd.Flags().GetString("model")
	also, _ := cmd.Flags().GetStringSlice("also")
	convID, _ := cmd.Flags().GetString("conversation")
	system, _ := cmd.Flags().GetString("system")
	showThinking, _ := cmd.Flags().GetBool("thinking")

	body := map[string]any{
		"model":           model,
		"conversation_id": convID,
		"system":          system,
		"messages":        []map[string]string{{"role": "user", "content": prompt}},
	}
	if also != nil {
		body["models"] = also
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, base+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("gateway returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	r := &renderer{out: cmd.OutOrStdout(), thinking: showThinking}
	if err := r.render(resp.Body); err != nil {
		return err
	}

	color.New(color.Faint).Fprintf(cmd.OutOrStdout(), "\nconversation: %s\n", resp.Header.Get("X-Conversation-ID"))

	return nil
}

// renderer prints a gateway event stream for a terminal.
type renderer struct {
	out      io.Writer
	thinking bool

	failed string
}

var (
	faint  = color.New(color.Faint)
	cyan   = color.New(color.FgCyan)
	green  = color.New(color.FgGreen)
	red    = color.New(color.FgRed)
	yellow = color.New(color.FgYellow)
)

// render consumes SSE frames until the terminal sentinel or EOF. It returns
// the last error event, if any.
func (r *renderer) render(body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		if data == wire.DoneSentinel {
			break
		}

		var ev wire.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			logger.Debug("Skipping malformed event", "error", err)
			continue
		}
		r.event(ev)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}

	if r.failed != "" {
		return errors.New(r.failed)
	}

	return nil
}

func (r *renderer) event(ev wire.Event) {
	switch ev.Type {
	case wire.TypeContentBlockDelta:
		fmt.Fprint(r.out, ev.Content)
	case wire.TypeThinkingDelta:
		if r.thinking {
			faint.Fprint(r.out, ev.Thinking)
		}
	case wire.TypeToolUseStart:
		cyan.Fprintf(r.out, "\n[tool] %s\n", ev.ToolName)
	case wire.TypeToolResponse:
		if ev.Result == nil {
			return
		}
		if ev.Result.Status == "error" {
			red.Fprintf(r.out, "[tool error] %s\n", ev.Result.Content)
		} else {
			green.Fprintf(r.out, "[tool ok] %s\n", truncate(ev.Result.Content, 200))
		}
	case wire.TypeMessageDelta:
		if ev.PostProcessing != nil && ev.PostProcessing.Guardrails.Passed != nil && !*ev.PostProcessing.Guardrails.Passed {
			yellow.Fprintf(r.out, "\n[guardrails] %s\n", strings.Join(ev.PostProcessing.Guardrails.Violations, ", "))
		}
		if ev.Usage != nil {
			note := ""
			if ev.Usage.Estimated {
				note = " (estimated)"
			}
			faint.Fprintf(r.out, "\n[%s] %d in / %d out tokens%s\n", ev.Model, ev.Usage.InputTokens, ev.Usage.OutputTokens, note)
		}
	case wire.TypeError:
		red.Fprintf(r.out, "\n[error] %s\n", ev.Error)
		r.failed = ev.Error
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n] + "..."
}
