package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/Jackson57279/zapdev-sub003/internal/domain"
)

var generateCmd = &cobra.Command{
	Use:   "generate [prompt]",
	Short: "Stream one generation to the terminal",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runGenerate,
}

func init() {
	generateCmd.Flags().String("server", "http://localhost:8080", "server base URL")
	generateCmd.Flags().String("project", "cli", "project id")
	generateCmd.Flags().String("framework", "", "framework (server default if empty)")
	generateCmd.Flags().String("model", "", "model (server default if empty)")
	generateCmd.Flags().String("backend", "", "sandbox backend: browser, remote or local")
	generateCmd.Flags().String("sandbox-id", "", "sandbox id (required for the browser backend)")
	generateCmd.Flags().Bool("quiet", false, "only print the summary")
	rootCmd.AddCommand(generateCmd)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	server, _ := cmd.Flags().GetString("server")
	project, _ := cmd.Flags().GetString("project")
	framework, _ := cmd.Flags().GetString("framework")
	model, _ := cmd.Flags().GetString("model")
	backend, _ := cmd.Flags().GetString("backend")
	sandboxID, _ := cmd.Flags().GetString("sandbox-id")
	quiet, _ := cmd.Flags().GetBool("quiet")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	req := domain.GenerateRequest{
		ProjectID: project,
		Value:     strings.Join(args, " "),
		Framework: framework,
		Model:     model,
		Backend:   domain.BackendKind(backend),
		SandboxID: sandboxID,
	}

	r := &renderer{quiet: quiet}
	genID, last, err := streamGeneration(ctx, newHTTPClient(server), req, r.render)
	r.endText()
	if err != nil {
		pterm.Error.Println(err.Error())
		return err
	}
	if last.Type == domain.EventTypeError {
		return fmt.Errorf("generation %s failed: %s", genID, last.Message)
	}
	return nil
}

// renderer prints stream events. Text deltas are written inline; every other
// event starts on a fresh line.
type renderer struct {
	quiet  bool
	inText bool
}

func (r *renderer) endText() {
	if r.inText {
		pterm.Println()
		r.inText = false
	}
}

func (r *renderer) render(ev domain.StreamEvent) {
	if ev.Type == domain.EventTypeText {
		if !r.quiet {
			pterm.Print(ev.Delta)
			r.inText = true
		}
		return
	}
	r.endText()

	switch ev.Type {
	case domain.EventTypeComplete:
		paths := make([]string, 0, len(ev.Files))
		for p := range ev.Files {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		items := make([]pterm.BulletListItem, 0, len(paths))
		for _, p := range paths {
			items = append(items, pterm.BulletListItem{Level: 0, Text: p})
		}
		pterm.Println(pterm.DefaultBox.WithTitle("Complete").WithPadding(1).Sprint(ev.Summary))
		if len(items) > 0 {
			pterm.DefaultBulletList.WithItems(items).Render()
		}
	case domain.EventTypeError:
		pterm.Error.Println(ev.Message)
	}
	if r.quiet {
		return
	}

	switch ev.Type {
	case domain.EventTypeStatus:
		pterm.Info.Println(ev.Message)
	case domain.EventTypeProgress:
		if ev.Progress != nil {
			stage := string(ev.Progress.Stage)
			if ev.Progress.Attempt > 0 {
				stage = fmt.Sprintf("%s (attempt %d)", stage, ev.Progress.Attempt)
			}
			pterm.Println(pterm.NewStyle(pterm.FgGray).Sprint("» " + stage))
		}
	case domain.EventTypeFileCreated:
		pterm.Println(pterm.NewStyle(pterm.FgGreen).Sprint("+ " + ev.Path))
	case domain.EventTypeFileUpdated:
		pterm.Println(pterm.NewStyle(pterm.FgYellow).Sprint("~ " + ev.Path))
	case domain.EventTypeFiles:
		pterm.Println(pterm.NewStyle(pterm.FgGray).Sprintf("» %d files", len(ev.Files)))
	case domain.EventTypeToolCall:
		if ev.ToolCall != nil && ev.ToolCall.Operation == nil {
			pterm.Println(pterm.NewStyle(pterm.FgLightCyan).Sprint("$ " + strings.Join(append([]string{ev.ToolCall.Name}, ev.ToolCall.Args...), " ")))
		}
	case domain.EventTypeToolOutput:
		if ev.ToolOutput != nil && ev.ToolOutput.ExitCode != 0 {
			pterm.Warning.Printf("exit %d\n", ev.ToolOutput.ExitCode)
		}
	}
}
