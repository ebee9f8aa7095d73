package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"promptrouter/internal/dispatcher"
	"promptrouter/internal/models"
	"promptrouter/internal/prompt"
)

type runOptions struct {
	model        string
	prompt       string
	messagesPath string
	vars         []string
	extraPath    string
	stream       bool
}

func runCmd(cfgPath *string) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a prompt once and print the completion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := opts.input()
			if err != nil {
				return err
			}

			a, err := loadApp(cmd, *cfgPath)
			if err != nil {
				return err
			}

			if opts.stream {
				return streamCompletion(cmd, a.dispatcher, in)
			}

			resp, err := a.dispatcher.Run(cmd.Context(), in)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(resp)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.model, "model", "m", "", "model id to run the prompt against (required)")
	flags.StringVar(&opts.prompt, "prompt", "", "prompt template text, sent as a single user message")
	flags.StringVar(&opts.messagesPath, "messages", "", "path to a JSON file holding a list of messages")
	flags.StringArrayVar(&opts.vars, "var", nil, "template variable as key=value (repeatable)")
	flags.StringVar(&opts.extraPath, "extra", "", "path to a JSON file of extra parameters (temperature, tools, ...)")
	flags.BoolVar(&opts.stream, "stream", false, "stream the completion as it is generated")

	_ = cmd.MarkFlagRequired("model")
	cmd.MarkFlagsMutuallyExclusive("prompt", "messages")
	cmd.MarkFlagsOneRequired("prompt", "messages")
	return cmd
}

func (o runOptions) input() (dispatcher.Input, error) {
	in := dispatcher.Input{Model: o.model, Stream: o.stream}

	if o.messagesPath != "" {
		raw, err := os.ReadFile(o.messagesPath)
		if err != nil {
			return dispatcher.Input{}, fmt.Errorf("read messages file: %w", err)
		}
		content, err := prompt.ParseContent(raw)
		if err != nil {
			return dispatcher.Input{}, fmt.Errorf("messages file %q: %w", o.messagesPath, err)
		}
		in.Content = content
	} else {
		in.Content = o.prompt
	}

	vars, err := parseVariables(o.vars)
	if err != nil {
		return dispatcher.Input{}, err
	}
	in.Variables = vars

	if o.extraPath != "" {
		raw, err := os.ReadFile(o.extraPath)
		if err != nil {
			return dispatcher.Input{}, fmt.Errorf("read extra file: %w", err)
		}
		if err := json.Unmarshal(raw, &in.Params); err != nil {
			return dispatcher.Input{}, fmt.Errorf("extra file %q: %w", o.extraPath, err)
		}
	}

	return in, nil
}

// parseVariables turns key=value pairs into template variables. No pairs
// yields a nil map, which leaves the prompt uncompiled.
func parseVariables(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("--var %q must have the form key=value", pair)
		}
		vars[key] = value
	}
	return vars, nil
}

func streamCompletion(cmd *cobra.Command, d *dispatcher.Dispatcher, in dispatcher.Input) error {
	chunks, errs := d.Stream(cmd.Context(), in)

	out := cmd.OutOrStdout()
	for chunk := range chunks {
		writeDelta(out, chunk)
	}
	if err := <-errs; err != nil {
		return err
	}
	_, err := fmt.Fprintln(out)
	return err
}

func writeDelta(w io.Writer, chunk models.StreamChunk) {
	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			fmt.Fprint(w, choice.Delta.Content)
		}
	}
}
