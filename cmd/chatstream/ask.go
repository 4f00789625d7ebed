// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/chatstream/pkg/ux"
	"github.com/AleutianAI/chatstream/services/llm"
)

type askOptions struct {
	parent       string
	conversation string
	system       string
	noStream     bool
	noHistory    bool
	timeout      time.Duration
	autoContinue bool
	noContinue   bool
}

func newAskCmd(a *app) *cobra.Command {
	o := &askOptions{}
	cmd := &cobra.Command{
		Use:   "ask [text...]",
		Short: "Send a message and print the answer",
		Long: `Send a message and print the answer. Without arguments the message is
read from stdin. On a terminal the answer is printed as it streams in.

Pass --parent with a previous answer's message id to continue that
conversation. The ids of the new answer are printed to stderr.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runAsk(cmd, args, o)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&o.parent, "parent", "p", "", "message id to reply to")
	flags.StringVar(&o.conversation, "conversation", "", "conversation id")
	flags.StringVar(&o.system, "system", "", "system message for this call")
	flags.BoolVar(&o.noStream, "no-stream", false, "wait for the whole answer instead of streaming")
	flags.BoolVar(&o.noHistory, "no-history", false, "send no earlier messages as context")
	flags.DurationVar(&o.timeout, "timeout", 0, "abort after this long (default api.timeout)")
	flags.BoolVar(&o.autoContinue, "continue", false, "resume answers cut off inside a code block without asking")
	flags.BoolVar(&o.noContinue, "no-continue", false, "never resume cut-off answers")
	cmd.MarkFlagsMutuallyExclusive("continue", "no-continue")
	return cmd
}

func (a *app) runAsk(cmd *cobra.Command, args []string, o *askOptions) error {
	text, err := messageText(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	sess, err := a.newSession(nil)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	live := !o.noStream && isTerminal(out)
	printer := &progressPrinter{w: out}
	if errOut := cmd.ErrOrStderr(); isTerminal(out) && isTerminal(errOut) {
		printer.spin = ux.NewSpinner(errOut, "Waiting for the answer...")
		printer.spin.Start()
	}
	defer printer.stopSpinner()

	stream := !o.noStream
	opts := llm.SendOptions{
		ParentMessageID: o.parent,
		ConversationID:  o.conversation,
		Timeout:         o.timeout,
		Stream:          &stream,
		HistoryDisabled: o.noHistory,
	}
	if o.system != "" {
		opts.SystemMessage = &o.system
	}
	if live {
		opts.OnProgress = printer.update
	}

	msg, err := sess.client.SendMessage(ctx, text, opts)
	printer.stopSpinner()
	if err != nil {
		return err
	}

	confirm := a.confirmer(cmd, o)
	if live {
		printer.write(msg.Text)
		if confirm != nil {
			printer.finish(msg.Text)
		}
	}
	contOpts := llm.SendOptions{Timeout: o.timeout, Stream: &stream}
	if live {
		contOpts.OnProgress = printer.update
	}
	msg, _, err = sess.client.ContinueIfConfirmed(ctx, msg, confirm, contOpts)
	if err != nil {
		return err
	}

	printer.finish(msg.Text)
	fmt.Fprintf(cmd.ErrOrStderr(), "message_id=%s conversation_id=%s\n", msg.ID, msg.ConversationID)
	return nil
}

// messageText joins args, or reads stdin when there are none.
func messageText(stdin io.Reader, args []string) (string, error) {
	text := strings.Join(args, " ")
	if strings.TrimSpace(text) != "" {
		return text, nil
	}
	if isTerminal(stdin) {
		return "", errors.New("no message given")
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read message from stdin: %w", err)
	}
	text = strings.TrimSpace(string(data))
	if text == "" {
		return "", errors.New("no message given")
	}
	return text, nil
}

// confirmer picks how a truncated answer is confirmed. Nil declines.
func (a *app) confirmer(cmd *cobra.Command, o *askOptions) llm.Confirmer {
	switch {
	case o.noContinue:
		return nil
	case o.autoContinue:
		return llm.ConfirmerFunc(func(context.Context, llm.Continuation) (bool, error) { return true, nil })
	case isTerminal(cmd.InOrStdin()):
		return huhConfirmer()
	default:
		return nil
	}
}

func huhConfirmer() llm.Confirmer {
	return llm.ConfirmerFunc(func(ctx context.Context, cont llm.Continuation) (bool, error) {
		yes := true
		err := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title("The answer stopped inside a code block. Continue it?").
				Affirmative("Continue").
				Negative("Stop").
				Value(&yes),
		)).RunWithContext(ctx)
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return yes, err
	})
}

// progressPrinter prints the growth of successive snapshots. Its spinner,
// if any, is cleared before the first character is printed.
type progressPrinter struct {
	w       io.Writer
	spin    *ux.Spinner
	printed string
	open    bool
}

func (p *progressPrinter) update(r llm.Response) {
	p.write(r.Text)
}

func (p *progressPrinter) stopSpinner() {
	if p.spin != nil {
		p.spin.Stop()
	}
}

func (p *progressPrinter) write(text string) {
	p.stopSpinner()
	var chunk string
	switch {
	case strings.HasPrefix(p.printed, text):
		p.printed = text
		return
	case strings.HasPrefix(text, p.printed):
		chunk = text[len(p.printed):]
	default:
		chunk = "\n" + text
	}
	fmt.Fprint(p.w, chunk)
	p.printed = text
	p.open = true
}

// finish prints what text adds and ends the line.
func (p *progressPrinter) finish(text string) {
	p.write(text)
	if p.open {
		fmt.Fprintln(p.w)
		p.open = false
	}
}

func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
