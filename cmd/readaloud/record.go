package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"readaloud/internal/bootstrap"
	"readaloud/internal/domain"
)

const advanceWait = 5 * time.Second

var errRetake = errors.New("retake")

func recordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "record",
		Short: "Record sentences interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, s bootstrap.Services, console *consoleSink) error {
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				console.showProgress = true
				if err := s.Start(ctx); err != nil {
					return err
				}
				return newRecorder(s, console, os.Stdin, cmd.OutOrStdout()).run(ctx)
			})
		},
	}
}

type recorder struct {
	services bootstrap.Services
	console  *consoleSink
	lines    chan string
	in       io.Reader
	out      io.Writer
}

func newRecorder(s bootstrap.Services, console *consoleSink, in io.Reader, out io.Writer) *recorder {
	return &recorder{
		services: s,
		console:  console,
		lines:    make(chan string),
		in:       in,
		out:      out,
	}
}

func (r *recorder) run(ctx context.Context) error {
	if _, ok := r.services.Identity.Current(); !ok {
		return fmt.Errorf("%w: run `readaloud identity set NAME` first", domain.ErrIdentityRequired)
	}
	if r.services.Bridge != nil {
		fmt.Fprintf(r.out, "Open http://%s/ in a browser to connect the microphone.\n", r.services.Config.Audio.BridgeAddr)
	}
	go r.scan()

	for {
		task, ok := r.services.Progress.Current()
		if !ok {
			return fmt.Errorf("%w: the sentence feed is unavailable", domain.ErrNoSentence)
		}
		if task.IsTerminal {
			fmt.Fprintln(r.out, "All sentences have been recorded. Thank you!")
			return nil
		}

		fmt.Fprintf(r.out, "\n  %s\n\n(%d remaining) [Enter] record, [s]kip, [q]uit: ", task.Text, task.Remaining)
		answer, ok := r.next(ctx)
		if !ok {
			return ctx.Err()
		}
		switch answer {
		case "q":
			return nil
		case "s":
			if _, err := r.services.Controller.Skip(ctx); err != nil {
				fmt.Fprintln(r.out, "skip failed:", err)
			}
			continue
		}

		for {
			err := r.take(ctx)
			if errors.Is(err, errRetake) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				fmt.Fprintln(r.out, "recording failed:", err)
			}
			break
		}
	}
}

// take records one clip and walks the operator through review.
func (r *recorder) take(ctx context.Context) error {
	controller := r.services.Controller
	r.console.reset()
	if err := controller.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Recording (limit %s). Press Enter to stop.\n", r.services.Config.Session.MaxDuration)

	select {
	case <-ctx.Done():
		_, _ = controller.Stop()
		_ = controller.Discard()
		return ctx.Err()
	case <-r.console.ended:
	case _, ok := <-r.lines:
		if !ok {
			_, _ = controller.Stop()
			_ = controller.Discard()
			return io.EOF
		}
		if _, err := controller.Stop(); err != nil && !errors.Is(err, domain.ErrNoActiveSession) {
			return err
		}
	}

	artifact, ok := controller.Artifact()
	if !ok {
		return nil
	}
	return r.review(ctx, artifact)
}

func (r *recorder) review(ctx context.Context, artifact domain.AudioArtifact) error {
	controller := r.services.Controller
	for {
		note := ""
		if artifact.AutoStopped {
			note = " (time limit reached)"
		}
		fmt.Fprintf(r.out, "Captured %.1fs of %s%s. [Enter] submit, [r]e-record, [d]iscard: ",
			artifact.Duration.Seconds(), artifact.MimeType, note)
		answer, ok := r.next(ctx)
		if !ok {
			_ = controller.Discard()
			return ctx.Err()
		}

		switch answer {
		case "r":
			return errRetake
		case "d":
			return controller.Discard()
		case "", "s":
			r.console.resetReady()
			attempt, err := controller.Submit(ctx)
			if err != nil {
				fmt.Fprintf(r.out, "submit failed: %v; the recording is kept\n", err)
				continue
			}
			fmt.Fprintf(r.out, "Submitted %s\n", attempt.Filename)
			r.awaitNextSentence(ctx)
			return nil
		}
	}
}

// awaitNextSentence waits for the session to leave Completed, which happens
// once the background advance has landed.
func (r *recorder) awaitNextSentence(ctx context.Context) {
	timer := time.NewTimer(advanceWait)
	defer timer.Stop()
	select {
	case <-r.console.ready:
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (r *recorder) scan() {
	defer close(r.lines)
	scanner := bufio.NewScanner(r.in)
	for scanner.Scan() {
		r.lines <- strings.ToLower(strings.TrimSpace(scanner.Text()))
	}
}

func (r *recorder) next(ctx context.Context) (string, bool) {
	select {
	case <-ctx.Done():
		return "", false
	case line, ok := <-r.lines:
		return line, ok
	}
}
