package runloop

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/txtx/txtx/pkg/engine"
	"github.com/txtx/txtx/pkg/types"
)

// Supervisor answers the action items of a run. Supervise returns when
// events is closed or when it cannot continue.
type Supervisor interface {
	Supervise(ctx context.Context, events <-chan types.BlockEvent, responses chan<- types.ActionItemResponse) error
}

// Execute runs r against sup until both return. A supervisor error
// abandons the run.
func Execute(ctx context.Context, r *Runner, sup Supervisor) (engine.RunStatus, error) {
	events := make(chan types.BlockEvent, 64)
	responses := make(chan types.ActionItemResponse, 64)

	g, gctx := errgroup.WithContext(ctx)
	var status engine.RunStatus
	g.Go(func() error {
		var err error
		status, err = r.Run(gctx, responses, events)
		return err
	})
	g.Go(func() error {
		defer close(responses)
		err := sup.Supervise(gctx, events, responses)
		// Let the runner flush its last events once the supervisor is gone.
		for range events {
		}
		return err
	})
	err := g.Wait()
	return status, err
}

func send(ctx context.Context, responses chan<- types.ActionItemResponse, resp types.ActionItemResponse) error {
	select {
	case responses <- resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unattended answers items without a human: reviews are checked, inputs
// take their default, and every block is validated. Items that need a
// wallet or a value without default are errors.
type Unattended struct {
	Logger zerolog.Logger
}

// Supervise implements Supervisor.
func (u *Unattended) Supervise(ctx context.Context, events <-chan types.BlockEvent, responses chan<- types.ActionItemResponse) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case types.EventAppend:
				answers, err := u.answer(ev.Block)
				if err != nil {
					return err
				}
				for _, resp := range answers {
					if err := send(ctx, responses, resp); err != nil {
						return err
					}
				}
			case types.EventError:
				if ev.Diagnostic != nil {
					u.Logger.Warn().Str("code", ev.Diagnostic.Code).Msg(ev.Diagnostic.Message)
				}
			case types.EventProgressBar:
				if p := ev.Progress; p != nil {
					u.Logger.Debug().Str("status", p.Status).Int("attempt", p.Attempt).Msg(p.Message)
				}
			}
		}
	}
}

func (u *Unattended) answer(b *types.Block) ([]types.ActionItemResponse, error) {
	if b == nil {
		return nil, nil
	}
	var answers []types.ActionItemResponse
	var validate *types.ActionItemRequest
	for _, item := range b.Items() {
		if item.Type == types.ActionValidateBlock {
			validate = item
			continue
		}
		if !item.IsPending() {
			continue
		}
		switch item.Type {
		case types.ActionReviewInput:
			if item.Status == types.StatusError {
				return nil, fmt.Errorf("cannot confirm %q unattended: %s", item.Title, diagnosticMessage(item))
			}
			answers = append(answers, types.ActionItemResponse{
				ActionItemID: item.ID,
				Type:         types.ActionReviewInput,
				ReviewInput:  &types.ReviewInputResponse{InputName: item.ReviewInput.InputName, ValueChecked: true},
			})
		case types.ActionProvideInput:
			if item.ProvideInput.DefaultValue == nil {
				return nil, fmt.Errorf("input %q has no value and no default", item.Title)
			}
			answers = append(answers, types.ActionItemResponse{
				ActionItemID: item.ID,
				Type:         types.ActionProvideInput,
				ProvideInput: &types.ProvideInputResponse{InputName: item.ProvideInput.InputName, UpdatedValue: item.ProvideInput.DefaultValue},
			})
		default:
			return nil, fmt.Errorf("cannot answer %s item %q unattended", item.Type, item.Title)
		}
	}
	if validate != nil {
		answers = append(answers, types.ActionItemResponse{ActionItemID: validate.ID, Type: types.ActionValidateBlock})
	}
	return answers, nil
}

func diagnosticMessage(item *types.ActionItemRequest) string {
	if item.Diagnostic != nil {
		return item.Diagnostic.Message
	}
	return string(item.Status)
}

// ErrInputClosed is returned by TerminalSupervisor when its input ends.
var ErrInputClosed = errors.New("terminal input closed")

// TerminalSupervisor prompts for every pending item on a line-oriented
// terminal.
type TerminalSupervisor struct {
	in  *bufio.Reader
	out io.Writer
}

// NewTerminalSupervisor creates a supervisor reading answers from in and
// writing prompts to out.
func NewTerminalSupervisor(in io.Reader, out io.Writer) *TerminalSupervisor {
	return &TerminalSupervisor{in: bufio.NewReader(in), out: out}
}

// Supervise implements Supervisor.
func (t *TerminalSupervisor) Supervise(ctx context.Context, events <-chan types.BlockEvent, responses chan<- types.ActionItemResponse) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := t.handle(ctx, ev, responses); err != nil {
				return err
			}
		}
	}
}

func (t *TerminalSupervisor) handle(ctx context.Context, ev types.BlockEvent, responses chan<- types.ActionItemResponse) error {
	switch ev.Kind {
	case types.EventAppend:
		return t.prompt(ctx, ev.Block, responses)
	case types.EventClear:
		fmt.Fprintln(t.out, strings.Repeat("-", 40))
	case types.EventUpdateActionItems:
		for _, u := range ev.Updates {
			if u.Diagnostic != nil {
				fmt.Fprintf(t.out, "  ! %s\n", u.Diagnostic.Message)
			}
		}
	case types.EventProgressBar:
		if p := ev.Progress; p != nil {
			fmt.Fprintf(t.out, "  [%s] %s (attempt %d)\n", p.Status, p.Message, p.Attempt)
		}
	case types.EventError:
		if ev.Diagnostic != nil {
			fmt.Fprintf(t.out, "error: %s\n", ev.Diagnostic.Message)
		}
	case types.EventExit:
		fmt.Fprintln(t.out, "Run finished.")
	}
	return nil
}

func (t *TerminalSupervisor) readLine() (string, error) {
	line, err := t.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", ErrInputClosed
	}
	return strings.TrimSpace(line), nil
}

func (t *TerminalSupervisor) prompt(ctx context.Context, b *types.Block, responses chan<- types.ActionItemResponse) error {
	if b == nil {
		return nil
	}
	fmt.Fprintf(t.out, "\n== %s ==\n", b.Panel.Title)
	for _, g := range b.Panel.Groups {
		if g.Title != "" {
			fmt.Fprintf(t.out, "%s\n", g.Title)
		}
		for _, item := range g.Items {
			resp, err := t.ask(item)
			if err != nil {
				return err
			}
			if resp == nil {
				continue
			}
			if err := send(ctx, responses, *resp); err != nil {
				return err
			}
		}
	}
	return nil
}

// ask prompts for one item. It returns nil when the item needs no answer.
func (t *TerminalSupervisor) ask(item *types.ActionItemRequest) (*types.ActionItemResponse, error) {
	resp := &types.ActionItemResponse{ActionItemID: item.ID, Type: item.Type}

	switch item.Type {
	case types.ActionDisplayOutput:
		fmt.Fprintf(t.out, "  %s = %s\n", item.DisplayOutput.Name, types.Render(item.DisplayOutput.Value))
		return nil, nil

	case types.ActionPickInputOption:
		p := item.PickInputOption
		if len(p.Options) < 2 {
			return nil, nil
		}
		var values []string
		for _, o := range p.Options {
			values = append(values, o.Value)
		}
		fmt.Fprintf(t.out, "  %s (%s) [%s]: ", item.Title, strings.Join(values, ", "), p.Selected.Value)
		line, err := t.readLine()
		if err != nil {
			return nil, err
		}
		if line == "" || line == p.Selected.Value {
			return nil, nil
		}
		resp.PickInputOption = &types.PickInputOptionResponse{Value: line}
		return resp, nil

	case types.ActionValidateBlock:
		fmt.Fprintf(t.out, "  %s [enter] ", item.Title)
		if _, err := t.readLine(); err != nil {
			return nil, err
		}
		return resp, nil
	}

	if !item.IsPending() {
		fmt.Fprintf(t.out, "  [%s] %s\n", item.Status, item.Title)
		return nil, nil
	}
	if item.Diagnostic != nil {
		fmt.Fprintf(t.out, "  ! %s\n", item.Diagnostic.Message)
	}

	switch item.Type {
	case types.ActionReviewInput:
		fmt.Fprintf(t.out, "  %s: %s. Confirm? [Y/n] ", item.Title, types.Render(item.ReviewInput.Value))
		line, err := t.readLine()
		if err != nil {
			return nil, err
		}
		checked := line == "" || strings.EqualFold(line, "y") || strings.EqualFold(line, "yes")
		resp.ReviewInput = &types.ReviewInputResponse{InputName: item.ReviewInput.InputName, ValueChecked: checked}

	case types.ActionProvideInput:
		p := item.ProvideInput
		if p.DefaultValue != nil {
			fmt.Fprintf(t.out, "  %s [%s]: ", item.Title, types.Render(p.DefaultValue))
		} else {
			fmt.Fprintf(t.out, "  %s: ", item.Title)
		}
		line, err := t.readLine()
		if err != nil {
			return nil, err
		}
		var value interface{} = line
		if line == "" && p.DefaultValue != nil {
			value = p.DefaultValue
		} else {
			value = parseTyped(line, p.Typing)
		}
		resp.ProvideInput = &types.ProvideInputResponse{InputName: p.InputName, UpdatedValue: value}

	case types.ActionProvidePublicKey:
		fmt.Fprintf(t.out, "  %s\n  %s\n  public key: ", item.Title, item.ProvidePublicKey.Message)
		line, err := t.readLine()
		if err != nil {
			return nil, err
		}
		resp.ProvidePublicKey = &types.ProvidePublicKeyResponse{PublicKey: line}

	case types.ActionProvideSignedTransaction:
		p := item.ProvideSignedTransaction
		fmt.Fprintf(t.out, "  %s\n  payload: %s\n  signature: ", item.Title, p.Payload)
		line, err := t.readLine()
		if err != nil {
			return nil, err
		}
		resp.ProvideSignedTransaction = &types.ProvideSignedTransactionResponse{SignedTransactionBytes: line, SignerDid: p.SignerDid}

	default:
		return nil, nil
	}
	return resp, nil
}

// parseTyped converts a typed answer; values that do not parse stay strings.
func parseTyped(line, typing string) interface{} {
	switch types.ValueType(typing) {
	case types.TypeInteger:
		if n, err := strconv.ParseInt(line, 10, 64); err == nil {
			return n
		}
	case types.TypeBool:
		if b, err := strconv.ParseBool(line); err == nil {
			return b
		}
	}
	return line
}
