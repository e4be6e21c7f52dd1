package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/codefionn/deckcompanion/internal/actuator"
	"github.com/codefionn/deckcompanion/internal/consts"
)

// Macro step types
const (
	StepSendKeys  = "send_keys"
	StepSendEnter = "send_enter"
	StepSleep     = "sleep"
)

// MacroStep is one entry of a macro's steps list
type MacroStep struct {
	Type string  `json:"type"`
	Keys string  `json:"keys,omitempty"`
	MS   float64 `json:"ms,omitempty"`
}

type plannedStep struct {
	kind  string
	combo actuator.Combo
	wait  time.Duration
}

// planMacro validates every step up front so a typo late in the list does not
// leave the macro half done.
func planMacro(steps []MacroStep) ([]plannedStep, error) {
	if len(steps) == 0 {
		return nil, badParams("macro has no steps")
	}
	if len(steps) > consts.MaxMacroSteps {
		return nil, badParams("macro has %d steps, limit is %d", len(steps), consts.MaxMacroSteps)
	}

	plan := make([]plannedStep, 0, len(steps))
	for i, st := range steps {
		p := plannedStep{kind: st.Type}
		switch st.Type {
		case StepSendKeys:
			combo, err := actuator.ParseCombo(st.Keys)
			if err != nil {
				return nil, badParams("step %d: %v", i+1, err)
			}
			p.combo = combo
		case StepSendEnter:
			p.kind = StepSendKeys
			p.combo = actuator.Combo{Key: "enter"}
		case StepSleep:
			wait := time.Duration(st.MS * float64(time.Millisecond))
			p.wait = min(max(wait, 0), consts.MaxMacroSleep)
		default:
			return nil, badParams("step %d: unknown step type %q", i+1, st.Type)
		}
		plan = append(plan, p)
	}
	return plan, nil
}

func (d *Dispatcher) macro(ctx context.Context, a Action) error {
	if a.Cmd != "" && a.Cmd != "run" {
		return unknownCommand(a)
	}

	var steps []MacroStep
	if err := a.Decode("steps", &steps); err != nil {
		return badParams("%v", err)
	}
	plan, err := planMacro(steps)
	if err != nil {
		return err
	}

	for i, p := range plan {
		if err := d.runStep(ctx, p); err != nil {
			return fmt.Errorf("macro step %d/%d: %w", i+1, len(plan), err)
		}
	}
	return nil
}

func (d *Dispatcher) runStep(ctx context.Context, p plannedStep) error {
	switch p.kind {
	case StepSleep:
		return d.sleep(ctx, p.wait)
	default:
		if d.keys == nil {
			return fmt.Errorf("keystrokes: %w", actuator.ErrUnsupported)
		}
		stepCtx, cancel := d.bounded(ctx)
		defer cancel()
		return d.keys.SendKeys(stepCtx, p.combo)
	}
}
