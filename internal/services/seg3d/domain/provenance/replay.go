package provenance

import (
	"context"
	"fmt"

	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/action"
)

// Creator builds an action from a command line, usually action.Registry.
type Creator interface {
	Create(text string) (action.Action, error)
}

// Poster runs a batch of actions and waits for them, usually a dispatcher.
type Poster interface {
	PostAndWaitActions(ctx context.Context, actions []action.Action, actx action.Context) error
}

// Replay rebuilds the recorded steps and runs them as one scripted batch
// with the provenance source, so they are not recorded a second time. The
// batch stops at the first failing step; the returned context holds the
// reports of every step that ran.
func Replay(ctx context.Context, records []Record, creator Creator, poster Poster) (*action.BufferedContext, error) {
	actions := make([]action.Action, 0, len(records))
	for _, rec := range records {
		a, err := creator.Create(rec.Command)
		if err != nil {
			return nil, fmt.Errorf("replay step %d: %w", rec.StepID, err)
		}
		actions = append(actions, a)
	}
	actx := action.NewContext(action.SourceProvenance)
	if len(actions) == 0 {
		return actx, nil
	}
	if err := poster.PostAndWaitActions(ctx, actions, actx); err != nil {
		return actx, fmt.Errorf("replay: %w", err)
	}
	if actx.Status() != action.StatusSuccess {
		return actx, fmt.Errorf("replay: %s", actx.ErrorMessage())
	}
	return actx, nil
}
