package layer

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	perrors "github.com/louisbranch/seg3d/internal/platform/errors"
	"github.com/louisbranch/seg3d/internal/services/seg3d/core/variant"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/action"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/filter"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/provenance"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/undo"
)

// Env is what layer actions operate on. Undo and Provenance are optional.
type Env struct {
	Layers     *Manager
	Undo       *undo.Buffer
	Provenance *provenance.Recorder
	Logger     *zap.Logger
}

func (env Env) logger() *zap.Logger {
	if env.Logger == nil {
		return zap.NewNop()
	}
	return env.Logger
}

// commit records provenance for a and pushes its undo item.
func (env Env) commit(actx action.Context, a action.Action, item *UndoItem, inputs, outputs []string) {
	if env.Provenance != nil {
		if step, ok := env.Provenance.Record(actx, a, inputs, outputs); ok {
			item.SetProvenanceSteps(step)
		}
	}
	item.SetRedoCommand(a.ExportToString())
	item.Commit()
	if env.Undo == nil {
		item.Discard()
		return
	}
	env.Undo.Insert(actx, item)
}

var (
	newLayerInfo = action.MustInfo(action.Definition{
		Type:        "NewLayer",
		Description: "Create an empty layer.",
		Keys: []action.Key{
			{Name: "name", Description: "Display name; defaults to the layer id."},
			{Name: "dim_x", Default: "64", Kind: variant.KindInt},
			{Name: "dim_y", Default: "64", Kind: variant.KindInt},
			{Name: "dim_z", Default: "64", Kind: variant.KindInt},
		},
		Flags: action.FlagUndoable | action.FlagChangesProjectData,
	})
	deleteLayersInfo = action.MustInfo(action.Definition{
		Type:        "DeleteLayers",
		Description: "Delete one or more layers.",
		Arguments: []action.Arg{
			{Name: "layers", Description: "The layer ids to delete.", Kind: variant.KindStrings},
		},
		Flags: action.FlagUndoable | action.FlagChangesProjectData,
	})
	paintInfo = action.MustInfo(action.Definition{
		Type:        "Paint",
		Description: "Paint a disc into one slice of a layer.",
		Keys: []action.Key{
			{Name: "target", Description: "The layer to paint into.", Kind: variant.KindString},
			{Name: "slice_number", Default: "0", Kind: variant.KindInt},
			{Name: "x", Default: "0", Kind: variant.KindInt},
			{Name: "y", Default: "0", Kind: variant.KindInt},
			{Name: "brush_radius", Default: "1", Kind: variant.KindInt},
			{Name: "erase", Default: "false", Kind: variant.KindBool},
		},
		Flags: action.FlagUndoable | action.FlagChangesProjectData,
	})
	thresholdInfo = action.MustInfo(action.Definition{
		Type:        "Threshold",
		Description: "Create a mask layer of the voxels of a layer within [lower, upper].",
		Arguments: []action.Arg{
			{Name: "target", Description: "The source layer.", Kind: variant.KindString},
			{Name: "lower", Kind: variant.KindDouble},
			{Name: "upper", Kind: variant.KindDouble},
		},
		Flags: action.FlagUndoable | action.FlagChangesProjectData,
	})
)

// RegisterActions registers the layer actions bound to env.
func RegisterActions(reg *action.Registry, env Env) error {
	for _, r := range []struct {
		info  *action.Info
		build action.Constructor
	}{
		{newLayerInfo, func() action.Action { return NewNewLayerAction(env) }},
		{deleteLayersInfo, func() action.Action { return NewDeleteLayersAction(env) }},
		{paintInfo, func() action.Action { return NewPaintAction(env) }},
		{thresholdInfo, func() action.Action { return NewThresholdAction(env) }},
	} {
		if err := reg.Register(r.info, r.build); err != nil {
			return err
		}
	}
	return nil
}

// NewLayerAction creates an empty layer and returns its id.
type NewLayerAction struct {
	action.Base
	env  Env
	dims Dims
}

// NewNewLayerAction returns a NewLayer action with default parameters.
func NewNewLayerAction(env Env) *NewLayerAction {
	return &NewLayerAction{Base: action.NewBase(newLayerInfo), env: env}
}

func (a *NewLayerAction) Validate(context.Context, action.Context) error {
	var dims Dims
	var err error
	for _, d := range []struct {
		key string
		dst *int
	}{{"dim_x", &dims.X}, {"dim_y", &dims.Y}, {"dim_z", &dims.Z}} {
		if *d.dst, err = action.Param[int](a.Params(), d.key); err != nil {
			return err
		}
	}
	if !dims.Valid() {
		return perrors.New(perrors.CodeValidation, fmt.Sprintf("Layer dimensions %s are invalid", dims))
	}
	a.dims = dims
	return nil
}

func (a *NewLayerAction) Run(_ context.Context, actx action.Context) (variant.Value, error) {
	name, _ := a.Params().Value("name")
	item := NewUndoItem("NewLayer", a.env.Layers, a.env.Provenance)
	l, err := a.env.Layers.Create(name.ExportToString(), a.dims)
	if err != nil {
		return variant.Value{}, err
	}
	item.AddLayerToAdd(l.ID())
	a.env.commit(actx, a, item, nil, []string{l.ID()})
	return variant.New(l.ID()), nil
}

// DeleteLayersAction detaches layers; undo reinstates them.
type DeleteLayersAction struct {
	action.Base
	env    Env
	layers []*Layer
}

// NewDeleteLayersAction returns an empty DeleteLayers action.
func NewDeleteLayersAction(env Env) *DeleteLayersAction {
	return &DeleteLayersAction{Base: action.NewBase(deleteLayersInfo), env: env}
}

func (a *DeleteLayersAction) Validate(_ context.Context, actx action.Context) error {
	ids, err := action.Param[[]string](a.Params(), "layers")
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return perrors.New(perrors.CodeValidation, "No layers to delete")
	}
	layers := make([]*Layer, 0, len(ids))
	for _, id := range ids {
		l, err := a.env.Layers.Resolve(actx, id)
		if err != nil {
			return err
		}
		layers = append(layers, l)
	}
	a.layers = layers
	return nil
}

func (a *DeleteLayersAction) Run(_ context.Context, actx action.Context) (variant.Value, error) {
	item := NewUndoItem("DeleteLayers", a.env.Layers, a.env.Provenance)
	ids := make([]string, 0, len(a.layers))
	for _, l := range a.layers {
		if err := a.env.Layers.Delete(l.ID()); err != nil {
			item.Discard()
			return variant.Value{}, err
		}
		item.AddLayerToDelete(l.ID())
		ids = append(ids, l.ID())
	}
	a.env.commit(actx, a, item, ids, nil)
	return variant.Value{}, nil
}

func (a *DeleteLayersAction) ClearCache() { a.layers = nil }

// PaintAction paints or erases a disc in one Z slice.
type PaintAction struct {
	action.Base
	env   Env
	layer *Layer
}

// NewPaintAction returns a Paint action with default parameters.
func NewPaintAction(env Env) *PaintAction {
	return &PaintAction{Base: action.NewBase(paintInfo), env: env}
}

func (a *PaintAction) Validate(_ context.Context, actx action.Context) error {
	target, err := action.Param[string](a.Params(), "target")
	if err != nil {
		return err
	}
	l, err := a.env.Layers.Resolve(actx, target)
	if err != nil {
		return err
	}
	slice, err := action.Param[int](a.Params(), "slice_number")
	if err != nil {
		return err
	}
	if slice < 0 || slice >= l.Dims().Z {
		return perrors.New(perrors.CodeValidation,
			fmt.Sprintf("Slice number %d is out of range for layer '%s'", slice, target))
	}
	radius, err := action.Param[int](a.Params(), "brush_radius")
	if err != nil {
		return err
	}
	if radius < 0 {
		return perrors.New(perrors.CodeValidation, "Brush radius must not be negative")
	}
	a.layer = l
	return nil
}

func (a *PaintAction) Run(_ context.Context, actx action.Context) (variant.Value, error) {
	p := a.Params()
	slice, _ := action.Param[int](p, "slice_number")
	cx, _ := action.Param[int](p, "x")
	cy, _ := action.Param[int](p, "y")
	radius, _ := action.Param[int](p, "brush_radius")
	erase, _ := action.Param[bool](p, "erase")

	cp, err := NewSliceCheckpoint(a.layer, slice)
	if err != nil {
		return variant.Value{}, err
	}
	item := NewUndoItem("Paint", a.env.Layers, a.env.Provenance)
	item.AddLayerToRestore(a.layer.ID(), cp)

	value := float32(1)
	if erase {
		value = 0
	}
	dims := a.layer.Dims()
	painted := 0
	a.layer.Write(func(data []float32) {
		base := slice * dims.SliceLen()
		for y := max(0, cy-radius); y <= min(dims.Y-1, cy+radius); y++ {
			for x := max(0, cx-radius); x <= min(dims.X-1, cx+radius); x++ {
				dx, dy := x-cx, y-cy
				if dx*dx+dy*dy > radius*radius {
					continue
				}
				data[base+y*dims.X+x] = value
				painted++
			}
		}
	})
	a.env.commit(actx, a, item, []string{a.layer.ID()}, []string{a.layer.ID()})
	return variant.New(painted), nil
}

func (a *PaintAction) ClearCache() { a.layer = nil }

// ThresholdAction starts a filter building a mask from a source layer. The
// new layer is not ready until the filter finishes; actions that use it wait
// for its ready notifier.
type ThresholdAction struct {
	action.Base
	env    Env
	source *Layer
}

// NewThresholdAction returns an empty Threshold action.
func NewThresholdAction(env Env) *ThresholdAction {
	return &ThresholdAction{Base: action.NewBase(thresholdInfo), env: env}
}

func (a *ThresholdAction) Validate(_ context.Context, actx action.Context) error {
	target, err := action.Param[string](a.Params(), "target")
	if err != nil {
		return err
	}
	l, err := a.env.Layers.Resolve(actx, target)
	if err != nil {
		return err
	}
	lower, err := action.Param[float64](a.Params(), "lower")
	if err != nil {
		return err
	}
	upper, err := action.Param[float64](a.Params(), "upper")
	if err != nil {
		return err
	}
	if lower > upper {
		return perrors.New(perrors.CodeValidation,
			fmt.Sprintf("Lower threshold %g is above upper threshold %g", lower, upper))
	}
	a.source = l
	return nil
}

func (a *ThresholdAction) Run(ctx context.Context, actx action.Context) (variant.Value, error) {
	lower, _ := action.Param[float64](a.Params(), "lower")
	upper, _ := action.Param[float64](a.Params(), "upper")
	src := a.source

	item := NewUndoItem("Threshold", a.env.Layers, a.env.Provenance)
	dst, err := a.env.Layers.Create(strings.TrimSpace(src.Name.Get())+" threshold", src.Dims())
	if err != nil {
		return variant.Value{}, err
	}
	dst.beginProcessing("threshold")
	item.AddLayerToAdd(dst.ID())

	r := filter.Start(ctx, "threshold "+dst.ID(), a.env.logger(), func(ctx context.Context, r *filter.Runner) error {
		defer dst.finishProcessing()
		return threshold(ctx, r, src, dst, float32(lower), float32(upper))
	})
	dst.attachFilter(r)
	item.AddFilterToAbort(r)

	a.env.commit(actx, a, item, []string{src.ID()}, []string{dst.ID()})
	return variant.New(dst.ID()), nil
}

func (a *ThresholdAction) ClearCache() { a.source = nil }

// threshold writes the mask one slice at a time so an abort is noticed
// between slices.
func threshold(ctx context.Context, r *filter.Runner, src, dst *Layer, lower, upper float32) error {
	dims := src.Dims()
	for z := 0; z < dims.Z; z++ {
		if r.Aborted() {
			return filter.ErrAborted
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		in := src.Slice(z)
		out := make([]float32, len(in))
		for i, v := range in {
			if v >= lower && v <= upper {
				out[i] = 1
			}
		}
		dst.Write(func(data []float32) {
			copy(data[z*dims.SliceLen():], out)
		})
	}
	return nil
}
