package actions

import (
	"fmt"
	"math"

	"vision-server/internal/domain"
	"vision-server/internal/engine/handlers"
	"vision-server/pkg/api"
	"vision-server/pkg/geometry"
)

// HandleInit регистрирует наблюдателя на карте (или обновляет позицию при переподключении).
func HandleInit(ctx handlers.Context, p api.InitPayload) (handlers.Result, error) {
	pos := geometry.Point{X: p.X, Y: p.Y}
	if err := insideMap(ctx.Map.Settings(), pos); err != nil {
		return handlers.EmptyResult(), err
	}

	if v, ok := ctx.Map.Viewer(ctx.Actor.CallerID); ok {
		v.Position = pos
		v.Actor = ctx.Actor
		v.Vision.Omniscient = ctx.Actor.IsGameMaster()
		return handlers.Result{ID: v.ID, Msg: "viewer reconnected", Redraw: handlers.RedrawSelf}, nil
	}

	v := domain.NewViewer(ctx.Actor, pos)
	v.Factors = ctx.Map.Memory().Factors(v.ID)
	ctx.Map.AddViewer(v)
	return handlers.Result{ID: v.ID, Msg: fmt.Sprintf("viewer joined as %s", ctx.Actor.Role), Redraw: handlers.RedrawSelf}, nil
}

func HandleMove(ctx handlers.Context, p api.PositionPayload) (handlers.Result, error) {
	v, err := self(ctx)
	if err != nil {
		return handlers.EmptyResult(), err
	}
	pos := geometry.Point{X: p.X, Y: p.Y}
	if err := insideMap(ctx.Map.Settings(), pos); err != nil {
		return handlers.EmptyResult(), err
	}
	v.Position = pos
	return handlers.Result{ID: v.ID, Redraw: handlers.RedrawSelf}, nil
}

func HandleSetVision(ctx handlers.Context, p api.VisionPayload) (handlers.Result, error) {
	v, err := self(ctx)
	if err != nil {
		return handlers.EmptyResult(), err
	}
	// Новый слайс: старый может читать расчет, запущенный в прошлом тике
	senses := make([]domain.Sense, 0, len(p.Senses))
	for _, s := range p.Senses {
		senses = append(senses, domain.Sense{Mode: domain.ParseVisionMode(s.Mode), Radius: s.Radius})
	}
	v.Vision.Radius = p.Radius
	v.Vision.Senses = senses
	return handlers.Result{ID: v.ID, Redraw: handlers.RedrawSelf}, nil
}

// HandleSetFactors меняет когнитивные факторы. Чужие факторы - только ГМ.
func HandleSetFactors(ctx handlers.Context, p api.FactorsPayload) (handlers.Result, error) {
	target, err := targetViewer(ctx, p.ViewerID, "set factors")
	if err != nil {
		return handlers.EmptyResult(), err
	}
	f := domain.CognitiveFactors{
		QualityScore:  p.QualityScore,
		DurationScore: p.DurationScore,
		DetailScore:   p.DetailScore,
	}
	if err := ctx.Map.Memory().SetFactors(target, f); err != nil {
		return handlers.EmptyResult(), err
	}
	if v, ok := ctx.Map.Viewer(target); ok {
		v.Factors = f
	}
	return handlers.Result{ID: target}, nil
}

// HandleClearMemory - явное забывание. Чужую память чистит только ГМ.
func HandleClearMemory(ctx handlers.Context, p api.ViewerPayload) (handlers.Result, error) {
	target, err := targetViewer(ctx, p.ViewerID, "clear memory")
	if err != nil {
		return handlers.EmptyResult(), err
	}
	diff := ctx.Map.Memory().Clear(target)
	ctx.Map.PublishMemory(ctx.Ctx, diff)

	redraw := handlers.RedrawSelf
	if target != ctx.Actor.CallerID {
		redraw = handlers.RedrawAll
	}
	return handlers.Result{
		ID:     target,
		Msg:    fmt.Sprintf("memory cleared (%d points)", len(diff.Removed)),
		Redraw: redraw,
	}, nil
}

func self(ctx handlers.Context) (*domain.Viewer, error) {
	v, ok := ctx.Map.Viewer(ctx.Actor.CallerID)
	if !ok {
		return nil, &domain.NotFoundError{Kind: "viewer", ID: ctx.Actor.CallerID}
	}
	return v, nil
}

func targetViewer(ctx handlers.Context, requested, op string) (string, error) {
	if requested == "" || requested == ctx.Actor.CallerID {
		return ctx.Actor.CallerID, nil
	}
	if err := ctx.Actor.Authorize(op + " of another viewer"); err != nil {
		return "", err
	}
	return requested, nil
}

func insideMap(s domain.MapSettings, p geometry.Point) error {
	if math.IsNaN(p.X) || math.IsNaN(p.Y) {
		return domain.NewValidationError("position", "position is NaN")
	}
	if p.X < 0 || p.Y < 0 || p.X > s.Width || p.Y > s.Height {
		return domain.NewValidationError("position", "(%.2f, %.2f) is outside the %.0fx%.0f map", p.X, p.Y, s.Width, s.Height)
	}
	return nil
}
