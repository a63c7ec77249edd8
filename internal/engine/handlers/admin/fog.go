// Package admin - команды ведущего: туман, свет, препятствия.
// Роль проверяется оберткой handlers.GameMasterOnly до разбора данных.
package admin

import (
	"fmt"

	"vision-server/internal/domain"
	"vision-server/internal/engine/handlers"
	"vision-server/pkg/api"
	"vision-server/pkg/geometry"
)

func HandleRevealArea(ctx handlers.Context, p api.AreaPayload) (handlers.Result, error) {
	area := domain.RevealedArea{
		ID:      p.ID,
		Shape:   domain.ShapeKind(p.Shape),
		X:       p.X,
		Y:       p.Y,
		Radius:  p.Radius,
		Opacity: p.Opacity,
	}
	for _, pt := range p.Points {
		area.Points = append(area.Points, geometry.Point{X: pt.X, Y: pt.Y})
	}
	if p.Color != "" {
		c, err := domain.ParseColor(p.Color)
		if err != nil {
			return handlers.EmptyResult(), domain.NewValidationError("color", "%v", err)
		}
		area.Color = c
	}

	id, err := ctx.Map.Fog().RevealArea(ctx.Ctx, ctx.Actor, area)
	if err != nil {
		return handlers.EmptyResult(), err
	}
	return handlers.Result{ID: id, Msg: fmt.Sprintf("%s area revealed", p.Shape), Redraw: handlers.RedrawAll}, nil
}

func HandleDeleteArea(ctx handlers.Context, p api.IDPayload) (handlers.Result, error) {
	if err := ctx.Map.Fog().DeleteArea(ctx.Ctx, ctx.Actor, p.ID); err != nil {
		return handlers.EmptyResult(), err
	}
	return handlers.Result{ID: p.ID, Msg: "area deleted", Redraw: handlers.RedrawAll}, nil
}

func HandleResetFog(ctx handlers.Context) (handlers.Result, error) {
	if err := ctx.Map.Fog().ResetAll(ctx.Ctx, ctx.Actor); err != nil {
		return handlers.EmptyResult(), err
	}
	return handlers.Result{Msg: "fog reset", Redraw: handlers.RedrawAll}, nil
}
