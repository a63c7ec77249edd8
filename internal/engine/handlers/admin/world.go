package admin

import (
	"fmt"

	"vision-server/internal/domain"
	"vision-server/internal/engine/handlers"
	"vision-server/pkg/api"
	"vision-server/pkg/geometry"

	"github.com/google/uuid"
)

// --- Свет ---

func HandleUpsertLight(ctx handlers.Context, p api.LightPayload) (handlers.Result, error) {
	light := domain.LightSource{
		ID:               p.ID,
		MapID:            ctx.Map.MapID(),
		Position:         geometry.Point{X: p.X, Y: p.Y},
		Radius:           p.Radius,
		Color:            domain.White,
		Intensity:        p.Intensity,
		Flickering:       p.Flickering,
		FlickerIntensity: p.FlickerIntensity,
		CastShadows:      p.CastShadows,
	}
	if p.Color != "" {
		c, err := domain.ParseColor(p.Color)
		if err != nil {
			return handlers.EmptyResult(), domain.NewValidationError("color", "%v", err)
		}
		light.Color = c
	}
	if err := light.Validate(); err != nil {
		return handlers.EmptyResult(), err
	}
	if light.ID == "" {
		light.ID = uuid.NewString()
	}

	_, existed := ctx.Map.Light(light.ID)
	ctx.Map.PutLight(ctx.Ctx, light)

	msg := "light added"
	if existed {
		msg = "light updated"
	}
	return handlers.Result{ID: light.ID, Msg: msg, Redraw: handlers.RedrawAll}, nil
}

func HandleDeleteLight(ctx handlers.Context, p api.IDPayload) (handlers.Result, error) {
	if !ctx.Map.RemoveLight(ctx.Ctx, p.ID) {
		return handlers.EmptyResult(), &domain.NotFoundError{Kind: "light", ID: p.ID}
	}
	return handlers.Result{ID: p.ID, Msg: "light deleted", Redraw: handlers.RedrawAll}, nil
}

func HandleSetAmbient(ctx handlers.Context, p api.AmbientPayload) (handlers.Result, error) {
	ctx.Map.SetAmbient(ctx.Ctx, p.Ambient)
	return handlers.Result{Msg: fmt.Sprintf("ambient set to %.2f", p.Ambient), Redraw: handlers.RedrawAll}, nil
}

// --- Препятствия ---

// HandleUpsertObstacle создает препятствие из умолчаний вида и переопределяет заданные поля.
func HandleUpsertObstacle(ctx handlers.Context, p api.ObstaclePayload) (handlers.Result, error) {
	o := domain.DefaultObstacle(domain.ObstacleKind(p.Kind))
	o.ID = p.ID
	o.MapID = ctx.Map.MapID()
	o.X, o.Y, o.Width, o.Height = p.X, p.Y, p.Width, p.Height
	if p.BlocksVision != nil {
		o.BlocksVision = *p.BlocksVision
	}
	if p.Opacity != nil {
		o.Opacity = *p.Opacity
	}
	if p.Tint != "" {
		c, err := domain.ParseColor(p.Tint)
		if err != nil {
			return handlers.EmptyResult(), domain.NewValidationError("tint", "%v", err)
		}
		o.Tint = c
	}
	if err := o.Validate(); err != nil {
		return handlers.EmptyResult(), err
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}

	_, existed := ctx.Map.Obstacle(o.ID)
	ctx.Map.PutObstacle(ctx.Ctx, o)

	msg := fmt.Sprintf("%s added", o.Kind)
	if existed {
		msg = fmt.Sprintf("%s updated", o.Kind)
	}
	return handlers.Result{ID: o.ID, Msg: msg, Redraw: handlers.RedrawAll}, nil
}

func HandleDeleteObstacle(ctx handlers.Context, p api.IDPayload) (handlers.Result, error) {
	if !ctx.Map.RemoveObstacle(ctx.Ctx, p.ID) {
		return handlers.EmptyResult(), &domain.NotFoundError{Kind: "obstacle", ID: p.ID}
	}
	return handlers.Result{ID: p.ID, Msg: "obstacle deleted", Redraw: handlers.RedrawAll}, nil
}
