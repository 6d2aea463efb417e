// Profiling:
// go build ./profile/tick
// go tool pprof -http=":8000" -nodefraction=0.001 ./tick cpu.pprof

package main

import (
	"context"

	"github.com/edwinsyarief/dandori"
	"github.com/pkg/profile"
)

type position struct {
	X, Y float64
}

type velocity struct {
	VX, VY float64
}

type lifetime struct {
	Remaining int
}

func main() {
	ticks := 2000
	entities := 10000
	p := profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	run(ticks, entities)
	p.Stop()
}

func run(ticks, numEntities int) {
	w := dandori.NewWorld(dandori.WithCapacity(numEntities))
	posID := dandori.MustRegisterComponent[position](w)
	velID := dandori.MustRegisterComponent[velocity](w)
	lifeID := dandori.MustRegisterComponent[lifetime](w)

	for i := 0; i < numEntities; i++ {
		_, _ = w.Spawn(
			position{X: float64(i % 100), Y: float64(i / 100)},
			velocity{VX: 1, VY: -1},
			lifetime{Remaining: 50 + i%200},
		)
	}

	app := dandori.NewApp(w)

	_ = app.AddSystem(dandori.NewSystem("integrate", func(sc *dandori.SystemContext) error {
		v := dandori.ViewFor2[velocity, position](sc)
		for v.Next() {
			vel, pos := v.Get()
			pos.X += vel.VX
			pos.Y += vel.VY
		}
		return nil
	}).Reads(velID).Writes(posID))

	_ = app.AddSystem(dandori.NewSystem("age", func(sc *dandori.SystemContext) error {
		v := dandori.ViewFor[lifetime](sc)
		for v.Next() {
			l := v.Get()
			l.Remaining--
			if l.Remaining <= 0 {
				sc.Commands().Despawn(v.Entity())
				sc.Commands().Spawn(
					position{},
					velocity{VX: 1, VY: -1},
					lifetime{Remaining: 100},
				)
			}
		}
		return nil
	}).Writes(lifeID))

	ctx := context.Background()
	for i := 0; i < ticks; i++ {
		if _, err := app.RunTick(ctx); err != nil {
			panic(err)
		}
	}
}
