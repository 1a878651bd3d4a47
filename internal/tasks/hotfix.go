package tasks

import (
	"context"

	"termsched/internal/executor"
)

func hotfix(d Deps) executor.Handler {
	return func(ctx context.Context, out chan<- string) error {
		say(out, "applying urgent hotfix")
		d.Log.Info("hotfix applied")
		return nil
	}
}
