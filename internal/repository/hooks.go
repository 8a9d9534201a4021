// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"context"
	"time"

	"github.com/dispatchforge/jobcore/pkg/clog"
)

// Hooks satisfies sqlhooks.Hooks; it logs every query and its duration.
type Hooks struct{}

func (h *Hooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	clog.Debugf("SQL query %s %q", query, args)
	return context.WithValue(ctx, hookBeginKey{}, time.Now()), nil
}

func (h *Hooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	if begin, ok := ctx.Value(hookBeginKey{}).(time.Time); ok {
		clog.Debugf("SQL took %s", time.Since(begin))
	}
	return ctx, nil
}

type hookBeginKey struct{}
