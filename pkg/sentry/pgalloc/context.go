// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pgalloc

import (
	"context"
)

// contextID is this package's type for context.Context.Value keys.
type contextID int

const (
	// CtxCache is a Context.Value key for a Cache.
	CtxCache contextID = iota
)

// WithCache returns a copy of ctx that carries c.
func WithCache(ctx context.Context, c *Cache) context.Context {
	return context.WithValue(ctx, CtxCache, c)
}

// CacheFromContext returns the Cache used by ctx, or nil if no such Cache
// exists.
func CacheFromContext(ctx context.Context) *Cache {
	if v := ctx.Value(CtxCache); v != nil {
		return v.(*Cache)
	}
	return nil
}
