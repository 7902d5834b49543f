package diskcache

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"reflect"
	"runtime"
)

// memoKey is the cache key for one memoized call. Base identifies the
// function, Typed carries the argument's concrete type when requested.
type memoKey struct {
	Base  string
	Typed string
	Arg   any
}

func init() {
	gob.Register(memoKey{})
	gob.Register([2]any{})
}

// Memoize wraps fn so results are cached by argument.
//
// The cache key is derived from the function's name and the argument; use
// [Name] when wrapping closures or to keep keys stable across refactors.
// [Typed] keys arguments by concrete type as well as value. [Expire] bounds
// how long results are reused, and Expire(0) disables caching entirely so a
// wrapped function can be switched off without changing call sites. [Tag]
// and [Retry] apply to the underlying writes.
//
// Errors from fn are never cached.
func Memoize[A comparable, R any](c *Cache, fn func(context.Context, A) (R, error), opts ...OpOption) func(context.Context, A) (R, error) {
	cfg := applyOpOptions(opts)
	base := memoBase(cfg, fn)

	return func(ctx context.Context, arg A) (R, error) {
		return memoCall(ctx, c, cfg, memoArg(cfg, base, arg), func() (R, error) {
			return fn(ctx, arg)
		})
	}
}

// Memoize2 is [Memoize] for two-argument functions.
func Memoize2[A, B comparable, R any](c *Cache, fn func(context.Context, A, B) (R, error), opts ...OpOption) func(context.Context, A, B) (R, error) {
	cfg := applyOpOptions(opts)
	base := memoBase(cfg, fn)

	return func(ctx context.Context, a A, b B) (R, error) {
		return memoCall(ctx, c, cfg, memoArg(cfg, base, [2]any{a, b}), func() (R, error) {
			return fn(ctx, a, b)
		})
	}
}

func memoBase(cfg opConfig, fn any) string {
	if cfg.name != "" {
		return cfg.name
	}

	return runtime.FuncForPC(reflect.ValueOf(fn).Pointer()).Name()
}

func memoArg(cfg opConfig, base string, arg any) memoKey {
	key := memoKey{Base: base, Arg: arg}

	if cfg.typed {
		key.Typed = fmt.Sprintf("%T", arg)
	}

	return key
}

func memoCall[R any](ctx context.Context, c *Cache, cfg opConfig, key memoKey, compute func() (R, error)) (R, error) {
	var zero R

	if !cfg.hasExpire || cfg.expire > 0 {
		cached, err := c.Get(ctx, key)

		switch {
		case err == nil:
			result, ok := memoResult[R](cached)
			if ok {
				return result, nil
			}
		case !errors.Is(err, ErrKeyNotFound):
			return zero, err
		}
	}

	result, err := compute()
	if err != nil {
		return zero, err
	}

	if cfg.hasExpire && cfg.expire == 0 {
		return result, nil
	}

	var setOpts []OpOption

	if cfg.hasExpire {
		setOpts = append(setOpts, Expire(cfg.expire))
	}

	if cfg.hasTag {
		setOpts = append(setOpts, Tag(cfg.tag))
	}

	if cfg.retry {
		setOpts = append(setOpts, Retry())
	}

	err = c.Set(ctx, key, result, setOpts...)
	if err != nil {
		return zero, err
	}

	return result, nil
}

// memoResult recovers a typed result from a cached value. Numeric results
// pass through the index as int64 or float64 and are converted back.
func memoResult[R any](cached any) (R, bool) {
	if result, ok := cached.(R); ok {
		return result, true
	}

	var zero R

	want := reflect.TypeOf(zero)
	if want == nil {
		return zero, false
	}

	got := reflect.ValueOf(cached)
	if !got.IsValid() || !got.Type().ConvertibleTo(want) {
		return zero, false
	}

	// Only widen or narrow within the same numeric kind family.
	switch want.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.String:
		result, _ := got.Convert(want).Interface().(R)
		return result, true
	default:
		return zero, false
	}
}
