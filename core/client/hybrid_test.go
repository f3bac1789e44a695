package client

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

type resolverFunc func(ctx context.Context) (Result, error)

func (f resolverFunc) Resolve(ctx context.Context) (Result, error) { return f(ctx) }

func TestHybridPrefersNTP(t *testing.T) {
	want := Result{NetworkTimeMs: 42, UncertaintyMs: 7, SourceCount: 3}
	r := &HybridResolver{
		Log: slog.New(slog.DiscardHandler),
		NTP: resolverFunc(func(ctx context.Context) (Result, error) {
			return want, nil
		}),
		HTTPS: resolverFunc(func(ctx context.Context) (Result, error) {
			t.Error("https path must not be used when ntp succeeds")
			return Result{}, nil
		}),
	}

	got, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != want {
		t.Errorf("result: got %+v, want %+v", got, want)
	}
}

func TestHybridFallsBackOnFailure(t *testing.T) {
	want := Result{NetworkTimeMs: 99, UncertaintyMs: 120, SourceCount: 2}
	for _, ntpErr := range []error{ErrNoQuorum, ErrNotAvailable, errors.New("socket error")} {
		r := &HybridResolver{
			Log: slog.New(slog.DiscardHandler),
			NTP: resolverFunc(func(ctx context.Context) (Result, error) {
				return Result{}, ntpErr
			}),
			HTTPS: resolverFunc(func(ctx context.Context) (Result, error) {
				return want, nil
			}),
		}
		got, err := r.Resolve(context.Background())
		if err != nil {
			t.Fatalf("Resolve with ntp error %v: %v", ntpErr, err)
		}
		if got != want {
			t.Errorf("result: got %+v, want %+v", got, want)
		}
	}
}

func TestHybridPropagatesHTTPSFailure(t *testing.T) {
	r := &HybridResolver{
		Log: slog.New(slog.DiscardHandler),
		NTP: resolverFunc(func(ctx context.Context) (Result, error) {
			return Result{}, ErrNotAvailable
		}),
		HTTPS: resolverFunc(func(ctx context.Context) (Result, error) {
			return Result{}, ErrNoQuorum
		}),
	}
	_, err := r.Resolve(context.Background())
	if !errors.Is(err, ErrNoQuorum) {
		t.Errorf("got %v, want ErrNoQuorum", err)
	}
}
