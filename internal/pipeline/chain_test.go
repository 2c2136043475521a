package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nao1215/pipechain/internal/model"
)

// pair is an emitted item together with the binding of an upstream stage.
type pair struct {
	upstream string
	value    string
}

// drainPairs pulls the chain and records the binding of upstreamName at
// the moment each item is emitted.
func drainPairs(t *testing.T, c *Chain, upstreamName string) []pair {
	t.Helper()

	var out []pair
	for {
		item, ok, err := c.Next(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			return out
		}
		up, found := c.Bindings().Lookup(upstreamName)
		if !found {
			t.Fatalf("no binding for %q when %q was emitted", upstreamName, item.Value)
		}
		out = append(out, pair{upstream: up.Value, value: item.Value})
	}
}

// TestNewChain tests the Chain constructor.
func TestNewChain(t *testing.T) {
	t.Parallel()

	t.Run("rejects duplicate stage names", func(t *testing.T) {
		t.Parallel()

		_, err := NewChain([]Stage{listStage("a"), listStage("a")}, nil)
		if !errors.Is(err, ErrDuplicateStage) {
			t.Errorf("expected ErrDuplicateStage, got %v", err)
		}
	})

	t.Run("rejects unnamed stage", func(t *testing.T) {
		t.Parallel()

		_, err := NewChain([]Stage{listStage("")}, nil)
		if !errors.Is(err, ErrUnnamedStage) {
			t.Errorf("expected ErrUnnamedStage, got %v", err)
		}
	})

	t.Run("rejects nil stage", func(t *testing.T) {
		t.Parallel()

		_, err := NewChain([]Stage{nil}, nil)
		if !errors.Is(err, ErrNilStage) {
			t.Errorf("expected ErrNilStage, got %v", err)
		}
	})

	t.Run("creates bindings when nil", func(t *testing.T) {
		t.Parallel()

		c, err := NewChain([]Stage{listStage("a", "1")}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if c.Bindings() == nil {
			t.Error("expected non-nil bindings")
		}
	})
}

// TestChainNext tests the cursor walk.
func TestChainNext(t *testing.T) {
	t.Parallel()

	t.Run("independent stages yield the full product in row-major order", func(t *testing.T) {
		t.Parallel()

		c, err := NewChain([]Stage{
			listStage("A", "a1", "a2"),
			listStage("B", "b1", "b2", "b3"),
		}, NewBindings())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		got := drainPairs(t, c, "A")
		expected := []pair{
			{"a1", "b1"}, {"a1", "b2"}, {"a1", "b3"},
			{"a2", "b1"}, {"a2", "b2"}, {"a2", "b3"},
		}
		if len(got) != len(expected) {
			t.Fatalf("expected %d items, got %d: %v", len(expected), len(got), got)
		}
		for i := range expected {
			if got[i] != expected[i] {
				t.Errorf("item %d: got %v, expected %v", i, got[i], expected[i])
			}
		}
	})

	t.Run("empty downstream output skips the upstream item", func(t *testing.T) {
		t.Parallel()

		c, err := NewChain([]Stage{
			listStage("A", "x", "y"),
			dependentStage("B", func(up string) []string {
				if up == "x" {
					return []string{"1", "2"}
				}
				return nil
			}),
		}, NewBindings())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		got := drainPairs(t, c, "A")
		expected := []pair{{"x", "1"}, {"x", "2"}}
		if len(got) != len(expected) {
			t.Fatalf("expected %d items, got %d: %v", len(expected), len(got), got)
		}
		for i := range expected {
			if got[i] != expected[i] {
				t.Errorf("item %d: got %v, expected %v", i, got[i], expected[i])
			}
		}
		if err := c.Bindings().TakeError(); err != nil {
			t.Errorf("expected no recorded error, got %v", err)
		}
	})

	t.Run("no item is bound to an upstream whose downstream is empty", func(t *testing.T) {
		t.Parallel()

		empty := map[string]bool{"u2": true, "u4": true}
		c, err := NewChain([]Stage{
			listStage("U", "u1", "u2", "u3", "u4", "u5"),
			dependentStage("M", func(up string) []string {
				if empty[up] {
					return nil
				}
				return []string{up + ".m1", up + ".m2"}
			}),
			dependentStage("L", func(up string) []string {
				return []string{up + ".l"}
			}),
		}, NewBindings())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		got := drainPairs(t, c, "U")
		if len(got) != 6 {
			t.Fatalf("expected 6 items, got %d: %v", len(got), got)
		}
		for _, p := range got {
			if empty[p.upstream] {
				t.Errorf("item %q bound to pruned upstream %q", p.value, p.upstream)
			}
			if !strings.HasPrefix(p.value, p.upstream+".") {
				t.Errorf("item %q does not derive from its binding %q", p.value, p.upstream)
			}
		}
	})

	t.Run("empty chain yields nothing", func(t *testing.T) {
		t.Parallel()

		c, err := NewChain(nil, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := drain(t, c); len(got) != 0 {
			t.Errorf("expected no items, got %v", got)
		}
	})

	t.Run("single stage chain yields the stage output", func(t *testing.T) {
		t.Parallel()

		c, err := NewChain([]Stage{listStage("only", "1", "2", "3")}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got := drain(t, c)
		if len(got) != 3 {
			t.Fatalf("expected 3 items, got %d", len(got))
		}
		if bound, _ := c.Bindings().Lookup("only"); bound.Value != "3" {
			t.Errorf("expected last binding 3, got %q", bound.Value)
		}
	})

	t.Run("first stage with no output yields nothing", func(t *testing.T) {
		t.Parallel()

		c, err := NewChain([]Stage{listStage("A"), listStage("B", "1")}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := drain(t, c); len(got) != 0 {
			t.Errorf("expected no items, got %v", got)
		}
	})

	t.Run("stays exhausted after the end", func(t *testing.T) {
		t.Parallel()

		c, err := NewChain([]Stage{listStage("A", "1")}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		_ = drain(t, c)
		_, ok, err := c.Next(context.Background())
		if ok || err != nil {
			t.Errorf("expected (false, nil), got (%v, %v)", ok, err)
		}
	})
}

// TestChainActivation verifies when stage sequences are built.
func TestChainActivation(t *testing.T) {
	t.Parallel()

	t.Run("stages are built on arrival and never while retreating", func(t *testing.T) {
		t.Parallel()

		a := listStage("A", "a1", "a2")
		b := listStage("B", "b1", "b2", "b3")
		c := listStage("C", "c1")

		chain, err := NewChain([]Stage{a, b, c}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got := drain(t, chain)

		if len(got) != 6 {
			t.Errorf("expected 6 items, got %d", len(got))
		}
		if n := a.produceCalls.Load(); n != 1 {
			t.Errorf("A: expected 1 activation, got %d", n)
		}
		if n := b.produceCalls.Load(); n != 2 {
			t.Errorf("B: expected 2 activations, got %d", n)
		}
		if n := c.produceCalls.Load(); n != 6 {
			t.Errorf("C: expected 6 activations, got %d", n)
		}
	})

	t.Run("downstream construction sees the just-bound upstream item", func(t *testing.T) {
		t.Parallel()

		var mismatches []string
		check := &mockStage{
			name: "B",
			produceFunc: func(_ context.Context, upstream *model.Item, b *Bindings) (Sequence, error) {
				bound, ok := b.Lookup("A")
				if !ok || bound.ID != upstream.ID {
					mismatches = append(mismatches, upstream.ID)
				}
				return NewSliceSequence(model.NewItem("B", "from-"+bound.Value)), nil
			},
		}

		chain, err := NewChain([]Stage{listStage("A", "1", "2", "3"), check}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got := drain(t, chain)

		if len(mismatches) > 0 {
			t.Errorf("binding lagged behind upstream for %v", mismatches)
		}
		if len(got) != 3 || got[2].Value != "from-3" {
			t.Errorf("unexpected output: %v", got)
		}
	})

	t.Run("construction failure is fatal", func(t *testing.T) {
		t.Parallel()

		buildErr := errors.New("bad configuration")
		chain, err := NewChain([]Stage{
			listStage("A", "1"),
			&mockStage{
				name: "B",
				produceFunc: func(context.Context, *model.Item, *Bindings) (Sequence, error) {
					return nil, buildErr
				},
			},
		}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		_, ok, err := chain.Next(context.Background())
		if ok {
			t.Error("expected no item")
		}
		if !errors.Is(err, buildErr) {
			t.Errorf("expected build error, got %v", err)
		}
	})
}

// TestChainFailures tests per-item failures during traversal.
func TestChainFailures(t *testing.T) {
	t.Parallel()

	t.Run("failing stage ends its activation and records the error", func(t *testing.T) {
		t.Parallel()

		itemErr := errors.New("unreadable")
		flaky := &mockStage{
			name: "B",
			produceFunc: func(_ context.Context, upstream *model.Item, _ *Bindings) (Sequence, error) {
				if upstream.Value != "x" {
					return NewSliceSequence(model.NewItem("B", upstream.Value+"1")), nil
				}
				sent := false
				return FuncSequence(func(context.Context) (model.Item, bool, error) {
					if !sent {
						sent = true
						return model.NewItem("B", "x1"), true, nil
					}
					return model.Item{}, false, itemErr
				}), nil
			},
		}

		chain, err := NewChain([]Stage{listStage("A", "x", "y"), flaky}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got := drain(t, chain)

		if len(got) != 2 || got[0].Value != "x1" || got[1].Value != "y1" {
			t.Errorf("unexpected output: %v", got)
		}
		pending := chain.Bindings().TakeError()
		if !errors.Is(pending, itemErr) {
			t.Fatalf("expected recorded error, got %v", pending)
		}
		stageErrs := StageErrors(pending)
		if len(stageErrs) != 1 || stageErrs[0].Stage != "B" {
			t.Errorf("expected one error from stage B, got %v", stageErrs)
		}
	})

	t.Run("failing first stage ends the chain", func(t *testing.T) {
		t.Parallel()

		chain, err := NewChain([]Stage{
			&mockStage{
				name: "A",
				produceFunc: func(context.Context, *model.Item, *Bindings) (Sequence, error) {
					return FailedSequence(errors.New("boom")), nil
				},
			},
			listStage("B", "1"),
		}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := drain(t, chain); len(got) != 0 {
			t.Errorf("expected no items, got %v", got)
		}
		if chain.Bindings().LastError() == nil {
			t.Error("expected recorded error")
		}
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		a := listStage("A", "1")
		chain, err := NewChain([]Stage{a}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		_, ok, err := chain.Next(ctx)
		if ok {
			t.Error("expected no item")
		}
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("delay is interrupted by cancellation", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		chain, err := NewChain([]Stage{listStage("A", "1")}, nil, WithDelay(time.Minute))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		start := time.Now()
		_, _, err = chain.Next(ctx)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
		if time.Since(start) > 5*time.Second {
			t.Error("delay was not interrupted")
		}
	})
}

// TestChainIsolation verifies that chains do not share bindings.
func TestChainIsolation(t *testing.T) {
	t.Parallel()

	first, err := NewChain([]Stage{listStage("A", "first")}, NewBindings())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := NewChain([]Stage{listStage("A", "second"), listStage("B", "b")}, NewBindings())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_ = drain(t, first)
	_ = drain(t, second)

	if got, _ := first.Bindings().Lookup("A"); got.Value != "first" {
		t.Errorf("first chain sees %q", got.Value)
	}
	if _, ok := first.Bindings().Lookup("B"); ok {
		t.Error("first chain sees a binding of the second chain")
	}
	if got, _ := second.Bindings().Lookup("A"); got.Value != "second" {
		t.Errorf("second chain sees %q", got.Value)
	}
}

// TestSequentialStage tests the composite chain stage.
func TestSequentialStage(t *testing.T) {
	t.Parallel()

	t.Run("passes its upstream to the first sub-stage", func(t *testing.T) {
		t.Parallel()

		inner, err := NewSequentialStage("inner", []Stage{
			dependentStage("double", func(up string) []string { return []string{up + up} }),
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		outer, err := NewChain([]Stage{listStage("A", "x", "y"), inner}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got := drain(t, outer)
		if len(got) != 2 || got[0].Value != "xx" || got[1].Value != "yy" {
			t.Errorf("unexpected output: %v", got)
		}
	})

	t.Run("aggregates ModifiesState", func(t *testing.T) {
		t.Parallel()

		writer := listStage("writer")
		writer.modifies = true

		readOnly, _ := NewSequentialStage("ro", []Stage{listStage("a"), listStage("b")})
		if readOnly.ModifiesState() {
			t.Error("expected read-only composite")
		}
		mixed, _ := NewSequentialStage("rw", []Stage{listStage("a"), writer})
		if !mixed.ModifiesState() {
			t.Error("expected composite to modify state")
		}
	})

	t.Run("rejects duplicate sub-stage names", func(t *testing.T) {
		t.Parallel()

		_, err := NewSequentialStage("dup", []Stage{listStage("a"), listStage("a")})
		if !errors.Is(err, ErrDuplicateStage) {
			t.Errorf("expected ErrDuplicateStage, got %v", err)
		}
	})
}
