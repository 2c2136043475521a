package pipes

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/nao1215/pipechain/internal/config"
	"github.com/nao1215/pipechain/internal/model"
	"github.com/nao1215/pipechain/internal/pipeline"
)

// ValuesStage yields a fixed list of values.
//
//	options:
//	  values: "a, b, ${other}"
//	  sep: ","
type ValuesStage struct {
	base
	values []string
}

func newValuesStage(b base, sc config.StageConfig) (pipeline.Stage, error) {
	raw, err := requiredOption(sc, "values")
	if err != nil {
		return nil, err
	}
	values := listOption(raw, sc.Option("sep", ","))
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: values is empty", ErrInvalidOption)
	}
	return &ValuesStage{base: b, values: values}, nil
}

// Produce implements pipeline.Stage.
func (s *ValuesStage) Produce(_ context.Context, upstream *model.Item, b *pipeline.Bindings) (pipeline.Sequence, error) {
	out := make([]model.Item, 0, len(s.values))
	for _, raw := range s.values {
		v, err := Expand(raw, upstream, b)
		if err != nil {
			return failure(err)
		}
		out = append(out, s.item(v, v))
	}
	return pipeline.NewSliceSequence(out...), nil
}

// RangeStage yields the integers from..to inclusive.
//
//	options:
//	  from: "1"
//	  to: "${count}"
//	  step: "1"
type RangeStage struct {
	base
	from, to, step string
}

func newRangeStage(b base, sc config.StageConfig) (pipeline.Stage, error) {
	if _, err := requiredOption(sc, "to"); err != nil {
		return nil, err
	}
	s := &RangeStage{base: b}
	var err error
	if s.from, err = intOption(sc, "from", 0); err != nil {
		return nil, err
	}
	if s.to, err = intOption(sc, "to", 0); err != nil {
		return nil, err
	}
	if s.step, err = intOption(sc, "step", 1); err != nil {
		return nil, err
	}
	if s.step == "0" {
		return nil, fmt.Errorf("%w: step must not be zero", ErrInvalidOption)
	}
	return s, nil
}

// Produce implements pipeline.Stage.
func (s *RangeStage) Produce(_ context.Context, upstream *model.Item, b *pipeline.Bindings) (pipeline.Sequence, error) {
	bounds := make([]int, 0, 3)
	for _, raw := range []string{s.from, s.to, s.step} {
		v, err := Expand(raw, upstream, b)
		if err != nil {
			return failure(err)
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return failure(fmt.Errorf("%w: %q is not an integer", ErrInvalidOption, v))
		}
		bounds = append(bounds, n)
	}
	from, to, step := bounds[0], bounds[1], bounds[2]
	if step == 0 {
		return failure(fmt.Errorf("%w: step must not be zero", ErrInvalidOption))
	}

	next := from
	return pipeline.FuncSequence(func(context.Context) (model.Item, bool, error) {
		if (step > 0 && next > to) || (step < 0 && next < to) {
			return model.Item{}, false, nil
		}
		v := strconv.Itoa(next)
		next += step
		return s.item(v, v), true, nil
	}), nil
}

// SplitStage splits its input on a separator.
//
//	options:
//	  input: "${upstream}"
//	  sep: ","
type SplitStage struct {
	base
	input string
	sep   string
}

func newSplitStage(b base, sc config.StageConfig) (pipeline.Stage, error) {
	sep := sc.Option("sep", ",")
	return &SplitStage{base: b, input: input(sc), sep: sep}, nil
}

// Produce implements pipeline.Stage.
func (s *SplitStage) Produce(_ context.Context, upstream *model.Item, b *pipeline.Bindings) (pipeline.Sequence, error) {
	v, err := Expand(s.input, upstream, b)
	if err != nil {
		return failure(err)
	}
	parts := listOption(v, s.sep)
	out := make([]model.Item, len(parts))
	for i, part := range parts {
		out[i] = s.item(part, part).WithAttr("index", strconv.Itoa(i))
	}
	return pipeline.NewSliceSequence(out...), nil
}

// MatchStage yields its input once if it matches a regular expression and
// nothing otherwise, which prunes the branch in a chain. Named groups
// become attributes of the item.
//
//	options:
//	  input: "${file}"
//	  pattern: '(?P<year>\d{4})-\d{2}'
//	  invert: "false"
type MatchStage struct {
	base
	input   string
	pattern *regexp.Regexp
	invert  bool
}

func newMatchStage(b base, sc config.StageConfig) (pipeline.Stage, error) {
	raw, err := requiredOption(sc, "pattern")
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: pattern: %w", ErrInvalidOption, err)
	}
	invert, err := boolOption(sc, "invert")
	if err != nil {
		return nil, err
	}
	return &MatchStage{base: b, input: input(sc), pattern: re, invert: invert}, nil
}

// Produce implements pipeline.Stage.
func (s *MatchStage) Produce(_ context.Context, upstream *model.Item, b *pipeline.Bindings) (pipeline.Sequence, error) {
	v, err := Expand(s.input, upstream, b)
	if err != nil {
		return failure(err)
	}

	groups := s.pattern.FindStringSubmatch(v)
	if (groups != nil) == s.invert {
		return pipeline.EmptySequence(), nil
	}

	item := s.item(v, v)
	for i, name := range s.pattern.SubexpNames() {
		if name != "" && i < len(groups) {
			item = item.WithAttr(name, groups[i])
		}
	}
	return pipeline.NewSliceSequence(item), nil
}
