package pipes

import (
	"context"
	"fmt"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/nao1215/pipechain/internal/config"
	"github.com/nao1215/pipechain/internal/model"
	"github.com/nao1215/pipechain/internal/pipeline"
)

// CaseStage yields its input converted to upper, lower or title case using
// the casing rules of a language.
//
//	options:
//	  input: "${name}"
//	  to: title
//	  lang: nl
type CaseStage struct {
	base
	input string
	to    string
	tag   language.Tag
}

func newCaseStage(b base, sc config.StageConfig) (pipeline.Stage, error) {
	to := sc.Option("to", "lower")
	switch to {
	case "upper", "lower", "title":
	default:
		return nil, fmt.Errorf("%w: to must be upper, lower or title, got %q", ErrInvalidOption, to)
	}
	tag, err := language.Parse(sc.Option("lang", "en"))
	if err != nil {
		return nil, fmt.Errorf("%w: lang: %w", ErrInvalidOption, err)
	}
	return &CaseStage{base: b, input: input(sc), to: to, tag: tag}, nil
}

// caser returns a fresh Caser. Casers keep state and must not be shared
// between goroutines.
func (s *CaseStage) caser() cases.Caser {
	switch s.to {
	case "upper":
		return cases.Upper(s.tag)
	case "title":
		return cases.Title(s.tag)
	default:
		return cases.Lower(s.tag)
	}
}

// Produce implements pipeline.Stage.
func (s *CaseStage) Produce(_ context.Context, upstream *model.Item, b *pipeline.Bindings) (pipeline.Sequence, error) {
	in, err := Expand(s.input, upstream, b)
	if err != nil {
		return failure(err)
	}
	out := s.caser().String(in)
	id := out
	if upstream != nil {
		id = upstream.ID
	}
	return pipeline.NewSliceSequence(s.item(id, out).WithAttr("original", in)), nil
}
