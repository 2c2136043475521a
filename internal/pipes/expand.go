package pipes

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/nao1215/pipechain/internal/model"
	"github.com/nao1215/pipechain/internal/pipeline"
)

// UpstreamRef is the reference name of the activating item.
// It shadows a stage of the same name.
const UpstreamRef = "upstream"

var refPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_-]+)(?:\.([A-Za-z0-9_-]+))?\}`)

// IsTemplate reports whether s contains references.
func IsTemplate(s string) bool {
	return strings.Contains(s, "${")
}

// References returns the stage names s refers to, in order of appearance.
func References(s string) []string {
	var names []string
	for _, m := range refPattern.FindAllStringSubmatch(s, -1) {
		names = append(names, m[1])
	}
	return names
}

// Expand replaces every reference in s.
func Expand(s string, upstream *model.Item, b *pipeline.Bindings) (string, error) {
	if !IsTemplate(s) {
		return s, nil
	}

	var firstErr error
	out := refPattern.ReplaceAllStringFunc(s, func(ref string) string {
		m := refPattern.FindStringSubmatch(ref)
		v, err := resolveRef(m[1], m[2], upstream, b)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return v
	})
	return out, firstErr
}

func resolveRef(name, attr string, upstream *model.Item, b *pipeline.Bindings) (string, error) {
	var (
		item model.Item
		ok   bool
	)
	if name == UpstreamRef {
		if upstream != nil {
			item, ok = *upstream, true
		}
	} else if b != nil {
		item, ok = b.Lookup(name)
	}
	if !ok {
		return "", fmt.Errorf("%w: ${%s}", ErrUnboundReference, name)
	}

	switch attr {
	case "", "value":
		return item.Value, nil
	case "id":
		return item.ID, nil
	case "stage":
		return item.Stage, nil
	}
	v, ok := item.Attrs[attr]
	if !ok {
		return "", fmt.Errorf("%w: ${%s.%s}", ErrMissingAttribute, name, attr)
	}
	return v, nil
}

// failure turns an error raised while producing into the engine's two
// failure kinds: unbound references abort the run, everything else only
// ends this activation.
func failure(err error) (pipeline.Sequence, error) {
	if errors.Is(err, ErrUnboundReference) {
		return nil, err
	}
	return pipeline.FailedSequence(err), nil
}
