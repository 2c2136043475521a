package pipes

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/nao1215/pipechain/internal/config"
	"github.com/nao1215/pipechain/internal/model"
)

// base carries what every built-in stage shares.
type base struct {
	name   string
	logger *slog.Logger
}

// Name implements pipeline.Stage.
func (b base) Name() string {
	return b.name
}

// ModifiesState implements pipeline.Stage. Built-in stages are read-only
// unless they override it.
func (b base) ModifiesState() bool {
	return false
}

func (b base) item(id, value string) model.Item {
	return model.Item{ID: id, Stage: b.name, Value: value}
}

// input returns the "input" option, which defaults to the upstream value.
func input(sc config.StageConfig) string {
	return sc.Option("input", "${"+UpstreamRef+"}")
}

// intOption reads an integer option. Templates are checked when expanded.
func intOption(sc config.StageConfig, key string, def int) (string, error) {
	raw := sc.Option(key, strconv.Itoa(def))
	if IsTemplate(raw) {
		return raw, nil
	}
	if _, err := strconv.Atoi(raw); err != nil {
		return "", fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidOption, key, raw)
	}
	return raw, nil
}

// boolOption reads a static boolean option.
func boolOption(sc config.StageConfig, key string) (bool, error) {
	raw := sc.Option(key, "false")
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidOption, key, raw)
	}
	return v, nil
}

// requiredOption reads an option that must be set.
func requiredOption(sc config.StageConfig, key string) (string, error) {
	v := sc.Option(key, "")
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingOption, key)
	}
	return v, nil
}

// listOption splits an option on sep, trimming spaces and dropping empty
// entries.
func listOption(raw, sep string) []string {
	var out []string
	for _, part := range strings.Split(raw, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
