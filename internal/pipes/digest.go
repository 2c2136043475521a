package pipes

import (
	"context"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/nao1215/pipechain/internal/config"
	"github.com/nao1215/pipechain/internal/model"
	"github.com/nao1215/pipechain/internal/pipeline"
)

// Digest sources.
const (
	sourceValue = "value"
	sourceFile  = "file"
)

var digestAlgorithms = map[string]func() hash.Hash{
	"sha3-224": sha3.New224,
	"sha3-256": sha3.New256,
	"sha3-384": sha3.New384,
	"sha3-512": sha3.New512,
}

// DigestStage yields the hex SHA-3 digest of its input, either the input
// text itself or the content of the file it names.
//
//	options:
//	  input: "${file}"
//	  source: file
//	  algorithm: sha3-256
type DigestStage struct {
	base
	input     string
	source    string
	algorithm string
}

func newDigestStage(b base, sc config.StageConfig) (pipeline.Stage, error) {
	source := sc.Option("source", sourceValue)
	if source != sourceValue && source != sourceFile {
		return nil, fmt.Errorf("%w: source must be %s or %s, got %q", ErrInvalidOption, sourceValue, sourceFile, source)
	}
	algorithm := strings.ToLower(sc.Option("algorithm", "sha3-256"))
	if _, ok := digestAlgorithms[algorithm]; !ok {
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidOption, algorithm)
	}
	return &DigestStage{base: b, input: input(sc), source: source, algorithm: algorithm}, nil
}

// Produce implements pipeline.Stage.
func (s *DigestStage) Produce(ctx context.Context, upstream *model.Item, b *pipeline.Bindings) (pipeline.Sequence, error) {
	in, err := Expand(s.input, upstream, b)
	if err != nil {
		return failure(err)
	}

	sum, err := s.sum(ctx, in)
	if err != nil {
		return failure(err)
	}
	item := s.item(sum, sum).
		WithAttr("algorithm", s.algorithm).
		WithAttr("input", in)
	return pipeline.NewSliceSequence(item), nil
}

func (s *DigestStage) sum(ctx context.Context, in string) (string, error) {
	if s.source == sourceValue && s.algorithm == "sha3-256" {
		sum := sha3.Sum256([]byte(in))
		return hex.EncodeToString(sum[:]), nil
	}

	h := digestAlgorithms[s.algorithm]()
	if s.source == sourceValue {
		_, _ = io.WriteString(h, in) //nolint:errcheck // hash writes never fail
		return hex.EncodeToString(h.Sum(nil)), nil
	}

	f, err := os.Open(in) //nolint:gosec // paths come from the pipeline definition
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", in, err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: f}); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", in, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ctxReader stops reading once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
