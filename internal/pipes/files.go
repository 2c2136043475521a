package pipes

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/nao1215/pipechain/internal/config"
	"github.com/nao1215/pipechain/internal/model"
	"github.com/nao1215/pipechain/internal/pipeline"
)

// FilesStage yields the regular files under a directory whose base name
// matches a glob pattern, in lexical order.
//
//	options:
//	  root: ./data
//	  pattern: "*.jpg"
//	  recursive: "true"
type FilesStage struct {
	base
	root      string
	pattern   string
	recursive bool
}

func newFilesStage(b base, sc config.StageConfig) (pipeline.Stage, error) {
	pattern := sc.Option("pattern", "*")
	if !IsTemplate(pattern) {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("%w: pattern %q: %w", ErrInvalidOption, pattern, err)
		}
	}
	recursive, err := boolOption(sc, "recursive")
	if err != nil {
		return nil, err
	}
	return &FilesStage{
		base:      b,
		root:      sc.Option("root", "."),
		pattern:   pattern,
		recursive: recursive,
	}, nil
}

// Produce implements pipeline.Stage. The directory is walked on the first
// call to Next.
func (s *FilesStage) Produce(_ context.Context, upstream *model.Item, b *pipeline.Bindings) (pipeline.Sequence, error) {
	root, err := Expand(s.root, upstream, b)
	if err != nil {
		return failure(err)
	}
	pattern, err := Expand(s.pattern, upstream, b)
	if err != nil {
		return failure(err)
	}

	var (
		found  []model.Item
		walked bool
	)
	return pipeline.FuncSequence(func(ctx context.Context) (model.Item, bool, error) {
		if !walked {
			walked = true
			found, err = s.walk(ctx, root, pattern)
			if err != nil {
				return model.Item{}, false, err
			}
		}
		if len(found) == 0 {
			return model.Item{}, false, nil
		}
		item := found[0]
		found = found[1:]
		return item, true, nil
	}), nil
}

func (s *FilesStage) walk(ctx context.Context, root, pattern string) ([]model.Item, error) {
	var found []model.Item
	err := fs.WalkDir(os.DirFS(root), ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if p != "." && !s.recursive {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		ok, err := filepath.Match(pattern, d.Name())
		if err != nil {
			return fmt.Errorf("%w: pattern %q: %w", ErrInvalidOption, pattern, err)
		}
		if !ok {
			return nil
		}

		full := filepath.Join(root, filepath.FromSlash(p))
		item := s.item(full, full).WithAttr("name", d.Name())
		if info, err := d.Info(); err == nil {
			item = item.WithAttr("size", strconv.FormatInt(info.Size(), 10))
		}
		found = append(found, item)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", root, err)
	}
	return found, nil
}

// LinesStage yields the lines of a text file.
//
//	options:
//	  path: "${file}"
//	  skipEmpty: "true"
type LinesStage struct {
	base
	path      string
	skipEmpty bool
}

func newLinesStage(b base, sc config.StageConfig) (pipeline.Stage, error) {
	skipEmpty, err := boolOption(sc, "skipEmpty")
	if err != nil {
		return nil, err
	}
	return &LinesStage{
		base:      b,
		path:      sc.Option("path", "${"+UpstreamRef+"}"),
		skipEmpty: skipEmpty,
	}, nil
}

// Produce implements pipeline.Stage. The file stays open until the
// sequence is exhausted or closed.
func (s *LinesStage) Produce(_ context.Context, upstream *model.Item, b *pipeline.Bindings) (pipeline.Sequence, error) {
	path, err := Expand(s.path, upstream, b)
	if err != nil {
		return failure(err)
	}
	return &lineSequence{stage: s, path: path}, nil
}

type lineSequence struct {
	stage   *LinesStage
	path    string
	file    *os.File
	scanner *bufio.Scanner
	line    int
	done    bool
}

// Next implements pipeline.Sequence.
func (l *lineSequence) Next(ctx context.Context) (model.Item, bool, error) {
	if l.done {
		return model.Item{}, false, nil
	}
	if l.file == nil {
		f, err := os.Open(l.path)
		if err != nil {
			l.done = true
			return model.Item{}, false, fmt.Errorf("failed to open %s: %w", l.path, err)
		}
		l.file = f
		l.scanner = bufio.NewScanner(f)
	}

	for l.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return model.Item{}, false, err
		}
		l.line++
		text := l.scanner.Text()
		if l.stage.skipEmpty && text == "" {
			continue
		}
		n := strconv.Itoa(l.line)
		item := l.stage.item(l.path+":"+n, text).
			WithAttr("line", n).
			WithAttr("path", l.path)
		return item, true, nil
	}

	err := l.scanner.Err()
	_ = l.Close() //nolint:errcheck // read-only file
	if err != nil {
		return model.Item{}, false, fmt.Errorf("failed to read %s: %w", l.path, err)
	}
	return model.Item{}, false, nil
}

// Close implements pipeline.Closer.
func (l *lineSequence) Close() error {
	l.done = true
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	return f.Close()
}
