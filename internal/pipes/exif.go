package pipes

import (
	"context"
	"errors"
	"fmt"
	"os"

	exif "github.com/dsoprea/go-exif/v3"

	"github.com/nao1215/pipechain/internal/config"
	"github.com/nao1215/pipechain/internal/model"
	"github.com/nao1215/pipechain/internal/pipeline"
)

// DefaultMaxImageSize bounds the size of images read by the exif stage.
const DefaultMaxImageSize = 32 * 1024 * 1024

// ExifStage yields one item per EXIF tag of an image. Images without EXIF
// data yield nothing.
//
//	options:
//	  path: "${photo}"
//	  tags: "Make,Model,DateTimeOriginal"
type ExifStage struct {
	base
	path string
	tags map[string]bool
}

func newExifStage(b base, sc config.StageConfig) (pipeline.Stage, error) {
	s := &ExifStage{
		base: b,
		path: sc.Option("path", "${"+UpstreamRef+"}"),
	}
	if names := listOption(sc.Option("tags", ""), ","); len(names) > 0 {
		s.tags = make(map[string]bool, len(names))
		for _, name := range names {
			s.tags[name] = true
		}
	}
	return s, nil
}

// Produce implements pipeline.Stage. The image is read on the first call
// to Next.
func (s *ExifStage) Produce(_ context.Context, upstream *model.Item, b *pipeline.Bindings) (pipeline.Sequence, error) {
	path, err := Expand(s.path, upstream, b)
	if err != nil {
		return failure(err)
	}

	var (
		tags []model.Item
		read bool
	)
	return pipeline.FuncSequence(func(context.Context) (model.Item, bool, error) {
		if !read {
			read = true
			var rerr error
			if tags, rerr = s.read(path); rerr != nil {
				return model.Item{}, false, rerr
			}
		}
		if len(tags) == 0 {
			return model.Item{}, false, nil
		}
		item := tags[0]
		tags = tags[1:]
		return item, true, nil
	}), nil
}

func (s *ExifStage) read(path string) (items []model.Item, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.Size() > DefaultMaxImageSize {
		return nil, fmt.Errorf("%s is larger than %d bytes", path, DefaultMaxImageSize)
	}
	data, err := os.ReadFile(path) //nolint:gosec // paths come from the pipeline definition
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	// go-exif panics on some malformed IFD chains
	defer func() {
		if r := recover(); r != nil {
			items, err = nil, fmt.Errorf("malformed EXIF data in %s: %v", path, r)
		}
	}()

	raw, err := exif.SearchAndExtractExif(data)
	if errors.Is(err, exif.ErrNoExif) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to locate EXIF data in %s: %w", path, err)
	}

	entries, _, err := exif.GetFlatExifData(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to parse EXIF data in %s: %w", path, err)
	}

	for _, entry := range entries {
		if s.tags != nil && !s.tags[entry.TagName] {
			continue
		}
		id := path + "#" + entry.IfdPath + "/" + entry.TagName
		items = append(items, s.item(id, entry.Formatted).
			WithAttr("tag", entry.TagName).
			WithAttr("ifd", entry.IfdPath).
			WithAttr("path", path))
	}
	return items, nil
}
