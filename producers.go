package imcurate

import (
	"context"
	"image/gif"
	"os"
)

// FileInfoProducer fills size and timestamps from the file system.
type FileInfoProducer struct{}

func (FileInfoProducer) Name() string       { return "fileinfo" }
func (FileInfoProducer) Requires() []string { return nil }

func (FileInfoProducer) Produces() []Column {
	return []Column{
		{Name: "size", Type: TypeInt},
		{Name: "mtime", Type: TypeTime},
		{Name: "atime", Type: TypeTime},
	}
}

func (FileInfoProducer) Produce(_ context.Context, path string, _ Row) (Row, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return Row{
		"size":  info.Size(),
		"mtime": info.ModTime(),
		"atime": accessTime(info),
	}, nil
}

// ShapeProducer fills width, height, channel and frame counts from the image header.
type ShapeProducer struct{}

func (ShapeProducer) Name() string       { return "shape" }
func (ShapeProducer) Requires() []string { return nil }

func (ShapeProducer) Produces() []Column {
	return []Column{
		{Name: "width", Type: TypeInt},
		{Name: "height", Type: TypeInt},
		{Name: "channels", Type: TypeInt},
		{Name: "frames", Type: TypeInt},
	}
}

func (ShapeProducer) Produce(_ context.Context, path string, _ Row) (Row, error) {
	cfg, format, err := decodeConfigFile(path)
	if err != nil {
		return nil, err
	}
	frames := int64(1)
	if format == "gif" {
		if n, err := gifFrames(path); err == nil {
			frames = n
		}
	}
	return Row{
		"width":    int64(cfg.Width),
		"height":   int64(cfg.Height),
		"channels": channelCount(cfg.ColorModel),
		"frames":   frames,
	}, nil
}

func gifFrames(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	g, err := gif.DecodeAll(f)
	if err != nil {
		return 0, err
	}
	return int64(len(g.Image)), nil
}
