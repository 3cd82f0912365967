package imcurate

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/bep/imagemeta"
)

// ImageMetadata holds the rights-related EXIF, IPTC and XMP fields of one file.
type ImageMetadata struct {
	EXIFCopyright   string
	EXIFArtist      string
	IPTCCopyright   string
	IPTCCredit      string
	IPTCSource      string
	IPTCByline      string
	XMPLicense      string
	XMPWebStatement string
	XMPUsageTerms   string
	DCRights        string
	DCCreator       string
}

// Copyright joins the distinct copyright notices.
func (m *ImageMetadata) Copyright() string {
	return joinDistinct(m.EXIFCopyright, m.IPTCCopyright, m.DCRights)
}

// Creator joins the distinct author and credit fields.
func (m *ImageMetadata) Creator() string {
	return joinDistinct(m.EXIFArtist, m.IPTCByline, m.DCCreator, m.IPTCCredit, m.IPTCSource)
}

// License joins the distinct license and usage fields.
func (m *ImageMetadata) License() string {
	return joinDistinct(m.XMPLicense, m.XMPWebStatement, m.XMPUsageTerms)
}

func joinDistinct(vals ...string) string {
	var out []string
	for _, v := range vals {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		dup := false
		for _, o := range out {
			if strings.EqualFold(o, v) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	return strings.Join(out, "; ")
}

// wantedTags maps (source, tag-name) → true for every tag we care about.
var wantedTags = map[imagemeta.Source]map[string]bool{
	imagemeta.IPTC: {
		"CopyrightNotice": true,
		"Credit":          true,
		"Byline":          true,
		"Source":          true,
	},
	imagemeta.EXIF: {
		"Copyright": true,
		"Artist":    true,
	},
	imagemeta.XMP: {
		"WebStatement": true,
		"UsageTerms":   true,
		"License":      true,
		"Rights":       true,
		"Creator":      true,
	},
}

// metaFormats maps file extensions to the container formats imagemeta can parse.
var metaFormats = map[string]imagemeta.ImageFormat{
	".jpg":  imagemeta.JPEG,
	".jpeg": imagemeta.JPEG,
	".png":  imagemeta.PNG,
	".webp": imagemeta.WebP,
	".tif":  imagemeta.TIFF,
	".tiff": imagemeta.TIFF,
}

// ReadImageMetadata parses rights metadata from the file at path. Formats
// without metadata support and unparsable files yield an empty result.
func ReadImageMetadata(path string) (*ImageMetadata, error) {
	meta := &ImageMetadata{}
	format, ok := metaFormats[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return meta, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Graceful degradation: broken metadata segments leave the fields empty.
	_, _ = imagemeta.Decode(imagemeta.Options{
		R:           f,
		ImageFormat: format,
		Sources:     imagemeta.EXIF | imagemeta.IPTC | imagemeta.XMP,
		ShouldHandleTag: func(ti imagemeta.TagInfo) bool {
			return wantedTags[ti.Source][ti.Tag]
		},
		HandleTag: func(ti imagemeta.TagInfo) error {
			meta.set(ti.Source, ti.Tag, tagValueString(ti.Value))
			return nil
		},
	})
	return meta, nil
}

func (m *ImageMetadata) set(src imagemeta.Source, tag, v string) {
	if v == "" {
		return
	}
	switch src {
	case imagemeta.IPTC:
		switch tag {
		case "CopyrightNotice":
			m.IPTCCopyright = v
		case "Credit":
			m.IPTCCredit = v
		case "Byline":
			m.IPTCByline = v
		case "Source":
			m.IPTCSource = v
		}
	case imagemeta.EXIF:
		switch tag {
		case "Copyright":
			m.EXIFCopyright = v
		case "Artist":
			m.EXIFArtist = v
		}
	case imagemeta.XMP:
		switch tag {
		case "WebStatement":
			m.XMPWebStatement = v
		case "UsageTerms":
			m.XMPUsageTerms = v
		case "License":
			m.XMPLicense = v
		case "Rights":
			m.DCRights = v
		case "Creator":
			m.DCCreator = v
		}
	}
}

// tagValueString extracts a string from a tag value.
// XMP values may be string or []string (from altList/seqList).
func tagValueString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []string:
		if len(val) > 0 {
			return val[0]
		}
	case []any:
		if len(val) > 0 {
			if s, ok := val[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

// MetadataProducer fills copyright, creator and license columns.
type MetadataProducer struct{}

func (MetadataProducer) Name() string       { return "metadata" }
func (MetadataProducer) Requires() []string { return nil }

func (MetadataProducer) Produces() []Column {
	return []Column{
		{Name: "copyright", Type: TypeString},
		{Name: "creator", Type: TypeString},
		{Name: "license", Type: TypeString},
	}
}

func (MetadataProducer) Produce(_ context.Context, path string, _ Row) (Row, error) {
	meta, err := ReadImageMetadata(path)
	if err != nil {
		return nil, err
	}
	return Row{
		"copyright": meta.Copyright(),
		"creator":   meta.Creator(),
		"license":   meta.License(),
	}, nil
}
