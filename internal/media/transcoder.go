package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"mime"
	"sort"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrUnsupportedMediaType is returned for anything that is neither image/* nor video/*.
var ErrUnsupportedMediaType = errors.New("unsupported media type")

// Kind is the broad class of a source upload.
type Kind int

const (
	KindImage Kind = iota + 1
	KindVideo
)

// WebPContentType is the content type of every transcoded image variant.
const WebPContentType = "image/webp"

// Box bounds one image variant.
type Box struct {
	MaxEdge int
	Quality float32
}

var (
	ThumbBox   = Box{MaxEdge: 400, Quality: 85}
	DisplayBox = Box{MaxEdge: 1600, Quality: 90}
)

// Encoded is one webp rendition and its pixel dimensions.
type Encoded struct {
	Data   []byte
	Width  int
	Height int
}

// ImageVariants holds the thumb and display renditions of one source image.
type ImageVariants struct {
	Thumb   Encoded
	Display Encoded
}

var videoExtensions = map[string]string{
	"video/mp4":        ".mp4",
	"video/quicktime":  ".mov",
	"video/webm":       ".webm",
	"video/x-matroska": ".mkv",
	"video/x-msvideo":  ".avi",
	"video/mpeg":       ".mpeg",
}

// NormalizeMIME lowercases the media type and strips parameters.
func NormalizeMIME(contentType string) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// Classify sorts a MIME type into image or video. Video subtypes without a known
// container extension are unsupported.
func Classify(contentType string) (Kind, error) {
	mt := NormalizeMIME(contentType)
	switch {
	case strings.HasPrefix(mt, "image/"):
		return KindImage, nil
	case strings.HasPrefix(mt, "video/"):
		if _, ok := videoExtensions[mt]; ok {
			return KindVideo, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedMediaType, contentType)
}

// VideoExtension maps a video MIME type to the extension used in its storage key.
func VideoExtension(contentType string) (string, error) {
	ext, ok := videoExtensions[NormalizeMIME(contentType)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMediaType, contentType)
	}
	return ext, nil
}

// VideoExtensions lists every extension a video variant may have been stored under.
func VideoExtensions() []string {
	out := make([]string, 0, len(videoExtensions))
	for _, ext := range videoExtensions {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Transcoder renders image variants. The zero value uses ThumbBox and DisplayBox.
type Transcoder struct {
	Thumb   Box
	Display Box
}

// NewTranscoder returns a Transcoder with the default boxes.
func NewTranscoder() *Transcoder {
	return &Transcoder{Thumb: ThumbBox, Display: DisplayBox}
}

// Transcode decodes the source, applies its EXIF orientation and renders the
// thumb and display variants. Images are never upscaled. Formats without a
// registered decoder fail with ErrUnsupportedMediaType.
func (t *Transcoder) Transcode(data []byte) (ImageVariants, error) {
	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if errors.Is(err, image.ErrFormat) {
		// svg, heic, avif and the like: no registered decoder will ever read them
		return ImageVariants{}, fmt.Errorf("%w: no decoder for image: %w", ErrUnsupportedMediaType, err)
	}
	if err != nil {
		return ImageVariants{}, fmt.Errorf("decode image: %w", err)
	}
	if src.Bounds().Dx() == 0 || src.Bounds().Dy() == 0 {
		return ImageVariants{}, errors.New("invalid image dimensions")
	}

	thumbBox, displayBox := t.Thumb, t.Display
	if thumbBox.MaxEdge == 0 {
		thumbBox = ThumbBox
	}
	if displayBox.MaxEdge == 0 {
		displayBox = DisplayBox
	}

	display, err := render(src, displayBox)
	if err != nil {
		return ImageVariants{}, fmt.Errorf("display variant: %w", err)
	}
	thumb, err := render(src, thumbBox)
	if err != nil {
		return ImageVariants{}, fmt.Errorf("thumb variant: %w", err)
	}
	return ImageVariants{Thumb: thumb, Display: display}, nil
}

func render(src image.Image, box Box) (Encoded, error) {
	img := imaging.Fit(src, box.MaxEdge, box.MaxEdge, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := webp.Encode(buf, img, &webp.Options{Quality: box.Quality}); err != nil {
		return Encoded{}, fmt.Errorf("encode webp: %w", err)
	}
	b := img.Bounds()
	return Encoded{Data: buf.Bytes(), Width: b.Dx(), Height: b.Dy()}, nil
}
