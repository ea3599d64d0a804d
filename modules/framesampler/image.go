package framesampler

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"  // register GIF decoder for gallery images
	_ "image/jpeg" // register JPEG decoder for gallery images
	_ "image/png"  // register PNG decoder for gallery images
	"io"
	"time"

	"github.com/google/uuid"
)

// LoadImage decodes a still image (JPEG, PNG, GIF) into a single frame.
//
// This is the static-image path: there is no device, no handle and nothing to
// release. Undecodable input is reported as an Unsupported MediaError.
func LoadImage(r io.Reader) (Frame, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return Frame{}, &MediaError{Kind: Unsupported, Device: "image", Err: err}
	}

	f := FrameFromImage(img)
	f.Source = "image/" + format
	return f, nil
}

// FrameFromImage copies img into a frame. Gray images stay 8-bit luminance,
// everything else is converted to RGBA.
func FrameFromImage(img image.Image) Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	f := Frame{
		Seq:       1,
		Timestamp: time.Now(),
		Width:     w,
		Height:    h,
		Source:    "image",
		TraceID:   uuid.New().String(),
	}

	switch src := img.(type) {
	case *image.Gray:
		f.Format = FormatGray
		f.Data = make([]byte, w*h)
		for y := 0; y < h; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+w]
			copy(f.Data[y*w:(y+1)*w], row)
		}
	default:
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		f.Format = FormatRGBA
		f.Data = dst.Pix
	}
	return f
}

// Image returns a read-only image.Image view of the frame's samples.
// The frame must pass Validate.
func (f Frame) Image() (image.Image, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	rect := image.Rect(0, 0, f.Width, f.Height)
	switch f.Format {
	case FormatGray:
		return &image.Gray{Pix: f.Data, Stride: f.Width, Rect: rect}, nil
	case FormatRGBA:
		return &image.RGBA{Pix: f.Data, Stride: f.Width * 4, Rect: rect}, nil
	case FormatRGB:
		return &rgbImage{pix: f.Data, stride: f.Width * 3, rect: rect}, nil
	default:
		return nil, fmt.Errorf("framesampler: unsupported pixel format %s", f.Format)
	}
}

// rgbImage exposes packed RGB samples without converting them to RGBA.
type rgbImage struct {
	pix    []byte
	stride int
	rect   image.Rectangle
}

func (p *rgbImage) ColorModel() color.Model { return color.RGBAModel }

func (p *rgbImage) Bounds() image.Rectangle { return p.rect }

func (p *rgbImage) At(x, y int) color.Color {
	if !(image.Point{X: x, Y: y}.In(p.rect)) {
		return color.RGBA{}
	}
	i := (y-p.rect.Min.Y)*p.stride + (x-p.rect.Min.X)*3
	return color.RGBA{R: p.pix[i], G: p.pix[i+1], B: p.pix[i+2], A: 0xff}
}

// SubImage returns the part of the RGB view visible through r.
func (p *rgbImage) SubImage(r image.Rectangle) image.Image {
	r = r.Intersect(p.rect)
	if r.Empty() {
		return &rgbImage{}
	}
	i := (r.Min.Y-p.rect.Min.Y)*p.stride + (r.Min.X-p.rect.Min.X)*3
	return &rgbImage{pix: p.pix[i:], stride: p.stride, rect: r}
}
