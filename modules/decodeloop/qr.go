package decodeloop

import (
	"fmt"
	"sync"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"

	"github.com/VivifySoftIT/PoSync/modules/framesampler"
)

// QROptions tunes the QR decoder.
type QROptions struct {
	// TryHarder spends more time looking for a symbol in each frame
	TryHarder bool
	// PureBarcode assumes the image contains only the symbol (static images
	// of generated codes)
	PureBarcode bool
}

// QRDecoder decodes QR symbols with gozxing.
//
// The underlying reader is not safe for concurrent use, so calls are
// serialised; the decode loop only ever has one call in flight anyway.
type QRDecoder struct {
	mu     sync.Mutex
	reader gozxing.Reader
	hints  map[gozxing.DecodeHintType]interface{}
}

// NewQRDecoder returns a QR-only decoder.
func NewQRDecoder(opts QROptions) *QRDecoder {
	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_POSSIBLE_FORMATS: []gozxing.BarcodeFormat{gozxing.BarcodeFormat_QR_CODE},
	}
	if opts.TryHarder {
		hints[gozxing.DecodeHintType_TRY_HARDER] = true
	}
	if opts.PureBarcode {
		hints[gozxing.DecodeHintType_PURE_BARCODE] = true
	}

	return &QRDecoder{
		reader: qrcode.NewQRCodeReader(),
		hints:  hints,
	}
}

// Decode implements Decoder.
func (d *QRDecoder) Decode(frame framesampler.Frame) (Result, error) {
	img, err := frame.Image()
	if err != nil {
		return NotFound, err
	}

	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return NotFound, fmt.Errorf("decodeloop: binarize frame: %w", err)
	}

	d.mu.Lock()
	res, err := d.reader.Decode(bmp, d.hints)
	d.reader.Reset()
	d.mu.Unlock()

	if err != nil {
		switch err.(type) {
		case gozxing.NotFoundException, gozxing.ChecksumException, gozxing.FormatException:
			return NotFound, nil
		}
		return NotFound, fmt.Errorf("decodeloop: qr decode: %w", err)
	}

	return Found(res.GetText()), nil
}
