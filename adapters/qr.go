package adapters

import (
	"encoding/base64"

	qrcode "github.com/skip2/go-qrcode"
)

// QRCodeTerminal renders data as a QR code drawn with half-height block
// characters, suitable for printing to a terminal during login.
func QRCodeTerminal(data string) (string, error) {
	qr, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return "", err
	}
	return qr.ToSmallString(false), nil
}

// QRCodePNGBase64 renders data as a base64-encoded PNG, for embedding
// in an img tag.
func QRCodePNGBase64(data string) (string, error) {
	png, err := qrcode.Encode(data, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(png), nil
}
