package totp

import (
	"encoding/base64"

	qrcode "github.com/skip2/go-qrcode"
)

// QRCodeDataURI renders the provisioning URI as a PNG data URI suitable
// for direct embedding in an <img> tag.
func (m *Manager) QRCodeDataURI(secret, account string) (string, error) {
	png, err := qrcode.Encode(m.ProvisioningURI(secret, account), qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
