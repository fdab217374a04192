package infra

import (
	"fmt"
	"image/color"

	qrcode "github.com/skip2/go-qrcode"
)

// QRコード画像の既定値
const (
	DefaultQRSize = 512
)

// DefaultQRForeground はQRコードの前景色 (#059669)。
var DefaultQRForeground = color.RGBA{R: 0x05, G: 0x96, B: 0x69, A: 0xff}

// PNGRenderer はエンベロープ文字列を誤り訂正レベル最高のQRコードPNGに変換する。
type PNGRenderer struct {
	size       int
	foreground color.Color
}

// NewPNGRenderer は新しいPNGRendererを生成する。sizeが0以下の場合は既定値を使う。
func NewPNGRenderer(size int) *PNGRenderer {
	if size <= 0 {
		size = DefaultQRSize
	}
	return &PNGRenderer{size: size, foreground: DefaultQRForeground}
}

// Render はtextをQRコードPNGにする。容量を超える場合はエラーを返す。
func (r *PNGRenderer) Render(text string) ([]byte, error) {
	q, err := qrcode.New(text, qrcode.Highest)
	if err != nil {
		return nil, fmt.Errorf("encoding QR code: %w", err)
	}
	q.ForegroundColor = r.foreground
	q.BackgroundColor = color.White

	png, err := q.PNG(r.size)
	if err != nil {
		return nil, fmt.Errorf("writing PNG: %w", err)
	}
	return png, nil
}
