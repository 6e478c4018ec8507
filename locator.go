// Locators.
//
// A Locator is the handle a write returns and a read takes back. It is
// opaque to callers, who store it next to whatever indexes the payload, and
// it stays valid across restarts because bins never move. The text form is
// compact JSON:
//
//	{"_v":0,"_o":128,"_l":4119,"_s":4096,"_b":1,"_c":true}
package blobvol

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Locator addresses the bins of one write.
type Locator struct {
	Volume     int   `json:"_v"` // Volume number
	Offset     int64 `json:"_o"` // Offset of the first bin's header
	Length     int64 `json:"_l"` // Framed bytes spanned by all bins
	Size       int64 `json:"_s"` // Logical payload bytes
	Bins       int   `json:"_b"` // Number of consecutive bins
	Compressed bool  `json:"_c"` // Bins were written compressed
}

// locator has Locator's fields without its methods, so that encoding it
// does not recurse into MarshalText.
type locator Locator

// MarshalText encodes the locator as compact JSON.
func (l Locator) MarshalText() ([]byte, error) {
	return json.Marshal(locator(l))
}

// UnmarshalText is the inverse of MarshalText.
func (l *Locator) UnmarshalText(b []byte) error {
	var v locator
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidLocator, err)
	}
	if err := Locator(v).valid(); err != nil {
		return err
	}
	*l = Locator(v)
	return nil
}

func (l Locator) String() string {
	b, err := l.MarshalText()
	if err != nil {
		return fmt.Sprintf("locator(%d@%d)", l.Volume, l.Offset)
	}
	return string(b)
}

// ParseLocator parses the text form of a Locator.
func ParseLocator(s string) (Locator, error) {
	var l Locator
	err := l.UnmarshalText([]byte(s))
	return l, err
}

// valid checks the fields that any issued locator satisfies.
func (l Locator) valid() error {
	switch {
	case l.Volume < 0:
		return fmt.Errorf("%w: volume %d", ErrInvalidLocator, l.Volume)
	case l.Offset < HeaderSize:
		return fmt.Errorf("%w: offset %d", ErrInvalidLocator, l.Offset)
	case l.Bins < 1:
		return fmt.Errorf("%w: %d bins", ErrInvalidLocator, l.Bins)
	case l.Length < int64(l.Bins)*(BinHeaderSize+BinFooterSize):
		return fmt.Errorf("%w: length %d for %d bins", ErrInvalidLocator, l.Length, l.Bins)
	case l.Size < 0:
		return fmt.Errorf("%w: size %d", ErrInvalidLocator, l.Size)
	}
	return nil
}
