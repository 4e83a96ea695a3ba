package nrz

import "github.com/coreman2200/neostrip/internal/pixel"

// Channel identifies a color channel.
type Channel uint8

const (
	Red Channel = iota
	Green
	Blue
)

func (c Channel) String() string {
	switch c {
	case Red:
		return "red"
	case Green:
		return "green"
	case Blue:
		return "blue"
	default:
		return "Channel(?)"
	}
}

// Order is the wire order of the channels. The protocol mandates it.
var Order = [3]Channel{Green, Red, Blue}

// BytesPerPixel is the number of channel bytes sent per pixel.
const BytesPerPixel = len(Order)

// Value returns the intensity of channel c in p.
func (c Channel) Value(p pixel.Pixel) byte {
	switch c {
	case Red:
		return p.R
	case Green:
		return p.G
	default:
		return p.B
	}
}

// Channels returns p's channel bytes in wire order.
func Channels(p pixel.Pixel) [3]byte {
	return [3]byte{p.G, p.R, p.B}
}

// FromChannels is the inverse of Channels.
func FromChannels(grb [3]byte) pixel.Pixel {
	return pixel.Pixel{G: grb[0], R: grb[1], B: grb[2]}
}
