package utils

import (
	"encoding/json"
	"fmt"
	"image/color"
	"strconv"
	"strings"
)

// Palette is an ordered list of colours used to ramp a single band.
// In config files colours may be written as CSS names, "#rrggbb"
// strings or {"R":..,"G":..,"B":..,"A":..} objects.
type Palette struct {
	Interpolate bool         `json:"interpolate"`
	Colours     []color.RGBA `json:"colours"`
}

var namedColours = map[string]color.RGBA{
	"black":     {0x00, 0x00, 0x00, 0xff},
	"white":     {0xff, 0xff, 0xff, 0xff},
	"red":       {0xff, 0x00, 0x00, 0xff},
	"green":     {0x00, 0x80, 0x00, 0xff},
	"lime":      {0x00, 0xff, 0x00, 0xff},
	"blue":      {0x00, 0x00, 0xff, 0xff},
	"yellow":    {0xff, 0xff, 0x00, 0xff},
	"cyan":      {0x00, 0xff, 0xff, 0xff},
	"aqua":      {0x00, 0xff, 0xff, 0xff},
	"magenta":   {0xff, 0x00, 0xff, 0xff},
	"fuchsia":   {0xff, 0x00, 0xff, 0xff},
	"orange":    {0xff, 0xa5, 0x00, 0xff},
	"purple":    {0x80, 0x00, 0x80, 0xff},
	"brown":     {0xa5, 0x2a, 0x2a, 0xff},
	"gray":      {0x80, 0x80, 0x80, 0xff},
	"grey":      {0x80, 0x80, 0x80, 0xff},
	"darkgreen": {0x00, 0x64, 0x00, 0xff},
	"olive":     {0x80, 0x80, 0x00, 0xff},
	"navy":      {0x00, 0x00, 0x80, 0xff},
	"maroon":    {0x80, 0x00, 0x00, 0xff},
	"teal":      {0x00, 0x80, 0x80, 0xff},
	"silver":    {0xc0, 0xc0, 0xc0, 0xff},
}

// ParseColour accepts a CSS colour name, "#rgb", "#rrggbb" or
// "rrggbb".
func ParseColour(s string) (color.RGBA, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if c, ok := namedColours[s]; ok {
		return c, nil
	}

	hex := strings.TrimPrefix(s, "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return color.RGBA{}, fmt.Errorf("invalid colour: %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid colour: %q", s)
	}
	return color.RGBA{uint8(v >> 16), uint8(v >> 8), uint8(v), 0xff}, nil
}

// NewPalette builds an interpolated palette from colour strings.
func NewPalette(colours ...string) (*Palette, error) {
	p := &Palette{Interpolate: true}
	for _, s := range colours {
		c, err := ParseColour(s)
		if err != nil {
			return nil, err
		}
		p.Colours = append(p.Colours, c)
	}
	return p, nil
}

func (p *Palette) UnmarshalJSON(b []byte) error {
	// A bare list of colours is an interpolated ramp.
	var list []json.RawMessage
	if err := json.Unmarshal(b, &list); err == nil {
		colours, err := parseColourList(list)
		if err != nil {
			return err
		}
		*p = Palette{Interpolate: true, Colours: colours}
		return nil
	}

	var raw struct {
		Interpolate *bool             `json:"interpolate"`
		Colours     []json.RawMessage `json:"colours"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("invalid palette: %v", err)
	}
	colours, err := parseColourList(raw.Colours)
	if err != nil {
		return err
	}
	p.Colours = colours
	p.Interpolate = raw.Interpolate == nil || *raw.Interpolate
	return nil
}

func parseColourList(list []json.RawMessage) ([]color.RGBA, error) {
	colours := make([]color.RGBA, 0, len(list))
	for _, item := range list {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			c, err := ParseColour(s)
			if err != nil {
				return nil, err
			}
			colours = append(colours, c)
			continue
		}

		var c color.RGBA
		if err := json.Unmarshal(item, &c); err != nil {
			return nil, fmt.Errorf("invalid palette colour %s: %v", string(item), err)
		}
		colours = append(colours, c)
	}
	return colours, nil
}
