package geom

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
)

// Vec3 is a point or direction in room-local coordinates. On the wire it is a
// three element array, matching what the editor clients emit.
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) Neg() Vec3       { return Vec3{-v.X, -v.Y, -v.Z} }
func (v Vec3) IsZero() bool    { return v.X == 0 && v.Y == 0 && v.Z == 0 }

func (v Vec3) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]float64{v.X, v.Y, v.Z})
}

func (v *Vec3) UnmarshalJSON(data []byte) error {
	var arr []float64
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	return v.fromSlice(arr)
}

// MarshalCBOR and UnmarshalCBOR keep the array shape on the binary codec too.
func (v Vec3) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal([3]float64{v.X, v.Y, v.Z})
}

func (v *Vec3) UnmarshalCBOR(data []byte) error {
	var arr []float64
	if err := cbor.Unmarshal(data, &arr); err != nil {
		return err
	}
	return v.fromSlice(arr)
}

func (v *Vec3) fromSlice(arr []float64) error {
	if len(arr) != 3 {
		return fmt.Errorf("vector must have 3 components, got %d", len(arr))
	}
	for _, c := range arr {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return fmt.Errorf("vector component is not finite")
		}
	}
	*v = Vec3{arr[0], arr[1], arr[2]}
	return nil
}

func (v Vec3) String() string {
	return fmt.Sprintf("(%g, %g, %g)", v.X, v.Y, v.Z)
}

// Dimensions describe a room's boundary envelope. The floor is centered on the
// origin and walls rise along +Y.
type Dimensions struct {
	Width  float64 `json:"width" cbor:"width"`
	Depth  float64 `json:"depth" cbor:"depth"`
	Height float64 `json:"height" cbor:"height"`
}

func (d Dimensions) Valid() bool {
	return d.Width > 0 && d.Depth > 0 && d.Height > 0
}

func (d Dimensions) Box() Box {
	return Box{
		Min: Vec3{-d.Width / 2, 0, -d.Depth / 2},
		Max: Vec3{d.Width / 2, d.Height, d.Depth / 2},
	}
}

// Box is an axis-aligned bounding box.
type Box struct {
	Min, Max Vec3
}

// Overlaps reports whether the interiors intersect. Boxes that only share a
// face do not overlap.
func (b Box) Overlaps(o Box) bool {
	return b.Min.X < o.Max.X && o.Min.X < b.Max.X &&
		b.Min.Y < o.Max.Y && o.Min.Y < b.Max.Y &&
		b.Min.Z < o.Max.Z && o.Min.Z < b.Max.Z
}

// Contains reports whether o lies entirely inside b, tolerating eps of float noise.
func (b Box) Contains(o Box, eps float64) bool {
	return o.Min.X >= b.Min.X-eps && o.Max.X <= b.Max.X+eps &&
		o.Min.Y >= b.Min.Y-eps && o.Max.Y <= b.Max.Y+eps &&
		o.Min.Z >= b.Min.Z-eps && o.Max.Z <= b.Max.Z+eps
}

// Footprint returns the box occupied by an object whose base center sits at
// position, with the given extent rotated by yaw radians around the Y axis.
func Footprint(position, extent Vec3, yaw float64) Box {
	sin, cos := math.Abs(math.Sin(yaw)), math.Abs(math.Cos(yaw))
	w := extent.X*cos + extent.Z*sin
	d := extent.X*sin + extent.Z*cos
	return Box{
		Min: Vec3{position.X - w/2, position.Y, position.Z - d/2},
		Max: Vec3{position.X + w/2, position.Y + extent.Y, position.Z + d/2},
	}
}
